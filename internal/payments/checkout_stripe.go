package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxwire/voxwire/pkg/logging"
)

// StripeCheckout creates Checkout Sessions through the form-encoded API.
type StripeCheckout struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewStripeCheckout(secretKey, baseURL string, logger *logging.Logger) *StripeCheckout {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeCheckout{
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// StripeSessionParams describes one checkout session.
type StripeSessionParams struct {
	AmountCents       int64
	ProductName       string
	ClientReferenceID string
	CustomerEmail     string
	SuccessURL        string
	CancelURL         string
}

// StripeSession is the created session.
type StripeSession struct {
	ID  string
	URL string
}

// CreateSession posts a payment-mode checkout session. The client reference
// id carries the "st-{user}-{billing}" correlation the webhook needs.
func (s *StripeCheckout) CreateSession(ctx context.Context, params StripeSessionParams) (*StripeSession, error) {
	if s.secretKey == "" {
		return nil, fmt.Errorf("payments: stripe secret key not configured")
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", params.ClientReferenceID)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", params.ProductName)
	if params.CustomerEmail != "" {
		form.Set("customer_email", params.CustomerEmail)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("payments: stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: stripe http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("payments: stripe api status %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("payments: stripe decode: %w", err)
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("payments: stripe response missing url")
	}
	return &StripeSession{ID: parsed.ID, URL: parsed.URL}, nil
}
