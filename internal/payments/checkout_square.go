package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxwire/voxwire/pkg/logging"
)

// SquareCheckout creates hosted payment links via the quick-pay endpoint.
type SquareCheckout struct {
	accessToken string
	locationID  string
	baseURL     string
	httpClient  *http.Client
	logger      *logging.Logger
}

func NewSquareCheckout(accessToken, locationID, baseURL string, logger *logging.Logger) *SquareCheckout {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://connect.squareup.com"
	}
	return &SquareCheckout{
		accessToken: accessToken,
		locationID:  locationID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

// SquareLinkParams describes one quick-pay link.
type SquareLinkParams struct {
	IdempotencyKey string
	Name           string
	AmountCents    int64
	RedirectURL    string
	BuyerEmail     string
	BuyerPhone     string
	Metadata       map[string]string
}

// SquareLink is the created hosted checkout.
type SquareLink struct {
	ID      string
	OrderID string
	URL     string
}

// CreatePaymentLink posts a quick-pay link. The idempotency key makes
// retried creates return the same link.
func (s *SquareCheckout) CreatePaymentLink(ctx context.Context, params SquareLinkParams) (*SquareLink, error) {
	if s.accessToken == "" || s.locationID == "" {
		return nil, fmt.Errorf("payments: square credentials not configured")
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = "Payment"
	}
	body := map[string]any{
		"idempotency_key": params.IdempotencyKey,
		"quick_pay": map[string]any{
			"name": name,
			"price_money": map[string]any{
				"amount":   params.AmountCents,
				"currency": "USD",
			},
			"location_id": s.locationID,
		},
		"checkout_options": map[string]any{
			"redirect_url":             params.RedirectURL,
			"ask_for_shipping_address": false,
		},
	}
	if params.BuyerEmail != "" || params.BuyerPhone != "" {
		body["pre_populated_data"] = map[string]any{
			"buyer_email":        params.BuyerEmail,
			"buyer_phone_number": params.BuyerPhone,
		}
	}
	if len(params.Metadata) > 0 {
		body["metadata"] = params.Metadata
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payments: square payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v2/online-checkout/payment-links", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("payments: square request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: square http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("payments: square api status %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		PaymentLink struct {
			ID      string `json:"id"`
			OrderID string `json:"order_id"`
			URL     string `json:"url"`
		} `json:"payment_link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("payments: square decode: %w", err)
	}
	if parsed.PaymentLink.URL == "" {
		return nil, fmt.Errorf("payments: square response missing url")
	}
	return &SquareLink{
		ID:      parsed.PaymentLink.ID,
		OrderID: parsed.PaymentLink.OrderID,
		URL:     parsed.PaymentLink.URL,
	}, nil
}
