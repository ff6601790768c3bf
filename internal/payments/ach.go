package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/pkg/logging"
)

// ACHStatusPaid is the only invoice status that credits the wallet.
const ACHStatusPaid = "PAID_IN_FULL"

// ACHClient drives the ACH processor's v3 API: a short-lived login session,
// invoice create, and a hosted payment link per invoice.
type ACHClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewACHClient(apiKey, apiSecret, baseURL string, logger *logging.Logger) *ACHClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &ACHClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger,
	}
}

// ACHInvoiceParams describes one invoice.
type ACHInvoiceParams struct {
	Amount        decimal.Decimal
	Description   string
	CustomerName  string
	CustomerEmail string
	ReferenceID   string
}

// ACHInvoice is the created invoice plus its hosted payment link.
type ACHInvoice struct {
	ID         string
	PaymentURL string
}

// CreateInvoice creates the invoice and attaches a payment link.
func (c *ACHClient) CreateInvoice(ctx context.Context, params ACHInvoiceParams) (*ACHInvoice, error) {
	if c.apiKey == "" || c.apiSecret == "" || c.baseURL == "" {
		return nil, fmt.Errorf("payments: ach processor not configured")
	}
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	amount, _ := params.Amount.Float64()
	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, token, "/v3/invoices", map[string]any{
		"amount":         amount,
		"description":    params.Description,
		"customer_name":  params.CustomerName,
		"customer_email": params.CustomerEmail,
		"reference_id":   params.ReferenceID,
	}, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("payments: ach invoice create returned no id")
	}

	var link struct {
		URL string `json:"url"`
	}
	if err := c.post(ctx, token, "/v3/invoices/"+created.ID+"/payment-link", nil, &link); err != nil {
		return nil, err
	}
	if link.URL == "" {
		return nil, fmt.Errorf("payments: ach payment link returned no url")
	}
	return &ACHInvoice{ID: created.ID, PaymentURL: link.URL}, nil
}

// sessionToken logs in when the cached bearer is missing or near expiry.
func (c *ACHClient) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}
	var login struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := c.post(ctx, "", "/v3/login", map[string]any{
		"api_key":    c.apiKey,
		"api_secret": c.apiSecret,
	}, &login); err != nil {
		return "", err
	}
	if login.Token == "" {
		return "", fmt.Errorf("payments: ach login returned no token")
	}
	expires := login.ExpiresIn
	if expires <= 0 {
		expires = 900
	}
	c.token = login.Token
	c.tokenExpiry = time.Now().Add(time.Duration(expires) * time.Second)
	return c.token, nil
}

func (c *ACHClient) post(ctx context.Context, token, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("payments: ach payload: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payments: ach request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: ach http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("payments: ach api status %d: %s", resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("payments: ach decode: %w", err)
		}
	}
	return nil
}
