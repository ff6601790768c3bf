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

	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/pkg/logging"
)

// Crypto IPN statuses; only finished credits the wallet.
const (
	CryptoStatusFinished = "finished"
	CryptoStatusFailed   = "failed"
	CryptoStatusExpired  = "expired"
	CryptoStatusRefunded = "refunded"
)

// CryptoClient creates invoices at the crypto payment processor.
type CryptoClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewCryptoClient(apiKey, baseURL string, logger *logging.Logger) *CryptoClient {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.nowpayments.io/v1"
	}
	return &CryptoClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// CryptoInvoiceParams describes one invoice.
type CryptoInvoiceParams struct {
	PriceAmount    decimal.Decimal
	PriceCurrency  string
	OrderID        string
	IPNCallbackURL string
	SuccessURL     string
	CancelURL      string
}

// CryptoInvoice is the created invoice.
type CryptoInvoice struct {
	ID         string
	InvoiceURL string
}

// CreateInvoice posts an invoice whose order_id carries the
// "np-{user}-{billing}" correlation the IPN needs.
func (c *CryptoClient) CreateInvoice(ctx context.Context, params CryptoInvoiceParams) (*CryptoInvoice, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("payments: crypto api key not configured")
	}
	currency := params.PriceCurrency
	if currency == "" {
		currency = "usd"
	}
	amount, _ := params.PriceAmount.Float64()
	payload, err := json.Marshal(map[string]any{
		"price_amount":     amount,
		"price_currency":   currency,
		"order_id":         params.OrderID,
		"ipn_callback_url": params.IPNCallbackURL,
		"success_url":      params.SuccessURL,
		"cancel_url":       params.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("payments: crypto payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/invoice", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("payments: crypto request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: crypto http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("payments: crypto api status %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		ID         string `json:"id"`
		InvoiceURL string `json:"invoice_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("payments: crypto decode: %w", err)
	}
	if parsed.InvoiceURL == "" {
		return nil, fmt.Errorf("payments: crypto response missing invoice url")
	}
	return &CryptoInvoice{ID: parsed.ID, InvoiceURL: parsed.InvoiceURL}, nil
}
