// Package daily wraps the telephony/room provider REST API: number
// inventory, pinless dial-in routing configs, and the domain webhook
// subscription that feeds the call event reducer.
package daily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"
)

const defaultBaseURL = "https://api.daily.co/v1"

// Config controls how the client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client wraps the provider endpoints the platform uses.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("daily: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ProviderError preserves upstream HTTP failures with their payload.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("daily: provider returned %d: %s", e.StatusCode, e.Body)
}

// AvailableNumber is one purchasable number.
type AvailableNumber struct {
	Number     string `json:"number"`
	Region     string `json:"region"`
	City       string `json:"city"`
	NumberType string `json:"number_type"`
}

// ListAvailableNumbers searches provider inventory by region and city.
func (c *Client) ListAvailableNumbers(ctx context.Context, region, city string) ([]AvailableNumber, error) {
	q := url.Values{}
	if region != "" {
		q.Set("region", region)
	}
	if city != "" {
		q.Set("city", city)
	}
	path := "/list-available-numbers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Data []AvailableNumber `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// PurchasedNumber is the provider's record of a bought number.
type PurchasedNumber struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

// BuyPhoneNumber purchases a specific number, or any number when empty.
func (c *Client) BuyPhoneNumber(ctx context.Context, number string) (*PurchasedNumber, error) {
	body := map[string]string{}
	if number != "" {
		body["number"] = number
	}
	var resp PurchasedNumber
	if err := c.do(ctx, http.MethodPost, "/buy-phone-number", body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("daily: buy-phone-number returned no id")
	}
	return &resp, nil
}

// ReleasePhoneNumber releases a purchased number. The provider only allows
// release 28+ days after purchase; that restriction comes back as a 400 and
// is surfaced to the caller as a ProviderError.
func (c *Client) ReleasePhoneNumber(ctx context.Context, providerNumberID string) error {
	return c.do(ctx, http.MethodDelete, "/release-phone-number/"+url.PathEscape(providerNumberID), nil, nil)
}

// DialinConfig is the provider-side mapping from a PSTN number to the room
// creation callback invoked on inbound calls.
type DialinConfig struct {
	ID              string `json:"id,omitempty"`
	Type            string `json:"type"`
	PhoneNumber     string `json:"phone_number"`
	RoomCreationAPI string `json:"room_creation_api"`
	NamePrefix      string `json:"name_prefix,omitempty"`
}

// CreateDialinConfig registers pinless dial-in routing for a number.
func (c *Client) CreateDialinConfig(ctx context.Context, cfg DialinConfig) (*DialinConfig, error) {
	cfg.Type = "pinless_dialin"
	var resp struct {
		Data DialinConfig `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/domain-dialin-config", cfg, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, errors.New("daily: dialin config create returned no id")
	}
	return &resp.Data, nil
}

// UpdateDialinConfig replaces an existing dial-in config.
func (c *Client) UpdateDialinConfig(ctx context.Context, id string, cfg DialinConfig) error {
	cfg.Type = "pinless_dialin"
	return c.do(ctx, http.MethodPut, "/domain-dialin-config/"+url.PathEscape(id), cfg, nil)
}

// DeleteDialinConfig removes dial-in routing, disabling inbound for the number.
func (c *Client) DeleteDialinConfig(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/domain-dialin-config/"+url.PathEscape(id), nil, nil)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		// Already gone; deletion is idempotent from our side.
		return nil
	}
	return err
}

// RegisterDomainWebhook subscribes the domain webhook to every dial-in and
// dial-out event type. Called once at startup; the provider upserts by URL.
func (c *Client) RegisterDomainWebhook(ctx context.Context, hookURL string) error {
	body := map[string]any{
		"url": hookURL,
		"eventTypes": []string{
			"dialin.connected", "dialin.stopped", "dialin.warning", "dialin.error",
			"dialout.started", "dialout.connected", "dialout.answered",
			"dialout.stopped", "dialout.error", "dialout.warning",
		},
	}
	return c.do(ctx, http.MethodPost, "/webhooks", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("daily: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("daily: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daily: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("daily: decode response: %w", err)
		}
	}
	return nil
}
