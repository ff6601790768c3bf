// Package sms wraps the Telnyx messaging REST API used by the send-sms
// tool action.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

const defaultBaseURL = "https://api.telnyx.com/v2"

// Config controls how the client behaves.
type Config struct {
	BaseURL            string
	APIKey             string
	MessagingProfileID string
	Timeout            time.Duration
	MaxRetries         int
	Backoff            time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Client wraps the message send endpoint.
type Client struct {
	apiKey             string
	baseURL            string
	messagingProfileID string
	httpClient         *http.Client
	maxRetries         int
	backoff            time.Duration
	logger             *slog.Logger
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sms: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:             cfg.APIKey,
		baseURL:            strings.TrimRight(baseURL, "/"),
		messagingProfileID: cfg.MessagingProfileID,
		httpClient:         httpClient,
		maxRetries:         cfg.MaxRetries,
		backoff:            backoff,
		logger:             logger,
	}, nil
}

// ProviderError preserves upstream HTTP failures with their payload.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("sms: provider returned %d: %s", e.StatusCode, e.Body)
}

// SendRequest is one outbound SMS.
type SendRequest struct {
	From string
	To   string
	Text string
}

// SendResponse carries the provider message id.
type SendResponse struct {
	MessageID string
}

// Send posts the message, retrying transient failures with backoff.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if req.To == "" || req.Text == "" {
		return nil, errors.New("sms: to and text are required")
	}
	payload, err := json.Marshal(struct {
		From               string `json:"from,omitempty"`
		To                 string `json:"to"`
		Text               string `json:"text"`
		MessagingProfileID string `json:"messaging_profile_id,omitempty"`
	}{
		From:               req.From,
		To:                 req.To,
		Text:               req.Text,
		MessagingProfileID: c.messagingProfileID,
	})
	if err != nil {
		return nil, fmt.Errorf("sms: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}
		resp, err := c.post(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var pe *ProviderError
		if errors.As(err, &pe) && pe.StatusCode < 500 && pe.StatusCode != http.StatusTooManyRequests {
			// Client errors do not improve on retry.
			return nil, err
		}
		c.logger.Warn("sms send retry", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, payload []byte) (*SendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms: send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("sms: decode response: %w", err)
	}
	if parsed.Data.ID == "" {
		return nil, errors.New("sms: response missing message id")
	}
	return &SendResponse{MessageID: parsed.Data.ID}, nil
}
