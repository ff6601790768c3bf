// Package pipecat wraps the hosted agent-runtime provider: named secret
// sets, named agent services, and public session starts for dial-in,
// dial-out and video meetings.
package pipecat

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

const defaultBaseURL = "https://api.pipecat.daily.co/v1"

// Config controls how the client behaves.
type Config struct {
	BaseURL       string
	PrivateAPIKey string
	PublicAPIKey  string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client talks to the agent-runtime provider. Administrative calls (secrets,
// services) use the private key; session starts use the public key.
type Client struct {
	baseURL    string
	privateKey string
	publicKey  string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.PrivateAPIKey) == "" {
		return nil, errors.New("pipecat: private API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		privateKey: cfg.PrivateAPIKey,
		publicKey:  cfg.PublicAPIKey,
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
	return fmt.Sprintf("pipecat: provider returned %d: %s", e.StatusCode, e.Body)
}

// PutSecretSet replaces the named secret set with the given map. The call is
// idempotent: the set converges on exactly these values.
func (c *Client) PutSecretSet(ctx context.Context, name string, secrets map[string]string) error {
	body := map[string]any{"secrets": secrets}
	return c.do(ctx, http.MethodPut, "/secrets/"+url.PathEscape(name), c.privateKey, body, nil)
}

// DeleteSecretSet removes the named secret set.
func (c *Client) DeleteSecretSet(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/secrets/"+url.PathEscape(name), c.privateKey, nil, nil)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// ServiceDefinition describes a named agent service.
type ServiceDefinition struct {
	ServiceName   string `json:"serviceName"`
	Image         string `json:"image"`
	SecretSet     string `json:"secretSet"`
	Region        string `json:"region,omitempty"`
	EnableKrisp   bool   `json:"enableKrisp,omitempty"`
	MinAgents     int    `json:"minAgents,omitempty"`
	MaxAgents     int    `json:"maxAgents,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// CreateOrUpdateService upserts an agent service by name: create first, and
// update when the name already exists so the service converges on the
// computed definition.
func (c *Client) CreateOrUpdateService(ctx context.Context, def ServiceDefinition) error {
	err := c.do(ctx, http.MethodPost, "/agents", c.privateKey, def, nil)
	var pe *ProviderError
	if errors.As(err, &pe) && (pe.StatusCode == http.StatusConflict || pe.StatusCode == http.StatusBadRequest) {
		return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(def.ServiceName), c.privateKey, def, nil)
	}
	return err
}

// DeleteService removes the named agent service.
func (c *Client) DeleteService(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(name), c.privateKey, nil, nil)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// DialinSettings carries the telephony identifiers of an inbound call.
type DialinSettings struct {
	To         string `json:"to"`
	From       string `json:"from"`
	CallID     string `json:"call_id"`
	CallDomain string `json:"call_domain"`
}

// DialoutSettings asks the runtime to place an outbound call.
type DialoutSettings struct {
	PhoneNumber string `json:"phone_number"`
	CallerID    string `json:"caller_id,omitempty"`
}

// CallerMemory is a bounded digest of prior transcript turns for a
// returning caller.
type CallerMemory struct {
	Meta     string         `json:"meta"`
	Messages []MemoryTurn   `json:"messages"`
}

// MemoryTurn is one prior transcript turn.
type MemoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StartBody is the mode-specific payload inside a session start.
type StartBody struct {
	Mode             string            `json:"mode"`
	DialinSettings   *DialinSettings   `json:"dialin_settings,omitempty"`
	DialoutSettings  *DialoutSettings  `json:"dialout_settings,omitempty"`
	VideoMeeting     bool              `json:"video_meeting,omitempty"`
	CallerMemory     *CallerMemory     `json:"caller_memory,omitempty"`
	AgentConfig      map[string]string `json:"agent_config,omitempty"`
	CampaignAudioURL string            `json:"campaign_audio_url,omitempty"`
}

// StartRequest starts a session on a named agent's public endpoint.
type StartRequest struct {
	CreateDailyRoom     bool           `json:"createDailyRoom"`
	DailyRoomProperties map[string]any `json:"dailyRoomProperties,omitempty"`
	Body                StartBody      `json:"body"`
}

// StartResponse carries the room created for the session.
type StartResponse struct {
	RoomURL string `json:"room_url"`
	Token   string `json:"token,omitempty"`
}

// StartSession posts a session start to the agent's public start endpoint.
func (c *Client) StartSession(ctx context.Context, agentName string, req StartRequest) (*StartResponse, error) {
	if c.publicKey == "" {
		return nil, errors.New("pipecat: public API key is required for session starts")
	}
	var resp StartResponse
	if err := c.do(ctx, http.MethodPost,
		"/public/"+url.PathEscape(agentName)+"/start", c.publicKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path, key string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pipecat: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("pipecat: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipecat: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("pipecat: decode response: %w", err)
		}
	}
	return nil
}
