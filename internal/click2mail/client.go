// Package click2mail wraps the print-and-mail provider's XML-over-HTTP API:
// address correction, cost estimates, and the batch create/upload/submit
// flow with IMpb tracking.
package click2mail

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://rest.click2mail.com/molpro"

// Config controls how the client behaves.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the provider with basic auth and XML payloads.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("click2mail: credentials are required")
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
		username:   cfg.Username,
		password:   cfg.Password,
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
	return fmt.Sprintf("click2mail: provider returned %d: %s", e.StatusCode, e.Body)
}

// Address is a US postal address.
type Address struct {
	Name    string
	Line1   string
	Line2   string
	City    string
	State   string
	Zip     string
}

// CorrectedAddress is the provider's verdict on an address.
type CorrectedAddress struct {
	Address
	Nonmailable bool
}

// CorrectAddress standardizes the address and reports deliverability.
// Nonmailable addresses must fail the action before any charge.
func (c *Client) CorrectAddress(ctx context.Context, addr Address) (*CorrectedAddress, error) {
	form := url.Values{
		"name":     {addr.Name},
		"address1": {addr.Line1},
		"address2": {addr.Line2},
		"city":     {addr.City},
		"state":    {addr.State},
		"postalCode": {addr.Zip},
	}
	body, err := c.do(ctx, http.MethodPost, "/addressCorrection", form)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		XMLName   xml.Name `xml:"addressCorrection"`
		Status    string   `xml:"status"`
		Address1  string   `xml:"address1"`
		Address2  string   `xml:"address2"`
		City      string   `xml:"city"`
		State     string   `xml:"state"`
		Zip       string   `xml:"postalCode"`
		Mailable  string   `xml:"mailable"`
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("click2mail: decode address correction: %w", err)
	}
	corrected := &CorrectedAddress{
		Address: Address{
			Name:  addr.Name,
			Line1: firstNonEmpty(parsed.Address1, addr.Line1),
			Line2: firstNonEmpty(parsed.Address2, addr.Line2),
			City:  firstNonEmpty(parsed.City, addr.City),
			State: firstNonEmpty(parsed.State, addr.State),
			Zip:   firstNonEmpty(parsed.Zip, addr.Zip),
		},
		Nonmailable: strings.EqualFold(parsed.Mailable, "no") ||
			strings.EqualFold(parsed.Status, "nonmailable"),
	}
	return corrected, nil
}

// EstimateCost asks for a single-letter cost estimate. The provider's XML
// shape has drifted over time, so any numeric element named like a price in
// a plausible range is accepted.
func (c *Client) EstimateCost(ctx context.Context, pages int) (decimal.Decimal, error) {
	form := url.Values{
		"documentClass":  {"Letter 8.5 x 11"},
		"layout":         {"Address on Separate Page"},
		"productionTime": {"Next Day"},
		"envelope":       {"#10 Double Window"},
		"color":          {"Black and White"},
		"paperType":      {"White 24#"},
		"printOption":    {"Printing One side"},
		"quantity":       {"1"},
		"pages":          {strconv.Itoa(pages)},
	}
	body, err := c.do(ctx, http.MethodPost, "/costEstimate", form)
	if err != nil {
		return decimal.Zero, err
	}
	cost, ok := findCostField(body)
	if !ok {
		return decimal.Zero, fmt.Errorf("click2mail: no cost field in estimate response: %s", body)
	}
	return cost, nil
}

// Batch is a created print batch.
type Batch struct {
	ID string
}

// CreateBatch opens a new batch for one or more letters.
func (c *Client) CreateBatch(ctx context.Context, name string) (*Batch, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/batches", url.Values{"batchName": {name}})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		ID string `xml:"id"`
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("click2mail: decode batch: %w", err)
	}
	if parsed.ID == "" {
		return nil, errors.New("click2mail: batch create returned no id")
	}
	return &Batch{ID: parsed.ID}, nil
}

// UploadDocument attaches a rendered PDF to the batch.
func (c *Client) UploadDocument(ctx context.Context, batchID, filename string, pdf []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/batches/"+url.PathEscape(batchID)+"/documents?filename="+url.QueryEscape(filename),
		bytes.NewReader(pdf))
	if err != nil {
		return fmt.Errorf("click2mail: build upload: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/pdf")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("click2mail: upload: %w", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	return nil
}

// SubmitBatch releases the batch for printing and mailing.
func (c *Client) SubmitBatch(ctx context.Context, batchID string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(batchID)+"/submit", nil)
	return err
}

// Tracking returns the IMpb tracking number once the provider assigns one.
func (c *Client) Tracking(ctx context.Context, batchID string) (string, error) {
	body, err := c.do(ctx, http.MethodGet,
		"/v1/batches/"+url.PathEscape(batchID)+"/tracking?trackingType=impb", nil)
	if err != nil {
		return "", err
	}
	var parsed struct {
		TrackingNumber string `xml:"trackingNumber"`
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("click2mail: decode tracking: %w", err)
	}
	return parsed.TrackingNumber, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var reader io.Reader
	if form != nil {
		reader = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("click2mail: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("click2mail: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	return payload, nil
}

// findCostField walks the XML for an element whose name suggests a price
// (total, cost, amount, price) holding a number in (0, 1000).
func findCostField(body []byte) (decimal.Decimal, bool) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	var current string
	for {
		tok, err := decoder.Token()
		if err != nil {
			return decimal.Zero, false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = strings.ToLower(t.Name.Local)
		case xml.CharData:
			if !costFieldName(current) {
				continue
			}
			value, err := decimal.NewFromString(strings.TrimSpace(string(t)))
			if err != nil {
				continue
			}
			if value.IsPositive() && value.LessThan(decimal.NewFromInt(1000)) {
				return value, true
			}
		case xml.EndElement:
			current = ""
		}
	}
}

func costFieldName(name string) bool {
	for _, candidate := range []string{"total", "cost", "amount", "price"} {
		if strings.Contains(name, candidate) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
