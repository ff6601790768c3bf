package daily

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestBuyPhoneNumber(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/buy-phone-number" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("missing bearer auth, got %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["number"] != "+15125550000" {
			t.Fatalf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "pn_1", "number": "+15125550000"})
	})

	got, err := c.BuyPhoneNumber(context.Background(), "+15125550000")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if got.ID != "pn_1" || got.Number != "+15125550000" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestReleaseSurfacesProviderRestriction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"number must be held 28 days before release"}`, http.StatusBadRequest)
	})
	err := c.ReleasePhoneNumber(context.Background(), "pn_1")
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 ProviderError, got %v", err)
	}
}

func TestDeleteDialinConfigTolerates404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if err := c.DeleteDialinConfig(context.Background(), "cfg_1"); err != nil {
		t.Fatalf("expected nil on 404, got %v", err)
	}
}

func TestCreateDialinConfigSetsPinlessType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var cfg DialinConfig
		json.NewDecoder(r.Body).Decode(&cfg)
		if cfg.Type != "pinless_dialin" {
			t.Fatalf("expected pinless_dialin type, got %q", cfg.Type)
		}
		cfg.ID = "cfg_9"
		json.NewEncoder(w).Encode(map[string]any{"data": cfg})
	})
	got, err := c.CreateDialinConfig(context.Background(), DialinConfig{
		PhoneNumber:     "+15125550000",
		RoomCreationAPI: "https://portal.example/dial-in/agent-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID != "cfg_9" {
		t.Fatalf("unexpected config id: %s", got.ID)
	}
}
