package pipecat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{PrivateAPIKey: "priv", PublicAPIKey: "pub", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestPutSecretSet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/secrets/agent-abc" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer priv" {
			t.Fatalf("expected private key auth, got %q", got)
		}
		var body struct {
			Secrets map[string]string `json:"secrets"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Secrets["AGENT_PROMPT"] != "be helpful" {
			t.Fatalf("unexpected secrets: %v", body.Secrets)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.PutSecretSet(context.Background(), "agent-abc",
		map[string]string{"AGENT_PROMPT": "be helpful"}); err != nil {
		t.Fatalf("put secrets: %v", err)
	}
}

func TestCreateOrUpdateServiceFallsBackToUpdate(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/agents" {
			http.Error(w, `{"error":"exists"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	err := c.CreateOrUpdateService(context.Background(), ServiceDefinition{
		ServiceName: "agent-abc",
		Image:       "registry.example/voice-agent:latest",
		SecretSet:   "agent-abc-secrets",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(calls) != 2 || calls[1] != "POST /agents/agent-abc" {
		t.Fatalf("unexpected call sequence: %v", calls)
	}
}

func TestStartSessionUsesPublicKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/public/agent-abc/start" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pub" {
			t.Fatalf("expected public key auth, got %q", got)
		}
		var req StartRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.CreateDailyRoom || req.Body.Mode != "dialin" {
			t.Fatalf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(StartResponse{RoomURL: "https://rooms.example/r/1"})
	})
	resp, err := c.StartSession(context.Background(), "agent-abc", StartRequest{
		CreateDailyRoom: true,
		Body: StartBody{
			Mode: "dialin",
			DialinSettings: &DialinSettings{
				To: "+15125550000", From: "+15125551111",
				CallID: "c1", CallDomain: "d1",
			},
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.RoomURL == "" {
		t.Fatal("expected room url")
	}
}

func TestDeleteServiceTolerates404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if err := c.DeleteService(context.Background(), "gone"); err != nil {
		t.Fatalf("expected nil on 404, got %v", err)
	}
}
