package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxwire/voxwire/internal/calls"
	"github.com/voxwire/voxwire/internal/dialer"
	"github.com/voxwire/voxwire/internal/observability/metrics"
	"github.com/voxwire/voxwire/pkg/logging"
)

// TelephonyHandler terminates the telephony provider's webhooks: the dial-in
// room-creation callback and the call event stream.
type TelephonyHandler struct {
	coordinator   *calls.Coordinator
	callsReducer  *calls.Reducer
	dialerReducer *dialer.Reducer
	webhookToken  string
	metrics       *metrics.WebhookMetrics
	logger        *logging.Logger
}

func NewTelephonyHandler(coordinator *calls.Coordinator, callsReducer *calls.Reducer,
	dialerReducer *dialer.Reducer, webhookToken string,
	m *metrics.WebhookMetrics, logger *logging.Logger) *TelephonyHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &TelephonyHandler{
		coordinator:   coordinator,
		callsReducer:  callsReducer,
		dialerReducer: dialerReducer,
		webhookToken:  webhookToken,
		metrics:       m,
		logger:        logger.Component("telephony"),
	}
}

// DialIn handles the provider's room-creation callback for an inbound call.
// The agent name in the path is informational; routing resolves by the
// dialed number.
func (h *TelephonyHandler) DialIn(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req calls.DialInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.Token = r.URL.Query().Get("token")

	resp, err := h.coordinator.HandleDialIn(r.Context(), req)
	h.metrics.ObserveLatency("dialin", time.Since(start).Seconds())
	if err != nil {
		h.metrics.ObserveDelivery("dialin", "error")
		switch {
		case errors.Is(err, calls.ErrBadToken):
			respondError(w, http.StatusUnauthorized, "bad token")
		case errors.Is(err, calls.ErrNoAgent):
			respondError(w, http.StatusNotFound, "no agent for number")
		case errors.Is(err, calls.ErrBlocked):
			respondError(w, http.StatusPaymentRequired, "insufficient balance")
		case errors.Is(err, calls.ErrSessionStart):
			respondError(w, http.StatusBadGateway, "session start failed")
		default:
			h.logger.Error("dial-in failed",
				"agent", chi.URLParam(r, "agentName"), "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	h.metrics.ObserveDelivery("dialin", "ok")
	respondJSON(w, http.StatusOK, resp)
}

// eventPayload is one provider event; the envelope may carry a single event
// or a batch under "events".
type eventPayload struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	CallID     string `json:"call_id"`
	CallDomain string `json:"call_domain"`
	To         string `json:"to"`
	From       string `json:"from"`
	MessageID  string `json:"message_id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

type eventEnvelope struct {
	eventPayload
	Events []eventPayload `json:"events"`
}

func (p eventPayload) toEvent() calls.Event {
	ev := calls.Event{
		Type:       p.Type,
		CallID:     p.CallID,
		CallDomain: p.CallDomain,
		To:         p.To,
		From:       p.From,
		MessageID:  p.MessageID,
		Role:       p.Role,
		Content:    p.Content,
	}
	if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		ev.Timestamp = ts
	}
	return ev
}

// Events dispatches call events to the inbound or dialer reducer by type
// prefix. A failed event returns 500 so the provider redelivers the batch;
// both reducers absorb duplicates.
func (h *TelephonyHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken != "" &&
		subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(h.webhookToken)) != 1 {
		h.metrics.ObserveDelivery("events", "rejected")
		respondError(w, http.StatusUnauthorized, "bad token")
		return
	}

	var envelope eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	batch := envelope.Events
	if len(batch) == 0 && envelope.Type != "" {
		batch = []eventPayload{envelope.eventPayload}
	}

	for _, p := range batch {
		ev := p.toEvent()
		var err error
		if strings.HasPrefix(ev.Type, "dialout.") {
			err = h.dialerReducer.Apply(r.Context(), ev)
		} else {
			err = h.callsReducer.Apply(r.Context(), ev)
		}
		if err != nil {
			h.metrics.ObserveDelivery("events", "error")
			h.logger.Error("event apply failed",
				"type", ev.Type, "call_id", ev.CallID, "error", err)
			respondError(w, http.StatusInternalServerError, "event processing failed")
			return
		}
	}
	h.metrics.ObserveDelivery("events", "ok")
	respondJSON(w, http.StatusOK, map[string]int{"processed": len(batch)})
}
