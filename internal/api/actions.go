package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/voxwire/voxwire/internal/actions"
	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/click2mail"
	"github.com/voxwire/voxwire/pkg/logging"
)

// ActionsHandler exposes the agent-runtime tool endpoints. Every route
// authenticates by the per-agent bearer action token.
type ActionsHandler struct {
	svc    *actions.Service
	logger *logging.Logger
}

func NewActionsHandler(svc *actions.Service, logger *logging.Logger) *ActionsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ActionsHandler{svc: svc, logger: logger.Component("actions.http")}
}

func (h *ActionsHandler) authenticate(w http.ResponseWriter, r *http.Request) *agents.Agent {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		respondError(w, http.StatusUnauthorized, "missing bearer token")
		return nil
	}
	agent, err := h.svc.Authenticate(r.Context(), strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		if errors.Is(err, actions.ErrUnauthorized) {
			respondError(w, http.StatusUnauthorized, "invalid action token")
		} else {
			h.logger.Error("action auth failed", "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return nil
	}
	return agent
}

type actionResponse struct {
	Status     string `json:"status"`
	ActionID   string `json:"action_id,omitempty"`
	DedupeKey  string `json:"dedupe_key,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	BatchID    string `json:"batch_id,omitempty"`
	Tracking   string `json:"tracking,omitempty"`
	MeetingURL string `json:"meeting_url,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
}

// respondResult maps the service outcome to a status code: 200 for success
// and already_sent, 202 for in_progress.
func (h *ActionsHandler) respondResult(w http.ResponseWriter, res *actions.Result) {
	status := http.StatusOK
	if res.Outcome == actions.OutcomeInProgress {
		status = http.StatusAccepted
	}
	respondJSON(w, status, actionResponse{
		Status:     string(res.Outcome),
		ActionID:   res.ActionID.String(),
		DedupeKey:  res.DedupeKey,
		MessageID:  res.Refs.MessageID,
		BatchID:    res.Refs.BatchID,
		Tracking:   res.Refs.Tracking,
		MeetingURL: res.MeetingURL,
		PaymentURL: res.PaymentURL,
	})
}

func (h *ActionsHandler) respondActionError(w http.ResponseWriter, err error) {
	var provErr *actions.ProviderFailure
	switch {
	case errors.Is(err, actions.ErrInsufficientFunds):
		respondError(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, actions.ErrNonmailable):
		respondError(w, http.StatusUnprocessableEntity, "address is not mailable")
	case errors.Is(err, actions.ErrMailDisabled):
		respondError(w, http.StatusForbidden, "physical mail is disabled")
	case errors.As(err, &provErr):
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":    "provider failure",
			"refunded": provErr.Refunded,
		})
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

type sendEmailBody struct {
	To         string `json:"to"`
	ToName     string `json:"to_name"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	CallID     string `json:"call_id"`
	CallDomain string `json:"call_domain"`
	DedupeKey  string `json:"dedupe_key"`
}

func (h *ActionsHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	agent := h.authenticate(w, r)
	if agent == nil {
		return
	}
	var body sendEmailBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := h.svc.SendEmail(r.Context(), agent, actions.EmailRequest{
		To:         body.To,
		ToName:     body.ToName,
		Subject:    body.Subject,
		Body:       body.Body,
		CallID:     body.CallID,
		CallDomain: body.CallDomain,
		DedupeKey:  body.DedupeKey,
	})
	if err != nil {
		h.respondActionError(w, err)
		return
	}
	h.respondResult(w, res)
}

type sendSMSBody struct {
	To         string `json:"to"`
	Text       string `json:"text"`
	CallID     string `json:"call_id"`
	CallDomain string `json:"call_domain"`
	DedupeKey  string `json:"dedupe_key"`
}

func (h *ActionsHandler) SendSMS(w http.ResponseWriter, r *http.Request) {
	agent := h.authenticate(w, r)
	if agent == nil {
		return
	}
	var body sendSMSBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := h.svc.SendSMS(r.Context(), agent, actions.SMSRequest{
		To:         body.To,
		Text:       body.Text,
		CallID:     body.CallID,
		CallDomain: body.CallDomain,
		DedupeKey:  body.DedupeKey,
	})
	if err != nil {
		h.respondActionError(w, err)
		return
	}
	h.respondResult(w, res)
}

type sendMailBody struct {
	Name       string `json:"name"`
	Line1      string `json:"address_line1"`
	Line2      string `json:"address_line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	Zip        string `json:"zip"`
	Body       string `json:"body"`
	CallID     string `json:"call_id"`
	CallDomain string `json:"call_domain"`
	DedupeKey  string `json:"dedupe_key"`
}

func (h *ActionsHandler) SendPhysicalMail(w http.ResponseWriter, r *http.Request) {
	agent := h.authenticate(w, r)
	if agent == nil {
		return
	}
	var body sendMailBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := h.svc.SendMail(r.Context(), agent, actions.MailRequest{
		Recipient: click2mail.Address{
			Name:  body.Name,
			Line1: body.Line1,
			Line2: body.Line2,
			City:  body.City,
			State: body.State,
			Zip:   body.Zip,
		},
		Body:       body.Body,
		CallID:     body.CallID,
		CallDomain: body.CallDomain,
		DedupeKey:  body.DedupeKey,
	})
	if err != nil {
		h.respondActionError(w, err)
		return
	}
	h.respondResult(w, res)
}

type meetingBody struct {
	CallID     string `json:"call_id"`
	CallDomain string `json:"call_domain"`
	DedupeKey  string `json:"dedupe_key"`
}

func (h *ActionsHandler) SendVideoMeetingLink(w http.ResponseWriter, r *http.Request) {
	agent := h.authenticate(w, r)
	if agent == nil {
		return
	}
	var body meetingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := h.svc.CreateMeetingLink(r.Context(), agent, actions.MeetingRequest{
		CallID:     body.CallID,
		CallDomain: body.CallDomain,
		DedupeKey:  body.DedupeKey,
	})
	if err != nil {
		h.respondActionError(w, err)
		return
	}
	h.respondResult(w, res)
}

type paymentLinkBody struct {
	Provider      string `json:"provider"`
	AmountCents   int64  `json:"amount_cents"`
	Description   string `json:"description"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
	CallID        string `json:"call_id"`
	CallDomain    string `json:"call_domain"`
	DedupeKey     string `json:"dedupe_key"`
}

func (h *ActionsHandler) CreatePaymentLink(w http.ResponseWriter, r *http.Request) {
	agent := h.authenticate(w, r)
	if agent == nil {
		return
	}
	var body paymentLinkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := h.svc.CreatePaymentLink(r.Context(), agent, actions.PaymentLinkRequest{
		Provider:      body.Provider,
		AmountCents:   body.AmountCents,
		Description:   body.Description,
		CustomerName:  body.CustomerName,
		CustomerEmail: body.CustomerEmail,
		CustomerPhone: body.CustomerPhone,
		CallID:        body.CallID,
		CallDomain:    body.CallDomain,
		DedupeKey:     body.DedupeKey,
	})
	if err != nil {
		h.respondActionError(w, err)
		return
	}
	h.respondResult(w, res)
}

type logMessageBody struct {
	Message    string `json:"message"`
	CallID     string `json:"call_id"`
	CallDomain string `json:"call_domain"`
	DedupeKey  string `json:"dedupe_key"`
}

func (h *ActionsHandler) LogMessage(w http.ResponseWriter, r *http.Request) {
	agent := h.authenticate(w, r)
	if agent == nil {
		return
	}
	var body logMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := h.svc.LogMessage(r.Context(), agent, actions.LogRequest{
		Message:    body.Message,
		CallID:     body.CallID,
		CallDomain: body.CallDomain,
		DedupeKey:  body.DedupeKey,
	})
	if err != nil {
		h.respondActionError(w, err)
		return
	}
	h.respondResult(w, res)
}
