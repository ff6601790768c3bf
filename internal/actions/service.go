package actions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/click2mail"
	"github.com/voxwire/voxwire/internal/mailer"
	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/internal/sms"
	"github.com/voxwire/voxwire/pkg/logging"
)

// Sentinel errors the HTTP layer maps to status codes.
var (
	ErrUnauthorized      = errors.New("actions: invalid action token")
	ErrInsufficientFunds = billing.ErrInsufficientFunds
	ErrNonmailable       = errors.New("actions: recipient address is not mailable")
	ErrMailDisabled      = errors.New("actions: physical mail is not enabled")
)

// ProviderFailure is returned when the external provider failed after the
// charge. Refunded tells the caller whether the charge was reversed, so a
// 502 response can carry reconciliation state.
type ProviderFailure struct {
	Refunded bool
	Err      error
}

func (e *ProviderFailure) Error() string {
	return fmt.Sprintf("actions: provider failed (refunded=%t): %v", e.Refunded, e.Err)
}

func (e *ProviderFailure) Unwrap() error { return e.Err }

// Outcome of one action invocation.
type Outcome string

const (
	OutcomeSent        Outcome = "success"
	OutcomeAlreadySent Outcome = "already_sent"
	OutcomeInProgress  Outcome = "in_progress"
)

// Result is the terminal state of one invocation.
type Result struct {
	Outcome    Outcome
	ActionID   uuid.UUID
	DedupeKey  string
	Refs       ProviderRefs
	MeetingURL string
	PaymentURL string
}

type charger interface {
	Charge(ctx context.Context, params billing.ChargeParams) (*billing.ChargeResult, error)
	Refund(ctx context.Context, params billing.RefundParams) (*billing.RefundResult, error)
}

type emailSender interface {
	Send(ctx context.Context, userID uuid.UUID, msg mailer.Message) error
}

type smsSender interface {
	Send(ctx context.Context, req sms.SendRequest) (*sms.SendResponse, error)
}

type mailProvider interface {
	CorrectAddress(ctx context.Context, addr click2mail.Address) (*click2mail.CorrectedAddress, error)
	EstimateCost(ctx context.Context, pages int) (decimal.Decimal, error)
	CreateBatch(ctx context.Context, name string) (*click2mail.Batch, error)
	UploadDocument(ctx context.Context, batchID, filename string, pdf []byte) error
	SubmitBatch(ctx context.Context, batchID string) error
	Tracking(ctx context.Context, batchID string) (string, error)
}

type sessionStarter interface {
	StartSession(ctx context.Context, agentName string, req pipecat.StartRequest) (*pipecat.StartResponse, error)
}

// PaymentLinkParams describes the checkout the payment-link action creates.
type PaymentLinkParams struct {
	UserID        uuid.UUID
	Provider      string
	AmountCents   int64
	Description   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	CallID        string
	CallDomain    string
}

// PaymentLink is the created checkout.
type PaymentLink struct {
	URL        string
	RequestID  uuid.UUID
	ProviderID string
}

type paymentLinker interface {
	CreateLink(ctx context.Context, params PaymentLinkParams) (*PaymentLink, error)
}

type smsFromResolver interface {
	SMSFrom(ctx context.Context, agentID uuid.UUID) (string, error)
}

// ServiceConfig holds per-kind fees and the physical mail policy.
type ServiceConfig struct {
	EmailCost         decimal.Decimal
	SMSCost           decimal.Decimal
	MeetingCost       decimal.Decimal
	MailEnabled       bool
	MailMarkupFlat    decimal.Decimal
	MailMarkupPercent decimal.Decimal
	PendingMaxAge     time.Duration
}

// Service runs the tool-action pipeline. Every kind follows the same shape:
// claim the dedupe key, charge the fee, call the provider, then complete or
// fail with a best-effort refund.
type Service struct {
	repo     *Repository
	agents   *agents.Repository
	engine   charger
	email    emailSender
	sms      smsSender
	smsFrom  smsFromResolver
	mail     mailProvider
	runtime  sessionStarter
	payments paymentLinker
	cfg      ServiceConfig
	logger   *logging.Logger
}

func NewService(repo *Repository, agentsRepo *agents.Repository, engine charger,
	email emailSender, smsClient smsSender, smsFrom smsFromResolver,
	mail mailProvider, runtime sessionStarter, payments paymentLinker,
	cfg ServiceConfig, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:     repo,
		agents:   agentsRepo,
		engine:   engine,
		email:    email,
		sms:      smsClient,
		smsFrom:  smsFrom,
		mail:     mail,
		runtime:  runtime,
		payments: payments,
		cfg:      cfg,
		logger:   logger.Component("actions"),
	}
}

// Authenticate resolves the bearer token to its agent. The token is stored
// hashed, so the lookup compares SHA-256 digests.
func (s *Service) Authenticate(ctx context.Context, token string) (*agents.Agent, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	hash := agents.HashActionToken(token)
	agent, err := s.agents.GetByActionTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("actions: authenticate: %w", err)
	}
	if agent.ActionTokenHash == nil ||
		subtle.ConstantTimeCompare([]byte(*agent.ActionTokenHash), []byte(hash)) != 1 {
		return nil, ErrUnauthorized
	}
	return agent, nil
}

// DeriveDedupeKey hashes a stable fingerprint of the action intent so
// provider retries of the same tool call collapse onto one row.
func DeriveDedupeKey(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0x1f})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EmailRequest is the send-email action payload.
type EmailRequest struct {
	To         string
	ToName     string
	Subject    string
	Body       string
	CallID     string
	CallDomain string
	DedupeKey  string
}

// SendEmail relays an email through the owner's SMTP account.
func (s *Service) SendEmail(ctx context.Context, agent *agents.Agent, req EmailRequest) (*Result, error) {
	if req.To == "" || req.Body == "" {
		return nil, errors.New("actions: to and body are required")
	}
	key := req.DedupeKey
	if key == "" {
		key = DeriveDedupeKey(KindEmail, req.CallDomain, req.CallID, req.To, req.Subject, req.Body)
	}
	row, outcome, err := s.claim(ctx, &ActionSend{
		UserID:         agent.UserID,
		AgentID:        &agent.ID,
		Kind:           KindEmail,
		DedupeKey:      key,
		CallID:         optional(req.CallID),
		CallDomain:     optional(req.CallDomain),
		RecipientEmail: &req.To,
		RecipientName:  optional(req.ToName),
		Subject:        optional(req.Subject),
		Body:           &req.Body,
	})
	if err != nil {
		return nil, err
	}
	if outcome != "" {
		return &Result{Outcome: outcome, ActionID: row.ID, DedupeKey: key}, nil
	}

	if err := s.charge(ctx, row, s.cfg.EmailCost, "Email sent by agent "+agent.DisplayName); err != nil {
		return nil, err
	}
	if err := s.email.Send(ctx, agent.UserID, mailer.Message{
		To:      req.To,
		Subject: req.Subject,
		Body:    req.Body,
	}); err != nil {
		return nil, s.failWithRefund(ctx, row, s.cfg.EmailCost, err)
	}
	return s.complete(ctx, row, key, ProviderRefs{})
}

// SMSRequest is the send-sms action payload.
type SMSRequest struct {
	To         string
	Text       string
	CallID     string
	CallDomain string
	DedupeKey  string
}

// SendSMS sends a text from the agent's assigned number.
func (s *Service) SendSMS(ctx context.Context, agent *agents.Agent, req SMSRequest) (*Result, error) {
	if req.To == "" || req.Text == "" {
		return nil, errors.New("actions: to and text are required")
	}
	key := req.DedupeKey
	if key == "" {
		key = DeriveDedupeKey(KindSMS, req.CallDomain, req.CallID, req.To, req.Text)
	}
	row, outcome, err := s.claim(ctx, &ActionSend{
		UserID:         agent.UserID,
		AgentID:        &agent.ID,
		Kind:           KindSMS,
		DedupeKey:      key,
		CallID:         optional(req.CallID),
		CallDomain:     optional(req.CallDomain),
		RecipientPhone: &req.To,
		Body:           &req.Text,
	})
	if err != nil {
		return nil, err
	}
	if outcome != "" {
		return &Result{Outcome: outcome, ActionID: row.ID, DedupeKey: key}, nil
	}

	if err := s.charge(ctx, row, s.cfg.SMSCost, "SMS sent by agent "+agent.DisplayName); err != nil {
		return nil, err
	}
	from := ""
	if s.smsFrom != nil {
		if resolved, err := s.smsFrom.SMSFrom(ctx, agent.ID); err == nil {
			from = resolved
		}
	}
	resp, err := s.sms.Send(ctx, sms.SendRequest{From: from, To: req.To, Text: req.Text})
	if err != nil {
		return nil, s.failWithRefund(ctx, row, s.cfg.SMSCost, err)
	}
	return s.complete(ctx, row, key, ProviderRefs{MessageID: resp.MessageID})
}

// MailRequest is the send-physical-mail action payload.
type MailRequest struct {
	Recipient  click2mail.Address
	Body       string
	TemplateID *uuid.UUID
	CallID     string
	CallDomain string
	DedupeKey  string
}

// SendMail prints and mails a letter. Address correction runs before the
// charge so a nonmailable address never costs anything.
func (s *Service) SendMail(ctx context.Context, agent *agents.Agent, req MailRequest) (*Result, error) {
	if !s.cfg.MailEnabled || s.mail == nil {
		return nil, ErrMailDisabled
	}
	if req.Body == "" {
		return nil, errors.New("actions: letter body is required")
	}
	key := req.DedupeKey
	if key == "" {
		key = DeriveDedupeKey(KindMail, req.CallDomain, req.CallID,
			req.Recipient.Name, req.Recipient.Line1, req.Recipient.Zip, req.Body)
	}
	addrJSON, err := json.Marshal(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("actions: encode address: %w", err)
	}
	row, outcome, err := s.claim(ctx, &ActionSend{
		UserID:           agent.UserID,
		AgentID:          &agent.ID,
		Kind:             KindMail,
		TemplateID:       req.TemplateID,
		DedupeKey:        key,
		CallID:           optional(req.CallID),
		CallDomain:       optional(req.CallDomain),
		RecipientName:    optional(req.Recipient.Name),
		RecipientAddress: addrJSON,
		Body:             &req.Body,
	})
	if err != nil {
		return nil, err
	}
	if outcome != "" {
		return &Result{Outcome: outcome, ActionID: row.ID, DedupeKey: key}, nil
	}

	corrected, err := s.mail.CorrectAddress(ctx, req.Recipient)
	if err != nil {
		if markErr := s.repo.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			s.logger.Error("mark failed", "action_id", row.ID, "error", markErr)
		}
		return nil, &ProviderFailure{Err: err}
	}
	if corrected.Nonmailable {
		if markErr := s.repo.MarkFailed(ctx, row.ID, "address is not mailable"); markErr != nil {
			s.logger.Error("mark failed", "action_id", row.ID, "error", markErr)
		}
		return nil, ErrNonmailable
	}

	pdf, pages, err := renderLetter(corrected.Address, req.Body)
	if err != nil {
		return nil, fmt.Errorf("actions: render letter: %w", err)
	}
	estimate, err := s.mail.EstimateCost(ctx, pages)
	if err != nil {
		if markErr := s.repo.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			s.logger.Error("mark failed", "action_id", row.ID, "error", markErr)
		}
		return nil, &ProviderFailure{Err: err}
	}
	total := billing.MailTotalCost(estimate, s.cfg.MailMarkupFlat, s.cfg.MailMarkupPercent)

	if err := s.charge(ctx, row, total, "Letter mailed by agent "+agent.DisplayName); err != nil {
		return nil, err
	}
	refs, err := s.submitLetter(ctx, row, pdf)
	if err != nil {
		return nil, s.failWithRefund(ctx, row, total, err)
	}
	return s.complete(ctx, row, key, refs)
}

func (s *Service) submitLetter(ctx context.Context, row *ActionSend, pdf []byte) (ProviderRefs, error) {
	batch, err := s.mail.CreateBatch(ctx, "action-"+row.ID.String())
	if err != nil {
		return ProviderRefs{}, err
	}
	if err := s.mail.UploadDocument(ctx, batch.ID, "letter.pdf", pdf); err != nil {
		return ProviderRefs{}, err
	}
	if err := s.mail.SubmitBatch(ctx, batch.ID); err != nil {
		return ProviderRefs{}, err
	}
	refs := ProviderRefs{BatchID: batch.ID}
	// Tracking is assigned asynchronously; a miss here is not a failure.
	if tracking, err := s.mail.Tracking(ctx, batch.ID); err == nil {
		refs.Tracking = tracking
	}
	return refs, nil
}

// MeetingRequest is the send-video-meeting-link action payload.
type MeetingRequest struct {
	CallID     string
	CallDomain string
	DedupeKey  string
}

// CreateMeetingLink starts a video meeting session on the agent runtime and
// returns the room URL.
func (s *Service) CreateMeetingLink(ctx context.Context, agent *agents.Agent, req MeetingRequest) (*Result, error) {
	key := req.DedupeKey
	if key == "" {
		key = DeriveDedupeKey(KindMeeting, req.CallDomain, req.CallID, agent.ID.String())
	}
	row, outcome, err := s.claim(ctx, &ActionSend{
		UserID:     agent.UserID,
		AgentID:    &agent.ID,
		Kind:       KindMeeting,
		DedupeKey:  key,
		CallID:     optional(req.CallID),
		CallDomain: optional(req.CallDomain),
	})
	if err != nil {
		return nil, err
	}
	if outcome != "" {
		return &Result{Outcome: outcome, ActionID: row.ID, DedupeKey: key}, nil
	}

	if err := s.charge(ctx, row, s.cfg.MeetingCost, "Video meeting link created by agent "+agent.DisplayName); err != nil {
		return nil, err
	}
	resp, err := s.runtime.StartSession(ctx, agent.RuntimeServiceName, pipecat.StartRequest{
		CreateDailyRoom: true,
		Body: pipecat.StartBody{
			Mode:         "meeting",
			VideoMeeting: true,
		},
	})
	if err != nil {
		return nil, s.failWithRefund(ctx, row, s.cfg.MeetingCost, err)
	}
	result, err := s.complete(ctx, row, key, ProviderRefs{MessageID: resp.RoomURL})
	if result != nil {
		result.MeetingURL = resp.RoomURL
	}
	return result, err
}

// PaymentLinkRequest is the create-payment-link action payload.
type PaymentLinkRequest struct {
	Provider      string
	AmountCents   int64
	Description   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	CallID        string
	CallDomain    string
	DedupeKey     string
}

// CreatePaymentLink creates a hosted checkout the agent can read out or text
// to the caller. The link itself is free; only the payment moves money.
func (s *Service) CreatePaymentLink(ctx context.Context, agent *agents.Agent, req PaymentLinkRequest) (*Result, error) {
	if s.payments == nil {
		return nil, errors.New("actions: payment links are not configured")
	}
	if req.AmountCents <= 0 {
		return nil, errors.New("actions: amount must be positive")
	}
	key := req.DedupeKey
	if key == "" {
		key = DeriveDedupeKey(KindPaymentLink, req.CallDomain, req.CallID,
			req.Provider, fmt.Sprint(req.AmountCents), req.CustomerEmail, req.CustomerPhone)
	}
	row, outcome, err := s.claim(ctx, &ActionSend{
		UserID:         agent.UserID,
		AgentID:        &agent.ID,
		Kind:           KindPaymentLink,
		DedupeKey:      key,
		CallID:         optional(req.CallID),
		CallDomain:     optional(req.CallDomain),
		RecipientEmail: optional(req.CustomerEmail),
		RecipientPhone: optional(req.CustomerPhone),
		RecipientName:  optional(req.CustomerName),
		Body:           optional(req.Description),
	})
	if err != nil {
		return nil, err
	}
	if outcome != "" {
		return &Result{Outcome: outcome, ActionID: row.ID, DedupeKey: key}, nil
	}

	link, err := s.payments.CreateLink(ctx, PaymentLinkParams{
		UserID:        agent.UserID,
		Provider:      req.Provider,
		AmountCents:   req.AmountCents,
		Description:   req.Description,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		CallID:        req.CallID,
		CallDomain:    req.CallDomain,
	})
	if err != nil {
		return nil, s.failWithRefund(ctx, row, decimal.Zero, err)
	}
	result, err := s.complete(ctx, row, key, ProviderRefs{MessageID: link.ProviderID})
	if result != nil {
		result.PaymentURL = link.URL
	}
	return result, err
}

// LogRequest is the log-message action payload.
type LogRequest struct {
	Message    string
	CallID     string
	CallDomain string
	DedupeKey  string
}

// LogMessage records a free-form note from the agent. Free, no provider.
func (s *Service) LogMessage(ctx context.Context, agent *agents.Agent, req LogRequest) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("actions: message is required")
	}
	key := req.DedupeKey
	if key == "" {
		key = DeriveDedupeKey(KindLog, req.CallDomain, req.CallID, req.Message)
	}
	row, outcome, err := s.claim(ctx, &ActionSend{
		UserID:     agent.UserID,
		AgentID:    &agent.ID,
		Kind:       KindLog,
		DedupeKey:  key,
		CallID:     optional(req.CallID),
		CallDomain: optional(req.CallDomain),
		Body:       &req.Message,
	})
	if err != nil {
		return nil, err
	}
	if outcome != "" {
		return &Result{Outcome: outcome, ActionID: row.ID, DedupeKey: key}, nil
	}
	return s.complete(ctx, row, key, ProviderRefs{})
}

// claim establishes this invocation's ownership of the dedupe key. A
// non-empty outcome short-circuits the pipeline: the action was already
// completed, or another invocation is mid-flight.
func (s *Service) claim(ctx context.Context, a *ActionSend) (*ActionSend, Outcome, error) {
	inserted, err := s.repo.Insert(ctx, a)
	if err != nil {
		return nil, "", err
	}
	if inserted {
		return a, "", nil
	}

	existing, err := s.repo.GetByDedupeKey(ctx, a.DedupeKey)
	if err != nil {
		return nil, "", err
	}
	switch existing.Status {
	case StatusCompleted:
		return existing, OutcomeAlreadySent, nil
	case StatusPending:
		return existing, OutcomeInProgress, nil
	}
	// Failed: reopen for this retry. Losing the reopen race means another
	// invocation holds it now.
	reopened, err := s.repo.Reopen(ctx, existing.ID)
	if err != nil {
		return nil, "", err
	}
	if !reopened {
		return existing, OutcomeInProgress, nil
	}
	existing.Status = StatusPending
	existing.AttemptCount++
	return existing, "", nil
}

// charge debits the fee before the provider call. Insufficient funds fails
// the row and surfaces as 402.
func (s *Service) charge(ctx context.Context, row *ActionSend, amount decimal.Decimal, description string) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := s.repo.SetPrice(ctx, row.ID, amount); err != nil {
		return err
	}
	_, err := s.engine.Charge(ctx, billing.ChargeParams{
		Table:       "action_sends",
		RowID:       row.ID,
		UserID:      row.UserID,
		Amount:      amount,
		Description: description,
		Strict:      true,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientFunds) {
			if markErr := s.repo.MarkFailed(ctx, row.ID, "insufficient funds"); markErr != nil {
				s.logger.Error("mark failed", "action_id", row.ID, "error", markErr)
			}
			return ErrInsufficientFunds
		}
		return err
	}
	return nil
}

// failWithRefund reverses the charge best-effort and fails the row.
func (s *Service) failWithRefund(ctx context.Context, row *ActionSend, amount decimal.Decimal, provErr error) error {
	refunded := false
	if amount.IsPositive() {
		res, err := s.engine.Refund(ctx, billing.RefundParams{
			Table:       "action_sends",
			RowID:       row.ID,
			UserID:      row.UserID,
			Amount:      amount,
			Description: "Refund for failed " + row.Kind + " action",
		})
		if err != nil {
			s.logger.Error("refund after provider failure",
				"action_id", row.ID, "user_id", row.UserID, "error", err)
		} else {
			refunded = !res.Skipped
		}
	}
	if err := s.repo.MarkFailed(ctx, row.ID, provErr.Error()); err != nil {
		s.logger.Error("mark failed", "action_id", row.ID, "error", err)
	}
	return &ProviderFailure{Refunded: refunded, Err: provErr}
}

func (s *Service) complete(ctx context.Context, row *ActionSend, key string, refs ProviderRefs) (*Result, error) {
	if err := s.repo.MarkCompleted(ctx, row.ID, refs); err != nil {
		return nil, err
	}
	s.logger.Info("action completed",
		"action_id", row.ID, "kind", row.Kind, "user_id", row.UserID, "attempt", row.AttemptCount)
	return &Result{Outcome: OutcomeSent, ActionID: row.ID, DedupeKey: key, Refs: refs}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
