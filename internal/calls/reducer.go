package calls

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/pkg/logging"
)

// Event is one provider webhook event, already envelope-parsed.
type Event struct {
	// Type is e.g. "dialin.connected"; only the suffix matters here.
	Type       string
	CallID     string
	CallDomain string
	To         string
	From       string
	Timestamp  time.Time

	// Transcript events carry one conversation turn.
	MessageID string
	Role      string
	Content   string
}

// Suffix returns the part after the first dot.
func (e Event) Suffix() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[i+1:]
	}
	return e.Type
}

type charger interface {
	Charge(ctx context.Context, params billing.ChargeParams) (*billing.ChargeResult, error)
}

// Reducer drives inbound call rows through their lifecycle from provider
// webhook events, charges terminal calls and mirrors them into the CDR store.
type Reducer struct {
	repo   *Repository
	engine charger
	rates  billing.RateTable
	logger *logging.Logger
}

func NewReducer(repo *Repository, engine charger, rates billing.RateTable, logger *logging.Logger) *Reducer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reducer{repo: repo, engine: engine, rates: rates, logger: logger}
}

// Apply matches the event to a call row and applies its transition. Unmatched
// events are logged and dropped; the provider retries webhook delivery and a
// later event usually carries better identifiers.
func (r *Reducer) Apply(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	log, matchedByEventIDs, err := r.locate(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("no call row for event",
				"type", ev.Type, "call_id", ev.CallID, "call_domain", ev.CallDomain)
			return nil
		}
		return err
	}
	if !matchedByEventIDs && ev.CallID != "" {
		if err := r.repo.SetEventIDs(ctx, log.ID, ev.CallDomain, ev.CallID); err != nil {
			return err
		}
	}

	switch ev.Suffix() {
	case "connected", "answered":
		return r.repo.MarkConnected(ctx, log.ID, ev.Timestamp)
	case "warning":
		return r.repo.MarkWarning(ctx, log.ID)
	case "transcript":
		return r.recordTranscript(ctx, log, ev)
	case "stopped":
		return r.finalize(ctx, log, ev.Timestamp, false)
	case "error":
		return r.finalize(ctx, log, ev.Timestamp, true)
	default:
		r.logger.Warn("unhandled event type", "type", ev.Type)
		return nil
	}
}

// maxTranscriptChars mirrors the call_messages content length check.
const maxTranscriptChars = 8000

// recordTranscript stores one conversation turn under the call's own
// identifiers so later calls from the same number can replay it as memory.
func (r *Reducer) recordTranscript(ctx context.Context, log *CallLog, ev Event) error {
	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return nil
	}
	if runes := []rune(content); len(runes) > maxTranscriptChars {
		content = string(runes[:maxTranscriptChars])
	}
	role := "assistant"
	if ev.Role == "user" {
		role = "user"
	}
	messageID := ev.MessageID
	if messageID == "" {
		// Not every provider numbers transcript turns; a digest keeps
		// redelivered batches from duplicating rows.
		sum := sha256.Sum256([]byte(role + "\x00" + content + "\x00" +
			ev.Timestamp.UTC().Format(time.RFC3339Nano)))
		messageID = hex.EncodeToString(sum[:16])
	}
	return r.repo.AddMessage(ctx, &CallMessage{
		CallDomain: log.CallDomain,
		CallID:     log.CallID,
		MessageID:  messageID,
		UserID:     log.UserID,
		AgentID:    log.AgentID,
		Role:       role,
		Content:    content,
	})
}

// locate tries the four correlation strategies in order.
func (r *Reducer) locate(ctx context.Context, ev Event) (*CallLog, bool, error) {
	if ev.CallID != "" {
		if log, err := r.repo.FindByEventIDs(ctx, ev.CallDomain, ev.CallID); err == nil {
			return log, true, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		if log, err := r.repo.FindByLegacyIDs(ctx, ev.CallDomain, ev.CallID); err == nil {
			return log, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	toDigits, fromDigits := billing.DigitsOnly(ev.To), billing.DigitsOnly(ev.From)
	if toDigits != "" && fromDigits != "" {
		if log, err := r.repo.FindByNumbers(ctx, toDigits, fromDigits, ev.Timestamp); err == nil {
			return log, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	log, err := r.repo.FindNearestUnfinished(ctx, ev.Timestamp)
	if err != nil {
		return nil, false, err
	}
	return log, false, nil
}

// finalize ends the call, charges it when there was talk time, and writes
// the CDR mirror.
func (r *Reducer) finalize(ctx context.Context, log *CallLog, end time.Time, asError bool) error {
	if log.TimeEnd != nil {
		// Already finalized; duplicate terminal events are dropped.
		return nil
	}
	connect := log.TimeStart
	connected := log.TimeConnect != nil
	if connected {
		connect = *log.TimeConnect
	}
	duration := int64(end.Sub(connect) / time.Second)
	if duration < 0 {
		duration = 0
	}
	billsec := duration

	status := StatusCompleted
	switch {
	case asError:
		status = StatusError
	case !connected:
		status = StatusMissed
		billsec = 0
	}
	if err := r.repo.Finalize(ctx, log.ID, end, duration, billsec, status); err != nil {
		return err
	}
	log.TimeEnd = &end
	log.Billsec = &billsec
	log.Status = status

	var priced *billing.CallPrice
	if billsec > 0 && connected {
		price := r.rates.InboundCallPrice(log.ToNumber, billsec)
		priced = &price
		if err := r.repo.SetPrice(ctx, log.ID, price.Price); err != nil {
			return err
		}
		// The service was already consumed, so the charge is not strict.
		if _, err := r.engine.Charge(ctx, billing.ChargeParams{
			Table:  "call_logs",
			RowID:  log.ID,
			UserID: log.UserID,
			Amount: price.Price,
			Description: fmt.Sprintf("Inbound AI call %s (%ds)",
				log.ToNumber, billsec),
			PaymentMethod: "balance",
		}); err != nil {
			return err
		}
	}

	cdr := &CDR{
		UserID:      log.UserID,
		Source:      "call_logs",
		SourceRowID: log.ID,
		Direction:   log.Direction,
		FromNumber:  log.FromNumber,
		ToNumber:    log.ToNumber,
		TimeStart:   &log.TimeStart,
		TimeEnd:     &end,
		Billsec:     &billsec,
		Status:      status,
	}
	if priced != nil {
		cdr.Price = &priced.Price
	}
	if err := r.repo.InsertCDR(ctx, cdr); err != nil {
		return err
	}

	r.logger.Info("call finalized",
		"call_id", log.CallID,
		"status", status,
		"billsec", billsec,
	)
	return nil
}
