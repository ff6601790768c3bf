package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/calls"
	"github.com/voxwire/voxwire/pkg/logging"
)

type charger interface {
	Charge(ctx context.Context, params billing.ChargeParams) (*billing.ChargeResult, error)
}

// Reducer drives dial-out call logs and their leads from dialout.* webhook
// events, charges terminal calls at the outbound rate, and mirrors them into
// the shared CDR store.
type Reducer struct {
	repo   *Repository
	cdrs   *calls.Repository
	engine charger
	rate   billing.OutboundRate
	logger *logging.Logger
}

func NewReducer(repo *Repository, cdrs *calls.Repository, engine charger,
	rate billing.OutboundRate, logger *logging.Logger) *Reducer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reducer{repo: repo, cdrs: cdrs, engine: engine, rate: rate, logger: logger}
}

// Apply matches a dialout event to its call log and applies the transition.
func (r *Reducer) Apply(ctx context.Context, ev calls.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	log, err := r.repo.FindCallLog(ctx, ev.CallDomain, ev.CallID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("no dial-out row for event",
				"type", ev.Type, "call_id", ev.CallID, "call_domain", ev.CallDomain)
			return nil
		}
		return err
	}

	switch ev.Suffix() {
	case "started":
		return nil
	case "connected", "answered":
		if log.LeadID != nil {
			if err := r.repo.SetLeadStatus(ctx, *log.LeadID, LeadAnswered); err != nil {
				return err
			}
		}
		return r.repo.MarkCallConnected(ctx, log.ID, ev.Timestamp)
	case "warning":
		return nil
	case "voicemail":
		// An answering machine picked up. The outcome is stamped now; the
		// stopped event that follows finalizes with it.
		return r.markOutcome(ctx, log, "voicemail", LeadVoicemail)
	case "transferred":
		return r.markOutcome(ctx, log, "transferred", LeadTransferred)
	case "stopped":
		return r.finalize(ctx, log, ev.Timestamp, false)
	case "error":
		return r.finalize(ctx, log, ev.Timestamp, true)
	default:
		r.logger.Warn("unhandled dialout event type", "type", ev.Type)
		return nil
	}
}

func (r *Reducer) markOutcome(ctx context.Context, log *CallLog, result, leadStatus string) error {
	if err := r.repo.SetCallResult(ctx, log.ID, result); err != nil {
		return err
	}
	if log.LeadID != nil {
		return r.repo.SetLeadStatus(ctx, *log.LeadID, leadStatus)
	}
	return nil
}

func (r *Reducer) finalize(ctx context.Context, log *CallLog, end time.Time, asError bool) error {
	if log.TimeEnd != nil {
		return nil
	}
	connected := log.TimeConnect != nil
	connect := log.TimeStart
	if connected {
		connect = *log.TimeConnect
	}
	duration := int64(end.Sub(connect) / time.Second)
	if duration < 0 {
		duration = 0
	}
	billsec := duration
	if !connected {
		billsec = 0
	}

	status, result := "completed", "answered"
	leadStatus := LeadCompleted
	switch {
	case asError:
		status, result = "error", "error"
		leadStatus = LeadFailed
	case !connected:
		result = "no_answer"
		leadStatus = LeadFailed
	case log.Result != nil && *log.Result == "voicemail":
		// Keep the outcome stamped by the voicemail event.
		result = "voicemail"
		leadStatus = LeadVoicemail
	case log.Result != nil && *log.Result == "transferred":
		result = "transferred"
		leadStatus = LeadTransferred
	}

	price := r.rate.Price(billsec)
	if err := r.repo.FinalizeCallLog(ctx, log.ID, end, duration, price.Price, status, result); err != nil {
		return err
	}
	if log.LeadID != nil {
		if err := r.repo.SetLeadStatus(ctx, *log.LeadID, leadStatus); err != nil {
			return err
		}
	}

	if billsec > 0 && connected {
		if _, err := r.engine.Charge(ctx, billing.ChargeParams{
			Table:  "dialer_call_logs",
			RowID:  log.ID,
			UserID: log.UserID,
			Amount: price.Price,
			Description: fmt.Sprintf("Outbound dialer call %s (%ds)",
				deref(log.CallID), billsec),
			PaymentMethod: "balance",
		}); err != nil {
			return err
		}
	}

	cdr := &calls.CDR{
		UserID:      log.UserID,
		Source:      "dialer_call_logs",
		SourceRowID: log.ID,
		Direction:   "outbound",
		TimeStart:   &log.TimeStart,
		TimeEnd:     &end,
		Billsec:     &billsec,
		Status:      status,
	}
	if billsec > 0 {
		cdr.Price = &price.Price
	}
	if err := r.cdrs.InsertCDR(ctx, cdr); err != nil {
		return err
	}

	r.logger.Info("dial-out finalized",
		"call_id", deref(log.CallID), "status", status, "billsec", billsec)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
