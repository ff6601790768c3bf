// Package scheduler runs the periodic billing pass: number lifecycle
// maintenance, monthly fees, unbilled-call backfill, routing sync, and the
// stale tool-action sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/calls"
	"github.com/voxwire/voxwire/pkg/logging"
)

type userLister interface {
	ListActiveIDs(ctx context.Context) ([]uuid.UUID, error)
}

type numberMaintainer interface {
	ProcessCancelPending(ctx context.Context, userID uuid.UUID) error
	ChargeMonthlyFees(ctx context.Context, userID uuid.UUID) error
	SyncRouting(ctx context.Context, userID uuid.UUID) error
}

type charger interface {
	Charge(ctx context.Context, params billing.ChargeParams) (*billing.ChargeResult, error)
}

type actionSweeper interface {
	SweepStalePending(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Config tunes the billing pass.
type Config struct {
	Interval            time.Duration
	ActionPendingMaxAge time.Duration
	UnbilledCallLimit   int
	Rates               billing.RateTable
}

// Scheduler owns the single billing ticker. Everything it touches is
// idempotent (claims, conditional updates, billing_transaction_id stamps),
// so a missed or doubled tick never double-charges.
type Scheduler struct {
	users   userLister
	numbers numberMaintainer
	calls   *calls.Repository
	engine  charger
	actions actionSweeper
	cfg     Config
	logger  *logging.Logger
}

func New(users userLister, numbers numberMaintainer, callsRepo *calls.Repository,
	engine charger, actions actionSweeper, cfg Config, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		users:   users,
		numbers: numbers,
		calls:   callsRepo,
		engine:  engine,
		actions: actions,
		cfg:     cfg,
		logger:  logger.Component("scheduler"),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("billing tick failed", "error", err)
			}
		}
	}
}

// Tick runs one full pass. Per-user failures are logged and the pass moves
// on; one broken account must not stall everyone else's billing.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.actions != nil {
		maxAge := s.cfg.ActionPendingMaxAge
		if maxAge <= 0 {
			maxAge = 30 * time.Minute
		}
		if n, err := s.actions.SweepStalePending(ctx, maxAge); err != nil {
			s.logger.Error("stale action sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("swept stale pending actions", "count", n)
		}
	}

	userIDs, err := s.users.ListActiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list users: %w", err)
	}
	for _, userID := range userIDs {
		s.tickUser(ctx, userID)
	}
	return nil
}

// tickUser runs the per-user sequence in lifecycle order: grace-period
// cancellations first, then monthly fees, then call backfill, then routing
// sync so number state reflects the post-billing balance.
func (s *Scheduler) tickUser(ctx context.Context, userID uuid.UUID) {
	if err := s.numbers.ProcessCancelPending(ctx, userID); err != nil {
		s.logger.Error("cancel-pending pass failed", "user_id", userID, "error", err)
	}
	if err := s.numbers.ChargeMonthlyFees(ctx, userID); err != nil {
		s.logger.Error("monthly fee pass failed", "user_id", userID, "error", err)
	}
	if err := s.chargeUnbilledCalls(ctx, userID); err != nil {
		s.logger.Error("unbilled call pass failed", "user_id", userID, "error", err)
	}
	if err := s.numbers.SyncRouting(ctx, userID); err != nil {
		s.logger.Error("routing sync failed", "user_id", userID, "error", err)
	}
}

// chargeUnbilledCalls picks up completed calls whose teardown charge never
// landed (crash between finalize and charge, transient ledger error).
func (s *Scheduler) chargeUnbilledCalls(ctx context.Context, userID uuid.UUID) error {
	limit := s.cfg.UnbilledCallLimit
	if limit <= 0 {
		limit = 100
	}
	unbilled, err := s.calls.ListUnbilledCompleted(ctx, userID, limit)
	if err != nil {
		return err
	}
	for i := range unbilled {
		c := &unbilled[i]
		var billsec int64
		if c.Billsec != nil {
			billsec = *c.Billsec
		}
		if billsec <= 0 {
			continue
		}
		price := s.cfg.Rates.InboundCallPrice(c.ToNumber, billsec)
		if err := s.calls.SetPrice(ctx, c.ID, price.Price); err != nil {
			s.logger.Error("set call price failed", "call_id", c.ID, "error", err)
			continue
		}
		if _, err := s.engine.Charge(ctx, billing.ChargeParams{
			Table:  "call_logs",
			RowID:  c.ID,
			UserID: c.UserID,
			Amount: price.Price,
			Description: fmt.Sprintf("Inbound AI call %s (%ds, backfill)",
				c.ToNumber, billsec),
			PaymentMethod: "balance",
		}); err != nil {
			s.logger.Error("backfill charge failed", "call_id", c.ID, "error", err)
		}
	}
	return nil
}
