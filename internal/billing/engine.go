package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/ledger"
	"github.com/voxwire/voxwire/pkg/logging"
)

// ErrInsufficientFunds mirrors the ledger sentinel so callers only import billing.
var ErrInsufficientFunds = ledger.ErrInsufficientFunds

// billableTables is the allowlist of resource tables the engine may stamp.
// Every entry carries billed, billing_transaction_id and the refund columns.
var billableTables = map[string]struct{}{
	"call_logs":        {},
	"dialer_call_logs": {},
	"action_sends":     {},
}

// PgxPool is the pool surface the engine needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Engine provides the idempotent charge/refund discipline around the ledger.
// A resource row is at-most-once billable via its billing_transaction_id and
// at-most-once refundable via its refund_status claim.
type Engine struct {
	pool   PgxPool
	ledger *ledger.Ledger
	logger *logging.Logger
}

func NewEngine(pool PgxPool, l *ledger.Ledger, logger *logging.Logger) *Engine {
	if pool == nil {
		panic("billing: pgx pool required")
	}
	if l == nil {
		panic("billing: ledger required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{pool: pool, ledger: l, logger: logger}
}

// ChargeParams describes one charge attempt. Amount is positive.
type ChargeParams struct {
	Table         string
	RowID         uuid.UUID
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Description   string
	PaymentMethod string

	// Strict refuses the charge when it would overdraw. Pre-paid tool
	// actions and monthly fees are strict; call teardown charges are not,
	// since the service was already consumed.
	Strict bool
}

// ChargeResult reports what happened to a charge attempt.
type ChargeResult struct {
	TransactionID  uuid.UUID
	AlreadyCharged bool
	BalanceAfter   decimal.Decimal
}

// Charge debits the user and stamps the resource row in one transaction.
// Retrying after success returns AlreadyCharged without touching the balance.
func (e *Engine) Charge(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	if _, ok := billableTables[params.Table]; !ok {
		return nil, fmt.Errorf("billing: unknown billable table %q", params.Table)
	}
	if params.Amount.IsNegative() {
		return nil, errors.New("billing: charge amount must not be negative")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing *uuid.UUID
	lockSQL := fmt.Sprintf(
		`SELECT billing_transaction_id FROM %s WHERE id = $1 FOR UPDATE`, params.Table)
	if err := tx.QueryRow(ctx, lockSQL, params.RowID).Scan(&existing); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("billing: %s row %s not found", params.Table, params.RowID)
		}
		return nil, fmt.Errorf("billing: lock resource row: %w", err)
	}
	if existing != nil {
		return &ChargeResult{TransactionID: *existing, AlreadyCharged: true}, nil
	}

	entry, err := e.ledger.AdjustInTx(ctx, tx, ledger.AdjustParams{
		UserID:        params.UserID,
		Amount:        params.Amount.Neg(),
		Description:   params.Description,
		Kind:          ledger.KindDebit,
		PaymentMethod: params.PaymentMethod,
		ReferenceID:   params.RowID.String(),
		Strict:        params.Strict,
	})
	if err != nil {
		return nil, err
	}

	stampSQL := fmt.Sprintf(
		`UPDATE %s SET billed = TRUE, billing_transaction_id = $1 WHERE id = $2`, params.Table)
	if _, err := tx.Exec(ctx, stampSQL, entry.ID, params.RowID); err != nil {
		return nil, fmt.Errorf("billing: stamp resource row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("billing: commit charge: %w", err)
	}

	e.logger.Info("charged resource",
		"table", params.Table,
		"row_id", params.RowID,
		"user_id", params.UserID,
		"amount", params.Amount.String(),
		"transaction_id", entry.ID,
	)
	return &ChargeResult{TransactionID: entry.ID, BalanceAfter: entry.BalanceAfter}, nil
}

// RefundParams describes one refund attempt. Amount is positive.
type RefundParams struct {
	Table         string
	RowID         uuid.UUID
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Description   string
	PaymentMethod string
}

// RefundResult reports what happened to a refund attempt.
type RefundResult struct {
	TransactionID uuid.UUID
	Skipped       bool
}

// Refund credits the user back for a previously charged row. The conditional
// claim on refund_status guarantees at-most-once: only rows that were charged
// and not already refunded (or whose refund failed) match.
func (e *Engine) Refund(ctx context.Context, params RefundParams) (*RefundResult, error) {
	if _, ok := billableTables[params.Table]; !ok {
		return nil, fmt.Errorf("billing: unknown billable table %q", params.Table)
	}

	claimSQL := fmt.Sprintf(`
		UPDATE %s
		SET refund_status = 'pending', refund_amount = $2
		WHERE id = $1
			AND billing_transaction_id IS NOT NULL
			AND refund_status IN ('none', 'failed')
	`, params.Table)
	tag, err := e.pool.Exec(ctx, claimSQL, params.RowID, params.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("billing: claim refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &RefundResult{Skipped: true}, nil
	}

	entry, err := e.ledger.Adjust(ctx, ledger.AdjustParams{
		UserID:        params.UserID,
		Amount:        params.Amount,
		Description:   params.Description,
		Kind:          ledger.KindCredit,
		PaymentMethod: params.PaymentMethod,
		ReferenceID:   params.RowID.String(),
	})
	if err != nil {
		failSQL := fmt.Sprintf(
			`UPDATE %s SET refund_status = 'failed', refund_error = $2 WHERE id = $1`, params.Table)
		if _, markErr := e.pool.Exec(ctx, failSQL, params.RowID, err.Error()); markErr != nil {
			e.logger.Error("failed to mark refund failed",
				"table", params.Table, "row_id", params.RowID, "error", markErr)
		}
		return nil, fmt.Errorf("billing: refund ledger credit: %w", err)
	}

	doneSQL := fmt.Sprintf(`
		UPDATE %s
		SET refund_status = 'completed',
			refund_transaction_id = $2,
			billing_transaction_id = NULL,
			refund_error = NULL
		WHERE id = $1
	`, params.Table)
	if _, err := e.pool.Exec(ctx, doneSQL, params.RowID, entry.ID); err != nil {
		return nil, fmt.Errorf("billing: finalize refund: %w", err)
	}

	e.logger.Info("refunded resource",
		"table", params.Table,
		"row_id", params.RowID,
		"user_id", params.UserID,
		"amount", params.Amount.String(),
		"transaction_id", entry.ID,
	)
	return &RefundResult{TransactionID: entry.ID}, nil
}
