package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/pkg/logging"
)

// ErrInsufficientFunds is returned by strict debits that would overdraw.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Querier is the subset of pgx used inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the ledger needs; pgxmock satisfies it in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the single source of truth for money. Every balance change goes
// through Adjust, which locks the user row and appends a transaction.
type Ledger struct {
	pool   PgxPool
	logger *logging.Logger
}

func New(pool PgxPool, logger *logging.Logger) *Ledger {
	if pool == nil {
		panic("ledger: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{pool: pool, logger: logger}
}

// Adjust applies a signed balance change in its own transaction.
func (l *Ledger) Adjust(ctx context.Context, params AdjustParams) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := l.AdjustInTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return entry, nil
}

// AdjustInTx applies a signed balance change inside the caller's transaction.
// The charge engine uses this so the resource stamp and the ledger write
// commit or roll back together.
func (l *Ledger) AdjustInTx(ctx context.Context, q Querier, params AdjustParams) (*Entry, error) {
	if params.Kind != KindCredit && params.Kind != KindDebit && params.Kind != KindAdjustment {
		return nil, fmt.Errorf("ledger: invalid kind %q", params.Kind)
	}

	var balanceStr string
	if err := q.QueryRow(ctx,
		`SELECT balance::text FROM users WHERE id = $1 FOR UPDATE`,
		params.UserID,
	).Scan(&balanceStr); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("ledger: user %s not found", params.UserID)
		}
		return nil, fmt.Errorf("ledger: lock user row: %w", err)
	}
	balanceBefore, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse balance: %w", err)
	}

	balanceAfter := balanceBefore.Add(params.Amount)
	if params.Strict && params.Amount.IsNegative() && balanceAfter.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	if _, err := q.Exec(ctx,
		`UPDATE users SET balance = $1 WHERE id = $2`,
		balanceAfter.String(), params.UserID,
	); err != nil {
		return nil, fmt.Errorf("ledger: update balance: %w", err)
	}

	entry := &Entry{
		UserID:        params.UserID,
		Amount:        params.Amount,
		Description:   params.Description,
		Kind:          params.Kind,
		PaymentMethod: params.PaymentMethod,
		ReferenceID:   params.ReferenceID,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Status:        StatusCompleted,
	}
	if err := q.QueryRow(ctx, `
		INSERT INTO transactions (
			user_id, amount, description, kind, payment_method, reference_id,
			balance_before, balance_after, status
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at
	`,
		params.UserID, params.Amount.String(), params.Description, params.Kind,
		params.PaymentMethod, params.ReferenceID,
		balanceBefore.String(), balanceAfter.String(), StatusCompleted,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return nil, fmt.Errorf("ledger: insert transaction: %w", err)
	}

	l.logger.Info("ledger adjustment",
		"user_id", params.UserID,
		"amount", params.Amount.String(),
		"kind", params.Kind,
		"balance_after", balanceAfter.String(),
		"transaction_id", entry.ID,
	)
	return entry, nil
}

// Balance reads the current balance without locking.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balanceStr string
	if err := l.pool.QueryRow(ctx,
		`SELECT balance::text FROM users WHERE id = $1`, userID,
	).Scan(&balanceStr); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: read balance: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns the most recent entries for a user.
func (l *Ledger) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, user_id, amount::text, description, kind, payment_method,
			reference_id, balance_before::text, balance_after::text, status, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.Description, &e.Kind,
			&e.PaymentMethod, &e.ReferenceID, &before, &after, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger: parse amount: %w", err)
		}
		if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, fmt.Errorf("ledger: parse balance_before: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("ledger: parse balance_after: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
