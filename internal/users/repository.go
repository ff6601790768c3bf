package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// ErrNotFound indicates the user does not exist.
var ErrNotFound = errors.New("users: not found")

// User is the account owning every other row in the system.
type User struct {
	ID                    uuid.UUID
	Username              string
	Email                 string
	Balance               decimal.Decimal
	IsActive              bool
	IsAdmin               bool
	Suspended             bool
	ContactName           string
	DefaultTransferNumber string
	CreatedAt             time.Time
}

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads and writes user rows. Balance mutation goes through the
// ledger, never through this repository.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("users: pgx pool required")
	}
	return &Repository{pool: pool}
}

const userColumns = `id, username, email, balance::text, is_active, is_admin, suspended,
	contact_name, default_transfer_number, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var balance string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &balance, &u.IsActive, &u.IsAdmin,
		&u.Suspended, &u.ContactName, &u.DefaultTransferNumber, &u.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: scan: %w", err)
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("users: parse balance: %w", err)
	}
	return &u, nil
}

// GetByID fetches one user.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// Balance reads just the balance.
func (r *Repository) Balance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var balance string
	if err := r.pool.QueryRow(ctx,
		`SELECT balance::text FROM users WHERE id = $1`, id).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("users: read balance: %w", err)
	}
	value, err := decimal.NewFromString(balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("users: parse balance: %w", err)
	}
	return value, nil
}

// ListActiveIDs returns the ids of all active, non-suspended users; the
// scheduler iterates these each tick.
func (r *Repository) ListActiveIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM users WHERE is_active AND NOT suspended ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("users: list active: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("users: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetSuspended toggles account suspension.
func (r *Repository) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET suspended = $2 WHERE id = $1`, id, suspended)
	if err != nil {
		return fmt.Errorf("users: set suspended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
