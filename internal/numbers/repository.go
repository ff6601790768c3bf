package numbers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the number does not exist.
var ErrNotFound = errors.New("numbers: not found")

// ExternalNumber is a purchased AI phone number. cancel_pending and its
// companion columns drive the grace-period non-payment state machine.
type ExternalNumber struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	ProviderNumberID     string
	PhoneNumber          string
	AssignedAgentID      *uuid.UUID
	DialInConfigID       *string
	CancelPending        bool
	CancelPendingSince   *time.Time
	CancelAfter          *time.Time
	CancelBilledTo       *time.Time
	NoticeInitialSentAt  *time.Time
	NoticeReminderSentAt *time.Time
	CreatedAt            time.Time
}

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists numbers and their monthly billing cycle claims.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("numbers: pgx pool required")
	}
	return &Repository{pool: pool}
}

const numberColumns = `id, user_id, provider_number_id, phone_number,
	assigned_agent_id, dial_in_config_id,
	cancel_pending, cancel_pending_since, cancel_after, cancel_billed_to,
	notice_initial_sent_at, notice_reminder_sent_at, created_at`

func scanNumber(row pgx.Row) (*ExternalNumber, error) {
	var n ExternalNumber
	if err := row.Scan(&n.ID, &n.UserID, &n.ProviderNumberID, &n.PhoneNumber,
		&n.AssignedAgentID, &n.DialInConfigID,
		&n.CancelPending, &n.CancelPendingSince, &n.CancelAfter, &n.CancelBilledTo,
		&n.NoticeInitialSentAt, &n.NoticeReminderSentAt, &n.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("numbers: scan: %w", err)
	}
	return &n, nil
}

// Create inserts a purchased number.
func (r *Repository) Create(ctx context.Context, n *ExternalNumber) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO external_numbers (id, user_id, provider_number_id, phone_number)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, n.ID, n.UserID, n.ProviderNumberID, n.PhoneNumber).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("numbers: insert: %w", err)
	}
	return nil
}

// GetByID fetches one number.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*ExternalNumber, error) {
	return scanNumber(r.pool.QueryRow(ctx,
		`SELECT `+numberColumns+` FROM external_numbers WHERE id = $1`, id))
}

// GetByPhoneNumber resolves the number a caller dialed.
func (r *Repository) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*ExternalNumber, error) {
	return scanNumber(r.pool.QueryRow(ctx,
		`SELECT `+numberColumns+` FROM external_numbers WHERE phone_number = $1`, phoneNumber))
}

// GetByAgentID finds the number assigned to an agent, if any.
func (r *Repository) GetByAgentID(ctx context.Context, agentID uuid.UUID) (*ExternalNumber, error) {
	return scanNumber(r.pool.QueryRow(ctx,
		`SELECT `+numberColumns+` FROM external_numbers WHERE assigned_agent_id = $1`, agentID))
}

// ListByUser returns every number a user owns.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]ExternalNumber, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+numberColumns+` FROM external_numbers WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("numbers: list: %w", err)
	}
	defer rows.Close()
	return collectNumbers(rows)
}

// ListCancelPending returns all numbers currently in the grace window, across
// users; the scheduler walks them every tick.
func (r *Repository) ListCancelPending(ctx context.Context, userID uuid.UUID) ([]ExternalNumber, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+numberColumns+`
		FROM external_numbers
		WHERE user_id = $1 AND cancel_pending
		ORDER BY cancel_after
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("numbers: list cancel pending: %w", err)
	}
	defer rows.Close()
	return collectNumbers(rows)
}

func collectNumbers(rows pgx.Rows) ([]ExternalNumber, error) {
	var out []ExternalNumber
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// SetAssignment points the number at an agent plus its dial-in config, or
// clears both when agentID is nil.
func (r *Repository) SetAssignment(ctx context.Context, numberID uuid.UUID, agentID *uuid.UUID, dialInConfigID *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE external_numbers
		SET assigned_agent_id = $2, dial_in_config_id = $3
		WHERE id = $1
	`, numberID, agentID, dialInConfigID)
	if err != nil {
		return fmt.Errorf("numbers: set assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDialInConfig updates just the dial-in config id (routing sync).
func (r *Repository) SetDialInConfig(ctx context.Context, numberID uuid.UUID, dialInConfigID *string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE external_numbers SET dial_in_config_id = $2 WHERE id = $1`,
		numberID, dialInConfigID)
	if err != nil {
		return fmt.Errorf("numbers: set dial-in config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LastBilledTo returns the right edge of the most recent paid period, or nil
// when the number has never been billed.
func (r *Repository) LastBilledTo(ctx context.Context, numberID uuid.UUID) (*time.Time, error) {
	var billedTo *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT max(billed_to) FROM number_billing_cycles WHERE number_id = $1`,
		numberID).Scan(&billedTo)
	if err != nil {
		return nil, fmt.Errorf("numbers: last billed_to: %w", err)
	}
	return billedTo, nil
}

// ClaimBillingCycle inserts the (user, number, billed_to) row. A false return
// means another worker already billed this period.
func (r *Repository) ClaimBillingCycle(ctx context.Context, userID, numberID uuid.UUID, billedTo time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO number_billing_cycles (user_id, number_id, billed_to)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, number_id, billed_to) DO NOTHING
	`, userID, numberID, billedTo.Format("2006-01-02"))
	if err != nil {
		return false, fmt.Errorf("numbers: claim billing cycle: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseBillingCycle deletes a claimed cycle row after a failed charge so the
// period can be retried.
func (r *Repository) ReleaseBillingCycle(ctx context.Context, userID, numberID uuid.UUID, billedTo time.Time) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM number_billing_cycles
		WHERE user_id = $1 AND number_id = $2 AND billed_to = $3
	`, userID, numberID, billedTo.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("numbers: release billing cycle: %w", err)
	}
	return nil
}

// MarkCancelPending starts the grace window.
func (r *Repository) MarkCancelPending(ctx context.Context, numberID uuid.UUID, since, after, billedTo time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE external_numbers
		SET cancel_pending = TRUE,
			cancel_pending_since = $2,
			cancel_after = $3,
			cancel_billed_to = $4
		WHERE id = $1 AND NOT cancel_pending
	`, numberID, since, after, billedTo.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("numbers: mark cancel pending: %w", err)
	}
	return nil
}

// ClearCancelPending returns the number to active after a recovered charge.
func (r *Repository) ClearCancelPending(ctx context.Context, numberID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE external_numbers
		SET cancel_pending = FALSE,
			cancel_pending_since = NULL,
			cancel_after = NULL,
			cancel_billed_to = NULL,
			notice_initial_sent_at = NULL,
			notice_reminder_sent_at = NULL
		WHERE id = $1
	`, numberID)
	if err != nil {
		return fmt.Errorf("numbers: clear cancel pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNoticeSent stamps one of the two notice timestamps exactly once.
func (r *Repository) MarkNoticeSent(ctx context.Context, numberID uuid.UUID, reminder bool) (bool, error) {
	column := "notice_initial_sent_at"
	if reminder {
		column = "notice_reminder_sent_at"
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE external_numbers SET %s = now()
		WHERE id = $1 AND %s IS NULL
	`, column, column), numberID)
	if err != nil {
		return false, fmt.Errorf("numbers: mark notice sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes the local row after a provider release.
func (r *Repository) Delete(ctx context.Context, numberID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM external_numbers WHERE id = $1`, numberID)
	if err != nil {
		return fmt.Errorf("numbers: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
