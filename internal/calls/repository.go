package calls

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

// ErrNotFound indicates no call log matched.
var ErrNotFound = errors.New("calls: not found")

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists call logs, transcript turns and the CDR mirror.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("calls: pgx pool required")
	}
	return &Repository{pool: pool}
}

const callColumns = `id, call_id, call_domain, event_call_id, event_call_domain,
	user_id, agent_id, external_number_id, direction, from_number, to_number,
	time_start, time_connect, time_end, duration_sec, billsec, price::text,
	billed, status, created_at`

func scanCall(row pgx.Row) (*CallLog, error) {
	var c CallLog
	var price *string
	if err := row.Scan(&c.ID, &c.CallID, &c.CallDomain, &c.EventCallID, &c.EventCallDomain,
		&c.UserID, &c.AgentID, &c.ExternalNumberID, &c.Direction, &c.FromNumber, &c.ToNumber,
		&c.TimeStart, &c.TimeConnect, &c.TimeEnd, &c.DurationSec, &c.Billsec, &price,
		&c.Billed, &c.Status, &c.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("calls: scan: %w", err)
	}
	if price != nil {
		parsed, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("calls: parse price: %w", err)
		}
		c.Price = &parsed
	}
	return &c, nil
}

// Upsert inserts the call log or refreshes the caller/callee fields of an
// existing (call_domain, call_id) row, returning the row id either way.
func (r *Repository) Upsert(ctx context.Context, c *CallLog) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Direction == "" {
		c.Direction = "inbound"
	}
	if c.Status == "" {
		c.Status = StatusCreated
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO call_logs (
			id, call_id, call_domain, user_id, agent_id, external_number_id,
			direction, from_number, to_number, time_start, status
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (call_domain, call_id) DO UPDATE
		SET from_number = EXCLUDED.from_number,
			to_number = EXCLUDED.to_number,
			agent_id = EXCLUDED.agent_id,
			external_number_id = EXCLUDED.external_number_id
		RETURNING id, created_at
	`, c.ID, c.CallID, c.CallDomain, c.UserID, c.AgentID, c.ExternalNumberID,
		c.Direction, c.FromNumber, c.ToNumber, c.TimeStart, c.Status,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("calls: upsert: %w", err)
	}
	return nil
}

// SetStatus moves a call to a new status.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE call_logs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("calls: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByEventIDs is the primary correlation strategy.
func (r *Repository) FindByEventIDs(ctx context.Context, eventCallDomain, eventCallID string) (*CallLog, error) {
	return scanCall(r.pool.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE event_call_domain = $1 AND event_call_id = $2
	`, eventCallDomain, eventCallID))
}

// FindByLegacyIDs matches the event ids against the original dial-in pair.
func (r *Repository) FindByLegacyIDs(ctx context.Context, callDomain, callID string) (*CallLog, error) {
	return scanCall(r.pool.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE call_domain = $1 AND call_id = $2
	`, callDomain, callID))
}

// FindByNumbers matches on digits-only to/from within a 12-hour window,
// newest first.
func (r *Repository) FindByNumbers(ctx context.Context, toDigits, fromDigits string, asOf time.Time) (*CallLog, error) {
	return scanCall(r.pool.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE regexp_replace(to_number, '\D', '', 'g') = $1
			AND regexp_replace(from_number, '\D', '', 'g') = $2
			AND time_start > $3 - INTERVAL '12 hours'
			AND time_end IS NULL
		ORDER BY time_start DESC
		LIMIT 1
	`, toDigits, fromDigits, asOf))
}

// FindNearestUnfinished is the last-resort strategy: the unfinished row whose
// start is closest to the event timestamp, within ±30 minutes.
func (r *Repository) FindNearestUnfinished(ctx context.Context, asOf time.Time) (*CallLog, error) {
	return scanCall(r.pool.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE time_end IS NULL
			AND time_start BETWEEN $1 - INTERVAL '30 minutes' AND $1 + INTERVAL '30 minutes'
		ORDER BY abs(extract(epoch FROM time_start - $1))
		LIMIT 1
	`, asOf))
}

// SetEventIDs persists the provider event identifiers after a fallback match.
func (r *Repository) SetEventIDs(ctx context.Context, id uuid.UUID, eventCallDomain, eventCallID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE call_logs SET event_call_domain = $2, event_call_id = $3 WHERE id = $1
	`, id, eventCallDomain, eventCallID)
	if err != nil {
		return fmt.Errorf("calls: set event ids: %w", err)
	}
	return nil
}

// MarkConnected stamps the connect time once and moves the call to connected.
func (r *Repository) MarkConnected(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE call_logs
		SET time_connect = COALESCE(time_connect, $2), status = $3
		WHERE id = $1
	`, id, at, StatusConnected)
	if err != nil {
		return fmt.Errorf("calls: mark connected: %w", err)
	}
	return nil
}

// MarkWarning sets warning only while the call has no later status.
func (r *Repository) MarkWarning(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE call_logs SET status = $2
		WHERE id = $1 AND status IN ($3, $4, $5)
	`, id, StatusWarning, StatusCreated, StatusPipecatStarted, StatusConnected)
	if err != nil {
		return fmt.Errorf("calls: mark warning: %w", err)
	}
	return nil
}

// Finalize writes the terminal fields in one statement.
func (r *Repository) Finalize(ctx context.Context, id uuid.UUID, end time.Time,
	durationSec, billsec int64, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE call_logs
		SET time_end = $2, duration_sec = $3, billsec = $4, status = $5
		WHERE id = $1
	`, id, end, durationSec, billsec, status)
	if err != nil {
		return fmt.Errorf("calls: finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrice records the rated price before charging.
func (r *Repository) SetPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE call_logs SET price = $2 WHERE id = $1`, id, price.String())
	if err != nil {
		return fmt.Errorf("calls: set price: %w", err)
	}
	return nil
}

// ListUnbilledCompleted returns completed, never-billed calls with talk time;
// the scheduler backfills charges for these.
func (r *Repository) ListUnbilledCompleted(ctx context.Context, userID uuid.UUID, limit int) ([]CallLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE user_id = $1 AND billed = FALSE AND status = $2 AND billsec > 0
		ORDER BY time_start
		LIMIT $3
	`, userID, StatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: list unbilled: %w", err)
	}
	defer rows.Close()
	var out []CallLog
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListByUser returns a user's call history, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE user_id = $1
		ORDER BY time_start DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: list by user: %w", err)
	}
	defer rows.Close()
	var out []CallLog
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AddMessage stores one transcript turn; duplicates by message_id are absorbed.
func (r *Repository) AddMessage(ctx context.Context, m *CallMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO call_messages (id, call_domain, call_id, message_id, user_id, agent_id, role, content)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (call_domain, call_id, message_id) DO NOTHING
	`, m.ID, m.CallDomain, m.CallID, m.MessageID, m.UserID, m.AgentID, m.Role, m.Content)
	if err != nil {
		return fmt.Errorf("calls: add message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent turns of one call, newest first.
func (r *Repository) ListMessages(ctx context.Context, callDomain, callID string, limit int) ([]CallMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, call_domain, call_id, message_id, user_id, agent_id, role, content, created_at
		FROM call_messages
		WHERE call_domain = $1 AND call_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, callDomain, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: list messages: %w", err)
	}
	defer rows.Close()
	var out []CallMessage
	for rows.Next() {
		var m CallMessage
		if err := rows.Scan(&m.ID, &m.CallDomain, &m.CallID, &m.MessageID,
			&m.UserID, &m.AgentID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("calls: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HasMessages reports whether a call produced any transcript turns.
func (r *Repository) HasMessages(ctx context.Context, callDomain, callID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM call_messages WHERE call_domain = $1 AND call_id = $2
		)
	`, callDomain, callID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("calls: has messages: %w", err)
	}
	return exists, nil
}

// ListRecentByCaller returns prior inbound calls from a caller, matched on
// exact digits or on the last 10, excluding blocked rows and one call id.
func (r *Repository) ListRecentByCaller(ctx context.Context, userID uuid.UUID, agentID *uuid.UUID,
	fromDigits string, excludeCallDomain, excludeCallID string, maxDays, limit int) ([]CallLog, error) {
	last10 := fromDigits
	if len(last10) > 10 {
		last10 = last10[len(last10)-10:]
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE user_id = $1
			AND ($2::uuid IS NULL OR agent_id = $2)
			AND direction = 'inbound'
			AND status NOT IN ($3, $4)
			AND NOT (call_domain = $5 AND call_id = $6)
			AND time_start > now() - make_interval(days => $7)
			AND (
				regexp_replace(from_number, '\D', '', 'g') = $8
				OR right(regexp_replace(from_number, '\D', '', 'g'), 10) = $9
			)
		ORDER BY time_start DESC
		LIMIT $10
	`, userID, agentID, StatusBlockedFunds, StatusBlockedCheckFailed,
		excludeCallDomain, excludeCallID, maxDays, fromDigits, last10, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: list recent by caller: %w", err)
	}
	defer rows.Close()
	var out []CallLog
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// InsertCDR mirrors a finalized call for reporting; replays are absorbed by
// the (source, source_row_id) unique key.
func (r *Repository) InsertCDR(ctx context.Context, c *CDR) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	var price *string
	if c.Price != nil {
		s := c.Price.String()
		price = &s
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cdrs (id, user_id, source, source_row_id, direction,
			from_number, to_number, time_start, time_end, billsec, price, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (source, source_row_id) DO UPDATE
		SET time_end = EXCLUDED.time_end,
			billsec = EXCLUDED.billsec,
			price = EXCLUDED.price,
			status = EXCLUDED.status
	`, c.ID, c.UserID, c.Source, c.SourceRowID, c.Direction,
		c.FromNumber, c.ToNumber, c.TimeStart, c.TimeEnd, c.Billsec, price, c.Status)
	if err != nil {
		return fmt.Errorf("calls: insert cdr: %w", err)
	}
	return nil
}
