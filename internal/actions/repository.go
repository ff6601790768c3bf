// Package actions implements the agent tool-action pipeline: dedupe,
// charge-before-act, provider invocation, and best-effort refund on
// provider failure.
package actions

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

// Action kinds.
const (
	KindEmail       = "email"
	KindSMS         = "sms"
	KindMail        = "mail"
	KindMeeting     = "meeting"
	KindPaymentLink = "payment_link"
	KindLog         = "log"
)

// Action statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound indicates the action row does not exist.
var ErrNotFound = errors.New("actions: not found")

// ActionSend is one tool-action attempt, unique per dedupe_key.
type ActionSend struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	AgentID              *uuid.UUID
	Kind                 string
	TemplateID           *uuid.UUID
	DedupeKey            string
	CallID               *string
	CallDomain           *string
	RecipientEmail       *string
	RecipientPhone       *string
	RecipientName        *string
	RecipientAddress     []byte
	Subject              *string
	Body                 *string
	Status               string
	AttemptCount         int
	ProviderMessageID    *string
	ProviderBatchID      *string
	TrackingNumber       *string
	Price                *decimal.Decimal
	Billed               bool
	BillingTransactionID *uuid.UUID
	RefundStatus         string
	Error                *string
	RawPayload           []byte
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const actionColumns = `
	id, user_id, agent_id, kind, template_id, dedupe_key, call_id, call_domain,
	recipient_email, recipient_phone, recipient_name, recipient_address,
	subject, body, status, attempt_count,
	provider_message_id, provider_batch_id, tracking_number,
	price::text, billed, billing_transaction_id, refund_status,
	error, raw_payload, created_at, updated_at`

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists action rows.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("actions: pgx pool required")
	}
	return &Repository{pool: pool}
}

func scanAction(row pgx.Row) (*ActionSend, error) {
	var a ActionSend
	var price *string
	err := row.Scan(&a.ID, &a.UserID, &a.AgentID, &a.Kind, &a.TemplateID,
		&a.DedupeKey, &a.CallID, &a.CallDomain,
		&a.RecipientEmail, &a.RecipientPhone, &a.RecipientName, &a.RecipientAddress,
		&a.Subject, &a.Body, &a.Status, &a.AttemptCount,
		&a.ProviderMessageID, &a.ProviderBatchID, &a.TrackingNumber,
		&price, &a.Billed, &a.BillingTransactionID, &a.RefundStatus,
		&a.Error, &a.RawPayload, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("actions: scan: %w", err)
	}
	if price != nil {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("actions: parse price: %w", err)
		}
		a.Price = &p
	}
	return &a, nil
}

// Insert writes the row as pending. The dedupe_key unique index absorbs
// concurrent duplicates; Insert reports false when another row already
// holds the key.
func (r *Repository) Insert(ctx context.Context, a *ActionSend) (bool, error) {
	a.ID = uuid.New()
	a.Status = StatusPending
	if a.AttemptCount == 0 {
		a.AttemptCount = 1
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO action_sends (id, user_id, agent_id, kind, template_id, dedupe_key,
			call_id, call_domain, recipient_email, recipient_phone, recipient_name,
			recipient_address, subject, body, status, attempt_count, raw_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING created_at
	`, a.ID, a.UserID, a.AgentID, a.Kind, a.TemplateID, a.DedupeKey,
		a.CallID, a.CallDomain, a.RecipientEmail, a.RecipientPhone, a.RecipientName,
		a.RecipientAddress, a.Subject, a.Body, a.Status, a.AttemptCount, a.RawPayload,
	).Scan(&a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("actions: insert: %w", err)
	}
	return true, nil
}

// GetByDedupeKey loads the row holding the key.
func (r *Repository) GetByDedupeKey(ctx context.Context, key string) (*ActionSend, error) {
	return scanAction(r.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM action_sends WHERE dedupe_key = $1`, key))
}

// Reopen flips a failed row back to pending for a retry. Only failed rows
// match, so a concurrent retry cannot double-open the same attempt.
func (r *Repository) Reopen(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE action_sends
		SET status = 'pending', attempt_count = attempt_count + 1,
			error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return false, fmt.Errorf("actions: reopen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPrice records what this action will cost before the charge.
func (r *Repository) SetPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE action_sends SET price = $2, updated_at = now() WHERE id = $1
	`, id, price.String())
	if err != nil {
		return fmt.Errorf("actions: set price: %w", err)
	}
	return nil
}

// ProviderRefs carries the external identifiers a completed action produced.
type ProviderRefs struct {
	MessageID string
	BatchID   string
	Tracking  string
}

// MarkCompleted finishes the row with its provider references.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, refs ProviderRefs) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE action_sends
		SET status = 'completed',
			provider_message_id = NULLIF($2, ''),
			provider_batch_id = NULLIF($3, ''),
			tracking_number = NULLIF($4, ''),
			error = NULL, updated_at = now()
		WHERE id = $1
	`, id, refs.MessageID, refs.BatchID, refs.Tracking)
	if err != nil {
		return fmt.Errorf("actions: mark completed: %w", err)
	}
	return nil
}

// MarkFailed finishes the row with the failure text.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE action_sends
		SET status = 'failed', error = $2, updated_at = now()
		WHERE id = $1
	`, id, errText)
	if err != nil {
		return fmt.Errorf("actions: mark failed: %w", err)
	}
	return nil
}

// SweepStalePending fails rows stuck in pending longer than maxAge, which
// happens when the process crashes between charge and provider call.
func (r *Repository) SweepStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE action_sends
		SET status = 'failed', error = 'timed out in pending', updated_at = now()
		WHERE status = 'pending' AND created_at < now() - $1::interval
	`, maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("actions: sweep stale pending: %w", err)
	}
	return tag.RowsAffected(), nil
}
