// Package payments takes deposits in: hosted checkouts with the card, crypto
// and ACH processors, signature-verified webhooks, and exactly-once wallet
// credits. It also issues the hosted payment links agents create mid-call.
package payments

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

// PaymentRequest statuses.
const (
	RequestPending   = "pending"
	RequestCompleted = "completed"
	RequestFailed    = "failed"
	RequestExpired   = "expired"
	RequestCancelled = "cancelled"
)

// ErrNotFound indicates the row does not exist.
var ErrNotFound = errors.New("payments: not found")

// PaymentRequest is an agent-issued hosted payment link. The money goes to
// the customer's processor account, not the platform wallet.
type PaymentRequest struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Provider           string
	ProviderPaymentID  *string
	ProviderCheckoutID *string
	AmountCents        int64
	Currency           string
	Description        string
	CustomerName       *string
	CustomerEmail      *string
	CustomerPhone      *string
	PaymentURL         string
	Status             string
	CallID             *string
	CallDomain         *string
	PaidAt             *time.Time
	CreatedAt          time.Time
}

// IncomingDeposit is one wallet top-up attempt at a processor, unique per
// (processor, remote_id).
type IncomingDeposit struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Processor             string
	RemoteID              string
	OrderID               string
	Amount                decimal.Decimal
	Currency              string
	Status                string
	Credited              bool
	CreditedTransactionID *uuid.UUID
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists payment requests, deposits and processed webhook ids.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &Repository{pool: pool}
}

// CreateRequest writes a pending payment-link row.
func (r *Repository) CreateRequest(ctx context.Context, req *PaymentRequest) error {
	req.ID = uuid.New()
	req.Status = RequestPending
	if req.Currency == "" {
		req.Currency = "USD"
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payment_requests (id, user_id, provider, provider_payment_id,
			provider_checkout_id, amount_cents, currency, description,
			customer_name, customer_email, customer_phone, payment_url, status,
			call_id, call_domain)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at
	`, req.ID, req.UserID, req.Provider, req.ProviderPaymentID,
		req.ProviderCheckoutID, req.AmountCents, req.Currency, req.Description,
		req.CustomerName, req.CustomerEmail, req.CustomerPhone, req.PaymentURL, req.Status,
		req.CallID, req.CallDomain,
	).Scan(&req.CreatedAt)
	if err != nil {
		return fmt.Errorf("payments: create request: %w", err)
	}
	return nil
}

// SetRequestCheckout stores the provider's link identifiers after creation.
func (r *Repository) SetRequestCheckout(ctx context.Context, id uuid.UUID, checkoutID, url string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payment_requests
		SET provider_checkout_id = $2, payment_url = $3
		WHERE id = $1
	`, id, checkoutID, url)
	if err != nil {
		return fmt.Errorf("payments: set request checkout: %w", err)
	}
	return nil
}

// ResolveRequestByCheckout transitions the payment-link row matched by the
// provider's checkout id. Completion stamps paid_at and the payment id.
func (r *Repository) ResolveRequestByCheckout(ctx context.Context, provider, checkoutID, status, paymentID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_requests
		SET status = $3,
			provider_payment_id = COALESCE(NULLIF($4, ''), provider_payment_id),
			paid_at = CASE WHEN $3 = 'completed' THEN now() ELSE paid_at END
		WHERE provider = $1 AND provider_checkout_id = $2 AND status = 'pending'
	`, provider, checkoutID, status, paymentID)
	if err != nil {
		return false, fmt.Errorf("payments: resolve request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertDeposit records a deposit attempt. The (processor, remote_id) unique
// key makes redelivered webhooks update the same row.
func (r *Repository) UpsertDeposit(ctx context.Context, d *IncomingDeposit) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Currency == "" {
		d.Currency = "USD"
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO incoming_deposits (id, user_id, processor, remote_id, order_id,
			amount, currency, status, raw_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (processor, remote_id) DO UPDATE
		SET status = EXCLUDED.status,
			amount = EXCLUDED.amount,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = now()
		RETURNING id, credited
	`, d.ID, d.UserID, d.Processor, d.RemoteID, d.OrderID,
		d.Amount.String(), d.Currency, d.Status, nil,
	).Scan(&d.ID, &d.Credited)
	if err != nil {
		return fmt.Errorf("payments: upsert deposit: %w", err)
	}
	return nil
}

// ClaimCredit flips credited on the deposit, returning the row only to the
// single caller that won the claim. Lost claims mean the deposit is unknown
// or already credited.
func (r *Repository) ClaimCredit(ctx context.Context, processor, remoteID string) (*IncomingDeposit, bool, error) {
	var d IncomingDeposit
	var amount string
	err := r.pool.QueryRow(ctx, `
		UPDATE incoming_deposits
		SET credited = TRUE, updated_at = now()
		WHERE processor = $1 AND remote_id = $2 AND NOT credited
		RETURNING id, user_id, processor, remote_id, order_id, amount::text, currency, status
	`, processor, remoteID).Scan(&d.ID, &d.UserID, &d.Processor, &d.RemoteID,
		&d.OrderID, &amount, &d.Currency, &d.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("payments: claim credit: %w", err)
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, false, fmt.Errorf("payments: parse deposit amount: %w", err)
	}
	d.Amount = parsed
	d.Credited = true
	return &d, true, nil
}

// ReleaseCredit undoes a claim whose ledger credit failed, so the processor's
// retry can claim again.
func (r *Repository) ReleaseCredit(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE incoming_deposits
		SET credited = FALSE, updated_at = now()
		WHERE id = $1 AND credited_transaction_id IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("payments: release credit: %w", err)
	}
	return nil
}

// StampCredit records the wallet transaction that settled the deposit.
func (r *Repository) StampCredit(ctx context.Context, id, transactionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE incoming_deposits
		SET credited_transaction_id = $2, status = 'credited', updated_at = now()
		WHERE id = $1
	`, id, transactionID)
	if err != nil {
		return fmt.Errorf("payments: stamp credit: %w", err)
	}
	return nil
}

// SetDepositStatus updates a non-crediting status change (expired, failed).
func (r *Repository) SetDepositStatus(ctx context.Context, processor, remoteID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE incoming_deposits
		SET status = $3, updated_at = now()
		WHERE processor = $1 AND remote_id = $2 AND NOT credited
	`, processor, remoteID, status)
	if err != nil {
		return fmt.Errorf("payments: set deposit status: %w", err)
	}
	return nil
}

// ProcessedStore records webhook event ids that were already handled.
type ProcessedStore struct {
	pool PgxPool
}

func NewProcessedStore(pool PgxPool) *ProcessedStore {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

// AlreadyProcessed checks if we've seen this provider event id.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM processed_webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("payments: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts an event id for the provider, returning false if it
// already exists.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO processed_webhook_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("payments: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
