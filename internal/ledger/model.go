package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction kinds.
const (
	KindCredit     = "credit"
	KindDebit      = "debit"
	KindAdjustment = "adjustment"
)

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is one row of the append-only transaction log. The invariant is that
// a user's balance equals the sum of Amount over their completed entries.
type Entry struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Description   string
	Kind          string
	PaymentMethod string
	ReferenceID   string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Status        string
	CreatedAt     time.Time
}

// AdjustParams describes a single balance adjustment. Amount is signed:
// negative for debits, positive for credits.
type AdjustParams struct {
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Description   string
	Kind          string
	PaymentMethod string
	ReferenceID   string

	// Strict rejects a debit that would overdraw instead of letting the
	// balance go negative.
	Strict bool
}
