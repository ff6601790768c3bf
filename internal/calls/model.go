package calls

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CallLog statuses, in rough lifecycle order.
const (
	StatusCreated            = "created"
	StatusPipecatStarted     = "pipecat_started"
	StatusPipecatStartFailed = "pipecat_start_failed"
	StatusBlockedFunds       = "blocked_insufficient_funds"
	StatusBlockedCheckFailed = "blocked_balance_check_failed"
	StatusConnected          = "connected"
	StatusWarning            = "warning"
	StatusCompleted          = "completed"
	StatusMissed             = "missed"
	StatusError              = "error"
)

// CallLog is one inbound AI call, keyed by the provider's (call_domain,
// call_id) pair. Event ids arrive later and are persisted on first match so
// the remainder of the call resolves in one lookup.
type CallLog struct {
	ID               uuid.UUID
	CallID           string
	CallDomain       string
	EventCallID      *string
	EventCallDomain  *string
	UserID           uuid.UUID
	AgentID          *uuid.UUID
	ExternalNumberID *uuid.UUID
	Direction        string
	FromNumber       string
	ToNumber         string
	TimeStart        time.Time
	TimeConnect      *time.Time
	TimeEnd          *time.Time
	DurationSec      *int64
	Billsec          *int64
	Price            *decimal.Decimal
	Billed           bool
	Status           string
	CreatedAt        time.Time
}

// CallMessage is one transcript turn, deduplicated per call by message_id.
type CallMessage struct {
	ID         uuid.UUID
	CallDomain string
	CallID     string
	MessageID  string
	UserID     uuid.UUID
	AgentID    *uuid.UUID
	Role       string
	Content    string
	CreatedAt  time.Time
}

// CDR is the unified reporting mirror for both inbound and dialer calls.
type CDR struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Source      string
	SourceRowID uuid.UUID
	Direction   string
	FromNumber  string
	ToNumber    string
	TimeStart   *time.Time
	TimeEnd     *time.Time
	Billsec     *int64
	Price       *decimal.Decimal
	Status      string
}
