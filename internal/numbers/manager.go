package numbers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/daily"
	"github.com/voxwire/voxwire/internal/ledger"
	"github.com/voxwire/voxwire/internal/users"
	"github.com/voxwire/voxwire/pkg/logging"
)

// ErrPurchaseGate rejects a purchase when the balance cannot cover the
// pricier monthly fee tier.
var ErrPurchaseGate = errors.New("numbers: balance below purchase threshold")

// reminderLead is how long before the cancel deadline the reminder goes out.
const reminderLead = 24 * time.Hour

type telephony interface {
	BuyPhoneNumber(ctx context.Context, number string) (*daily.PurchasedNumber, error)
	ReleasePhoneNumber(ctx context.Context, providerNumberID string) error
	CreateDialinConfig(ctx context.Context, cfg daily.DialinConfig) (*daily.DialinConfig, error)
	DeleteDialinConfig(ctx context.Context, id string) error
}

// GraceNotice describes one non-payment email.
type GraceNotice struct {
	Email       string
	PhoneNumber string
	MonthlyFee  decimal.Decimal
	CancelAfter time.Time
	Reminder    bool
}

type noticeMailer interface {
	SendGraceNotice(ctx context.Context, notice GraceNotice) error
}

// ManagerConfig holds the number lifecycle policy knobs.
type ManagerConfig struct {
	Rates                        billing.RateTable
	GraceDays                    int
	MinCreditForInbound          decimal.Decimal
	DisableNumbersWhenBalanceLow bool
	CancelOnInsufficientBalance  bool
	PublicBaseURL                string
	DialinWebhookToken           string
}

// Manager owns the AI number lifecycle: purchase, agent assignment,
// monthly billing, the grace-period cancellation machine, and keeping the
// provider's dial-in routing in step with the user's balance.
type Manager struct {
	repo     *Repository
	users    *users.Repository
	agents   *agents.Repository
	ledger   *ledger.Ledger
	provider telephony
	mailer   noticeMailer
	cfg      ManagerConfig
	logger   *logging.Logger
}

func NewManager(repo *Repository, usersRepo *users.Repository, agentsRepo *agents.Repository,
	l *ledger.Ledger, provider telephony, mailer noticeMailer, cfg ManagerConfig, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		repo:     repo,
		users:    usersRepo,
		agents:   agentsRepo,
		ledger:   l,
		provider: provider,
		mailer:   mailer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Purchase buys a number for the user. The balance must be positive and
// cover the pricier monthly tier; the first monthly fee is charged right
// away through the cycle table.
func (m *Manager) Purchase(ctx context.Context, userID uuid.UUID, requestedNumber string) (*ExternalNumber, error) {
	balance, err := m.users.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !balance.IsPositive() || balance.LessThan(m.cfg.Rates.MaxMonthlyFee()) {
		return nil, ErrPurchaseGate
	}

	bought, err := m.provider.BuyPhoneNumber(ctx, requestedNumber)
	if err != nil {
		return nil, fmt.Errorf("numbers: provider purchase: %w", err)
	}

	n := &ExternalNumber{
		UserID:           userID,
		ProviderNumberID: bought.ID,
		PhoneNumber:      bought.Number,
	}
	if err := m.repo.Create(ctx, n); err != nil {
		return nil, err
	}

	if err := m.chargeCycle(ctx, n, n.CreatedAt.AddDate(0, 1, 0)); err != nil {
		// The purchase stands; the scheduler retries the fee and the
		// cancellation machine takes over if it keeps failing.
		m.logger.Warn("first monthly fee failed",
			"number_id", n.ID, "error", err)
	}
	return n, nil
}

// Release gives the number back to the provider and removes the local row.
// The provider refuses release within 28 days of purchase; that error is
// passed through.
func (m *Manager) Release(ctx context.Context, n *ExternalNumber) error {
	if n.DialInConfigID != nil {
		if err := m.provider.DeleteDialinConfig(ctx, *n.DialInConfigID); err != nil {
			return fmt.Errorf("numbers: delete dial-in config: %w", err)
		}
	}
	if err := m.provider.ReleasePhoneNumber(ctx, n.ProviderNumberID); err != nil {
		return fmt.Errorf("numbers: provider release: %w", err)
	}
	return m.repo.Delete(ctx, n.ID)
}

// AssignAgent points a number at an agent and creates the provider dial-in
// config routing inbound calls to the coordinator.
func (m *Manager) AssignAgent(ctx context.Context, n *ExternalNumber, agent *agents.Agent) error {
	if n.DialInConfigID != nil {
		if err := m.provider.DeleteDialinConfig(ctx, *n.DialInConfigID); err != nil {
			return fmt.Errorf("numbers: replace dial-in config: %w", err)
		}
	}
	created, err := m.provider.CreateDialinConfig(ctx, daily.DialinConfig{
		PhoneNumber:     n.PhoneNumber,
		RoomCreationAPI: m.dialinCallbackURL(agent.RuntimeServiceName),
		NamePrefix:      agent.RuntimeServiceName,
	})
	if err != nil {
		return fmt.Errorf("numbers: create dial-in config: %w", err)
	}
	return m.repo.SetAssignment(ctx, n.ID, &agent.ID, &created.ID)
}

// UnassignAgent drops the number-to-agent mapping and its dial-in config.
// A nil return with no number assigned is fine; agent deletion calls this
// unconditionally.
func (m *Manager) UnassignAgent(ctx context.Context, agentID uuid.UUID) error {
	n, err := m.repo.GetByAgentID(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if n.DialInConfigID != nil {
		if err := m.provider.DeleteDialinConfig(ctx, *n.DialInConfigID); err != nil {
			return fmt.Errorf("numbers: delete dial-in config: %w", err)
		}
	}
	return m.repo.SetAssignment(ctx, n.ID, nil, nil)
}

// ChargeMonthlyFees charges every due monthly period for the user's active
// numbers. Idempotency comes from the cycle table's unique key, so the
// sweep is safe to run concurrently with itself.
func (m *Manager) ChargeMonthlyFees(ctx context.Context, userID uuid.UUID) error {
	nums, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for i := range nums {
		n := &nums[i]
		if n.CancelPending {
			continue
		}
		billedTo, err := m.nextBilledTo(ctx, n)
		if err != nil {
			return err
		}
		if billedTo.After(time.Now()) {
			continue
		}
		if err := m.chargeCycle(ctx, n, billedTo); err != nil &&
			!errors.Is(err, ledger.ErrInsufficientFunds) {
			return err
		}
	}
	return nil
}

// ProcessCancelPending runs one tick of the cancellation machine for a user:
// recovery first, then the reminder, then release at the deadline.
func (m *Manager) ProcessCancelPending(ctx context.Context, userID uuid.UUID) error {
	nums, err := m.repo.ListCancelPending(ctx, userID)
	if err != nil {
		return err
	}
	if len(nums) == 0 {
		return nil
	}
	balance, err := m.users.Balance(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range nums {
		n := &nums[i]
		fee := m.cfg.Rates.MonthlyNumberFee(n.PhoneNumber)

		if n.CancelBilledTo != nil && balance.GreaterThanOrEqual(fee) {
			if err := m.chargeCycle(ctx, n, *n.CancelBilledTo); err == nil {
				if err := m.repo.ClearCancelPending(ctx, n.ID); err != nil {
					return err
				}
				balance = balance.Sub(fee)
				m.logger.Info("number recovered from cancel_pending", "number_id", n.ID)
				continue
			} else if !errors.Is(err, ledger.ErrInsufficientFunds) {
				return err
			}
		}

		if n.CancelAfter == nil {
			continue
		}
		switch {
		case !now.Before(*n.CancelAfter):
			if err := m.Release(ctx, n); err != nil {
				return err
			}
			m.logger.Info("number released after grace window",
				"number_id", n.ID, "phone_number", n.PhoneNumber)
		case now.After(n.CancelAfter.Add(-reminderLead)):
			m.sendNotice(ctx, n, fee, true)
		}
	}
	return nil
}

// SyncRouting disables every dial-in config when the balance drops below the
// inbound threshold, and recreates them when it recovers.
func (m *Manager) SyncRouting(ctx context.Context, userID uuid.UUID) error {
	if !m.cfg.DisableNumbersWhenBalanceLow {
		return nil
	}
	balance, err := m.users.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance.LessThan(m.cfg.MinCreditForInbound) {
		return m.DisableInbound(ctx, userID)
	}

	nums, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for i := range nums {
		n := &nums[i]
		if n.AssignedAgentID == nil || n.DialInConfigID != nil || n.CancelPending {
			continue
		}
		agent, err := m.agents.GetByID(ctx, *n.AssignedAgentID)
		if err != nil {
			return err
		}
		created, err := m.provider.CreateDialinConfig(ctx, daily.DialinConfig{
			PhoneNumber:     n.PhoneNumber,
			RoomCreationAPI: m.dialinCallbackURL(agent.RuntimeServiceName),
			NamePrefix:      agent.RuntimeServiceName,
		})
		if err != nil {
			return fmt.Errorf("numbers: recreate dial-in config: %w", err)
		}
		if err := m.repo.SetDialInConfig(ctx, n.ID, &created.ID); err != nil {
			return err
		}
		m.logger.Info("inbound routing restored", "number_id", n.ID)
	}
	return nil
}

// DisableInbound tears down every dial-in config the user has, keeping the
// numbers. The inbound coordinator calls this synchronously on a blocked call.
func (m *Manager) DisableInbound(ctx context.Context, userID uuid.UUID) error {
	nums, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for i := range nums {
		n := &nums[i]
		if n.DialInConfigID == nil {
			continue
		}
		if err := m.provider.DeleteDialinConfig(ctx, *n.DialInConfigID); err != nil {
			return fmt.Errorf("numbers: disable dial-in config: %w", err)
		}
		if err := m.repo.SetDialInConfig(ctx, n.ID, nil); err != nil {
			return err
		}
		m.logger.Info("inbound routing disabled", "number_id", n.ID, "user_id", userID)
	}
	return nil
}

// chargeCycle claims the (user, number, billed_to) cycle row and charges the
// monthly fee strictly. On insufficient funds the claim is rolled back and
// the cancellation machine is armed.
func (m *Manager) chargeCycle(ctx context.Context, n *ExternalNumber, billedTo time.Time) error {
	claimed, err := m.repo.ClaimBillingCycle(ctx, n.UserID, n.ID, billedTo)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker billed this period.
		return nil
	}

	fee := m.cfg.Rates.MonthlyNumberFee(n.PhoneNumber)
	_, err = m.ledger.Adjust(ctx, ledger.AdjustParams{
		UserID: n.UserID,
		Amount: fee.Neg(),
		Description: fmt.Sprintf("Monthly fee for %s through %s",
			n.PhoneNumber, billedTo.Format("2006-01-02")),
		Kind:          ledger.KindDebit,
		PaymentMethod: "balance",
		ReferenceID:   n.ID.String(),
		Strict:        true,
	})
	if err == nil {
		return nil
	}

	if releaseErr := m.repo.ReleaseBillingCycle(ctx, n.UserID, n.ID, billedTo); releaseErr != nil {
		m.logger.Error("failed to release billing cycle after charge failure",
			"number_id", n.ID, "error", releaseErr)
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) && m.cfg.CancelOnInsufficientBalance {
		now := time.Now()
		after := now.Add(time.Duration(m.cfg.GraceDays) * 24 * time.Hour)
		if markErr := m.repo.MarkCancelPending(ctx, n.ID, now, after, billedTo); markErr != nil {
			return markErr
		}
		n.CancelAfter = &after
		m.sendNotice(ctx, n, m.cfg.Rates.MonthlyNumberFee(n.PhoneNumber), false)
	}
	return err
}

// sendNotice emails a grace notice at most once per stage.
func (m *Manager) sendNotice(ctx context.Context, n *ExternalNumber, fee decimal.Decimal, reminder bool) {
	if m.mailer == nil {
		return
	}
	first, err := m.repo.MarkNoticeSent(ctx, n.ID, reminder)
	if err != nil {
		m.logger.Error("failed to stamp notice", "number_id", n.ID, "error", err)
		return
	}
	if !first {
		return
	}
	owner, err := m.users.GetByID(ctx, n.UserID)
	if err != nil {
		m.logger.Error("failed to load owner for notice", "number_id", n.ID, "error", err)
		return
	}
	cancelAfter := time.Now()
	if n.CancelAfter != nil {
		cancelAfter = *n.CancelAfter
	}
	if err := m.mailer.SendGraceNotice(ctx, GraceNotice{
		Email:       owner.Email,
		PhoneNumber: n.PhoneNumber,
		MonthlyFee:  fee,
		CancelAfter: cancelAfter,
		Reminder:    reminder,
	}); err != nil {
		m.logger.Error("failed to send grace notice", "number_id", n.ID, "error", err)
	}
}

// nextBilledTo derives the next unpaid period edge: one month past the last
// paid edge, or one month past purchase when never billed.
func (m *Manager) nextBilledTo(ctx context.Context, n *ExternalNumber) (time.Time, error) {
	last, err := m.repo.LastBilledTo(ctx, n.ID)
	if err != nil {
		return time.Time{}, err
	}
	if last != nil {
		return last.AddDate(0, 1, 0), nil
	}
	return n.CreatedAt.AddDate(0, 1, 0), nil
}

func (m *Manager) dialinCallbackURL(serviceName string) string {
	return fmt.Sprintf("%s/api/v1/dial-in/%s?token=%s",
		m.cfg.PublicBaseURL, url.PathEscape(serviceName), url.QueryEscape(m.cfg.DialinWebhookToken))
}
