package numbers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/daily"
	"github.com/voxwire/voxwire/internal/ledger"
	"github.com/voxwire/voxwire/internal/users"
)

type fakeTelephony struct {
	bought         []string
	released       []string
	dialinCreated  []daily.DialinConfig
	dialinDeleted  []string
	buyErr         error
	nextDialinID   string
	releaseRefused error
}

func (f *fakeTelephony) BuyPhoneNumber(_ context.Context, number string) (*daily.PurchasedNumber, error) {
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	f.bought = append(f.bought, number)
	return &daily.PurchasedNumber{ID: "prov-1", Number: "+15125550123"}, nil
}

func (f *fakeTelephony) ReleasePhoneNumber(_ context.Context, id string) error {
	if f.releaseRefused != nil {
		return f.releaseRefused
	}
	f.released = append(f.released, id)
	return nil
}

func (f *fakeTelephony) CreateDialinConfig(_ context.Context, cfg daily.DialinConfig) (*daily.DialinConfig, error) {
	f.dialinCreated = append(f.dialinCreated, cfg)
	id := f.nextDialinID
	if id == "" {
		id = "cfg-1"
	}
	cfg.ID = id
	return &cfg, nil
}

func (f *fakeTelephony) DeleteDialinConfig(_ context.Context, id string) error {
	f.dialinDeleted = append(f.dialinDeleted, id)
	return nil
}

type fakeMailer struct {
	notices []GraceNotice
}

func (f *fakeMailer) SendGraceNotice(_ context.Context, n GraceNotice) error {
	f.notices = append(f.notices, n)
	return nil
}

func newTestManager(t *testing.T, mock pgxmock.PgxPoolIface, provider *fakeTelephony, mailer *fakeMailer) *Manager {
	t.Helper()
	rates := billing.RateTable{
		LocalRatePerMin:    decimal.RequireFromString("0.025"),
		TollfreeRatePerMin: decimal.RequireFromString("0.03"),
		LocalMonthlyFee:    decimal.RequireFromString("10.20"),
		TollfreeMonthlyFee: decimal.RequireFromString("14.40"),
	}
	return NewManager(
		NewRepository(mock),
		users.NewRepository(mock),
		agents.NewRepository(mock),
		ledger.New(mock, nil),
		provider,
		mailer,
		ManagerConfig{
			Rates:                        rates,
			GraceDays:                    3,
			MinCreditForInbound:          decimal.RequireFromString("0.50"),
			DisableNumbersWhenBalanceLow: true,
			CancelOnInsufficientBalance:  true,
			PublicBaseURL:                "https://portal.example",
			DialinWebhookToken:           "hook-token",
		},
		nil,
	)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func expectBalance(mock pgxmock.PgxPoolIface, userID uuid.UUID, balance string) {
	mock.ExpectQuery(`SELECT balance::text FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(balance))
}

func expectLedgerDebit(mock pgxmock.PgxPoolIface, userID uuid.UUID, balanceBefore string) {
	txID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance::text FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(balanceBefore))
	mock.ExpectExec(`UPDATE users SET balance`).
		WithArgs(pgxmock.AnyArg(), userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(txID, time.Now()))
	mock.ExpectCommit()
}

func TestPurchaseRejectsLowBalance(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	// Below the toll-free tier, the pricier of the two.
	expectBalance(mock, userID, "12")

	m := newTestManager(t, mock, &fakeTelephony{}, nil)
	if _, err := m.Purchase(context.Background(), userID, ""); !errors.Is(err, ErrPurchaseGate) {
		t.Fatalf("expected ErrPurchaseGate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPurchaseChargesFirstFee(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	expectBalance(mock, userID, "50")
	mock.ExpectQuery(`INSERT INTO external_numbers`).
		WithArgs(pgxmock.AnyArg(), userID, "prov-1", "+15125550123").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO number_billing_cycles`).
		WithArgs(userID, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectLedgerDebit(mock, userID, "50")

	provider := &fakeTelephony{}
	m := newTestManager(t, mock, provider, nil)
	n, err := m.Purchase(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if n.PhoneNumber != "+15125550123" || n.ProviderNumberID != "prov-1" {
		t.Fatalf("unexpected number: %+v", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPurchaseDoesNotInsertOnProviderError(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	expectBalance(mock, userID, "50")

	provider := &fakeTelephony{buyErr: &daily.ProviderError{StatusCode: 502, Body: "upstream"}}
	m := newTestManager(t, mock, provider, nil)
	if _, err := m.Purchase(context.Background(), userID, ""); err == nil {
		t.Fatal("expected provider error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("row inserted despite provider error: %v", err)
	}
}

func TestInsufficientFundsArmsCancellation(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	numberID := uuid.New()
	created := time.Now().AddDate(0, -2, 0)

	numberRows := func() *pgxmock.Rows {
		return pgxmock.NewRows([]string{
			"id", "user_id", "provider_number_id", "phone_number",
			"assigned_agent_id", "dial_in_config_id",
			"cancel_pending", "cancel_pending_since", "cancel_after", "cancel_billed_to",
			"notice_initial_sent_at", "notice_reminder_sent_at", "created_at",
		}).AddRow(numberID, userID, "prov-1", "+15125550123",
			nil, nil, false, nil, nil, nil, nil, nil, created)
	}

	mock.ExpectQuery(`FROM external_numbers WHERE user_id = \$1 ORDER BY created_at`).
		WithArgs(userID).
		WillReturnRows(numberRows())
	mock.ExpectQuery(`SELECT max\(billed_to\) FROM number_billing_cycles`).
		WithArgs(numberID).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(`INSERT INTO number_billing_cycles`).
		WithArgs(userID, numberID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Strict debit fails: $1.00 balance against a $10.20 fee.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance::text FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("1"))
	mock.ExpectRollback()
	mock.ExpectExec(`DELETE FROM number_billing_cycles`).
		WithArgs(userID, numberID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE external_numbers`).
		WithArgs(numberID, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE external_numbers SET notice_initial_sent_at`).
		WithArgs(numberID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "username", "email", "balance", "is_active", "is_admin", "suspended",
			"contact_name", "default_transfer_number", "created_at",
		}).AddRow(userID, "dave", "dave@example.com", "1", true, false, false,
			"Dave", "", time.Now()))

	mailer := &fakeMailer{}
	m := newTestManager(t, mock, &fakeTelephony{}, mailer)
	if err := m.ChargeMonthlyFees(context.Background(), userID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(mailer.notices) != 1 || mailer.notices[0].Reminder {
		t.Fatalf("expected one initial notice, got %+v", mailer.notices)
	}
	if mailer.notices[0].Email != "dave@example.com" {
		t.Fatalf("notice addressed to %q", mailer.notices[0].Email)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMonthlySweepSkipsPeriodClaimedElsewhere(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	numberID := uuid.New()
	created := time.Now().AddDate(0, -2, 0)

	mock.ExpectQuery(`FROM external_numbers WHERE user_id = \$1 ORDER BY created_at`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "provider_number_id", "phone_number",
			"assigned_agent_id", "dial_in_config_id",
			"cancel_pending", "cancel_pending_since", "cancel_after", "cancel_billed_to",
			"notice_initial_sent_at", "notice_reminder_sent_at", "created_at",
		}).AddRow(numberID, userID, "prov-1", "+15125550123",
			nil, nil, false, nil, nil, nil, nil, nil, created))
	mock.ExpectQuery(`SELECT max\(billed_to\) FROM number_billing_cycles`).
		WithArgs(numberID).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(`INSERT INTO number_billing_cycles`).
		WithArgs(userID, numberID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	m := newTestManager(t, mock, &fakeTelephony{}, nil)
	if err := m.ChargeMonthlyFees(context.Background(), userID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// No ledger expectations were set; any charge would have failed the mock.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelPendingRecovery(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	numberID := uuid.New()
	billedTo := time.Now().AddDate(0, 0, -1)
	after := time.Now().Add(48 * time.Hour)

	mock.ExpectQuery(`FROM external_numbers\s+WHERE user_id = \$1 AND cancel_pending`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "provider_number_id", "phone_number",
			"assigned_agent_id", "dial_in_config_id",
			"cancel_pending", "cancel_pending_since", "cancel_after", "cancel_billed_to",
			"notice_initial_sent_at", "notice_reminder_sent_at", "created_at",
		}).AddRow(numberID, userID, "prov-1", "+15125550123",
			nil, nil, true, time.Now().Add(-24*time.Hour), after, billedTo,
			time.Now().Add(-24*time.Hour), nil, time.Now().AddDate(0, -2, 0)))
	expectBalance(mock, userID, "25")
	mock.ExpectExec(`INSERT INTO number_billing_cycles`).
		WithArgs(userID, numberID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectLedgerDebit(mock, userID, "25")
	mock.ExpectExec(`UPDATE external_numbers\s+SET cancel_pending = FALSE`).
		WithArgs(numberID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	m := newTestManager(t, mock, &fakeTelephony{}, &fakeMailer{})
	if err := m.ProcessCancelPending(context.Background(), userID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelPendingReleasesAtDeadline(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	numberID := uuid.New()
	after := time.Now().Add(-time.Hour)
	cfgID := "cfg-9"

	mock.ExpectQuery(`FROM external_numbers\s+WHERE user_id = \$1 AND cancel_pending`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "provider_number_id", "phone_number",
			"assigned_agent_id", "dial_in_config_id",
			"cancel_pending", "cancel_pending_since", "cancel_after", "cancel_billed_to",
			"notice_initial_sent_at", "notice_reminder_sent_at", "created_at",
		}).AddRow(numberID, userID, "prov-1", "+15125550123",
			nil, &cfgID, true, time.Now().Add(-96*time.Hour), after, nil,
			time.Now().Add(-96*time.Hour), time.Now().Add(-24*time.Hour),
			time.Now().AddDate(0, -2, 0)))
	expectBalance(mock, userID, "0")
	mock.ExpectExec(`DELETE FROM external_numbers`).
		WithArgs(numberID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	provider := &fakeTelephony{}
	m := newTestManager(t, mock, provider, &fakeMailer{})
	if err := m.ProcessCancelPending(context.Background(), userID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(provider.released) != 1 || provider.released[0] != "prov-1" {
		t.Fatalf("number not released: %v", provider.released)
	}
	if len(provider.dialinDeleted) != 1 || provider.dialinDeleted[0] != cfgID {
		t.Fatalf("dial-in config not removed: %v", provider.dialinDeleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSyncRoutingDisablesBelowThreshold(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	numberID := uuid.New()
	cfgID := "cfg-2"

	expectBalance(mock, userID, "0.10")
	mock.ExpectQuery(`FROM external_numbers WHERE user_id = \$1 ORDER BY created_at`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "provider_number_id", "phone_number",
			"assigned_agent_id", "dial_in_config_id",
			"cancel_pending", "cancel_pending_since", "cancel_after", "cancel_billed_to",
			"notice_initial_sent_at", "notice_reminder_sent_at", "created_at",
		}).AddRow(numberID, userID, "prov-1", "+15125550123",
			nil, &cfgID, false, nil, nil, nil, nil, nil, time.Now()))
	mock.ExpectExec(`UPDATE external_numbers SET dial_in_config_id`).
		WithArgs(numberID, nil).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	provider := &fakeTelephony{}
	m := newTestManager(t, mock, provider, nil)
	if err := m.SyncRouting(context.Background(), userID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(provider.dialinDeleted) != 1 || provider.dialinDeleted[0] != cfgID {
		t.Fatalf("config not deleted: %v", provider.dialinDeleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignAgentCreatesDialinConfig(t *testing.T) {
	mock := newMock(t)
	numberID := uuid.New()
	agentID := uuid.New()
	n := &ExternalNumber{ID: numberID, PhoneNumber: "+15125550123"}
	agent := &agents.Agent{ID: agentID, RuntimeServiceName: "agent-x"}

	mock.ExpectExec(`UPDATE external_numbers\s+SET assigned_agent_id`).
		WithArgs(numberID, &agentID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	provider := &fakeTelephony{nextDialinID: "cfg-7"}
	m := newTestManager(t, mock, provider, nil)
	if err := m.AssignAgent(context.Background(), n, agent); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(provider.dialinCreated) != 1 {
		t.Fatal("dial-in config not created")
	}
	cfg := provider.dialinCreated[0]
	if cfg.PhoneNumber != "+15125550123" {
		t.Fatalf("config for wrong number: %s", cfg.PhoneNumber)
	}
	want := "https://portal.example/api/v1/dial-in/agent-x?token=hook-token"
	if cfg.RoomCreationAPI != want {
		t.Fatalf("room creation url = %q, want %q", cfg.RoomCreationAPI, want)
	}
}
