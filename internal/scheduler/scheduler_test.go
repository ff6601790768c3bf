package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/calls"
)

type fakeUsers struct {
	ids []uuid.UUID
	err error
}

func (f *fakeUsers) ListActiveIDs(ctx context.Context) ([]uuid.UUID, error) {
	return f.ids, f.err
}

type fakeNumbers struct {
	order            []string
	cancelPendingErr error
	monthlyErr       error
	syncErr          error
}

func (f *fakeNumbers) ProcessCancelPending(ctx context.Context, userID uuid.UUID) error {
	f.order = append(f.order, "cancel_pending")
	return f.cancelPendingErr
}

func (f *fakeNumbers) ChargeMonthlyFees(ctx context.Context, userID uuid.UUID) error {
	f.order = append(f.order, "monthly_fees")
	return f.monthlyErr
}

func (f *fakeNumbers) SyncRouting(ctx context.Context, userID uuid.UUID) error {
	f.order = append(f.order, "sync_routing")
	return f.syncErr
}

type fakeEngine struct {
	charges []billing.ChargeParams
	err     error
}

func (f *fakeEngine) Charge(ctx context.Context, params billing.ChargeParams) (*billing.ChargeResult, error) {
	f.charges = append(f.charges, params)
	if f.err != nil {
		return nil, f.err
	}
	return &billing.ChargeResult{TransactionID: uuid.New()}, nil
}

type fakeSweeper struct {
	maxAge time.Duration
	swept  int64
}

func (f *fakeSweeper) SweepStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	f.maxAge = maxAge
	return f.swept, nil
}

func unbilledRows(id, userID uuid.UUID, toNumber string, billsec int64) *pgxmock.Rows {
	start := time.Now().Add(-time.Hour)
	end := start.Add(time.Duration(billsec) * time.Second)
	return pgxmock.NewRows([]string{
		"id", "call_id", "call_domain", "event_call_id", "event_call_domain",
		"user_id", "agent_id", "external_number_id", "direction", "from_number", "to_number",
		"time_start", "time_connect", "time_end", "duration_sec", "billsec", "price",
		"billed", "status", "created_at",
	}).AddRow(id, "c1", "d1", nil, nil,
		userID, nil, nil, "inbound", "+15550001111", toNumber,
		start, &start, &end, &billsec, &billsec, nil,
		false, calls.StatusCompleted, start)
}

func TestTickRunsUserPassesInOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	userID := uuid.New()
	callID := uuid.New()
	users := &fakeUsers{ids: []uuid.UUID{userID}}
	numbers := &fakeNumbers{}
	engine := &fakeEngine{}
	sweeper := &fakeSweeper{swept: 2}

	mock.ExpectQuery("SELECT (.+) FROM call_logs").
		WithArgs(userID, calls.StatusCompleted, 100).
		WillReturnRows(unbilledRows(callID, userID, "+15551234567", 90))
	mock.ExpectExec("UPDATE call_logs SET price").
		WithArgs(callID, "0.0375").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := New(users, numbers, calls.NewRepository(mock), engine, sweeper, Config{
		ActionPendingMaxAge: 30 * time.Minute,
		Rates: billing.RateTable{
			LocalRatePerMin:    decimal.RequireFromString("0.025"),
			TollfreeRatePerMin: decimal.RequireFromString("0.03"),
		},
	}, nil)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	want := []string{"cancel_pending", "monthly_fees", "sync_routing"}
	if len(numbers.order) != 3 {
		t.Fatalf("unexpected pass order: %v", numbers.order)
	}
	for i, step := range want {
		if numbers.order[i] != step {
			t.Fatalf("pass %d = %s, want %s", i, numbers.order[i], step)
		}
	}
	if sweeper.maxAge != 30*time.Minute {
		t.Fatalf("sweep max age: %s", sweeper.maxAge)
	}
	if len(engine.charges) != 1 {
		t.Fatalf("expected one backfill charge, got %d", len(engine.charges))
	}
	charge := engine.charges[0]
	if charge.Table != "call_logs" || charge.RowID != callID {
		t.Fatalf("unexpected charge target: %+v", charge)
	}
	// 90s at 0.025/min, no round-up.
	if !charge.Amount.Equal(decimal.RequireFromString("0.0375")) {
		t.Fatalf("unexpected charge amount: %s", charge.Amount)
	}
	if charge.Strict {
		t.Fatal("backfill charges must not be strict")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTickContinuesPastUserFailures(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	userA := uuid.New()
	userB := uuid.New()
	users := &fakeUsers{ids: []uuid.UUID{userA, userB}}
	numbers := &fakeNumbers{monthlyErr: errors.New("provider down")}
	engine := &fakeEngine{}

	for _, id := range []uuid.UUID{userA, userB} {
		mock.ExpectQuery("SELECT (.+) FROM call_logs").
			WithArgs(id, calls.StatusCompleted, 100).
			WillReturnRows(pgxmock.NewRows([]string{"id"}))
	}

	s := New(users, numbers, calls.NewRepository(mock), engine, nil, Config{}, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Both users got the full sequence despite the monthly-fee failures.
	if len(numbers.order) != 6 {
		t.Fatalf("expected both users processed, got %v", numbers.order)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTickSurfacesUserListFailure(t *testing.T) {
	users := &fakeUsers{err: errors.New("db down")}
	s := New(users, &fakeNumbers{}, nil, &fakeEngine{}, nil, Config{}, nil)
	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("expected error when user listing fails")
	}
}
