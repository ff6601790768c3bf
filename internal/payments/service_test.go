package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/ledger"
)

func newPaymentsService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	svc := NewService(NewRepository(mock), ledger.New(mock, nil),
		nil, nil, nil, nil, ServiceConfig{
			PublicBaseURL: "https://app.example.com",
			CardProvider:  "square",
			MinAmount:     decimal.RequireFromString("5"),
			MaxAmount:     decimal.RequireFromString("500"),
		}, nil)
	return svc, mock
}

func claimRows(depID, userID uuid.UUID, orderID, amount string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "processor", "remote_id", "order_id", "amount", "currency", "status",
	}).AddRow(depID, userID, "stripe", "cs_test_1", orderID, amount, "USD", "completed")
}

func TestCreditDepositExactlyOnce(t *testing.T) {
	svc, mock := newPaymentsService(t)

	userID := uuid.New()
	depID := uuid.New()
	txnID := uuid.New()
	orderID := orderRef("st", userID, uuid.New())

	mock.ExpectQuery("UPDATE incoming_deposits").
		WithArgs("stripe", "cs_test_1").
		WillReturnRows(claimRows(depID, userID, orderID, "25"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance::text FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("10.00"))
	mock.ExpectExec("UPDATE users SET balance").
		WithArgs("35", userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(userID, "25", "Deposit via stripe ("+orderID+")", ledger.KindCredit,
			"stripe", orderID, "10", "35", ledger.StatusCompleted).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(txnID, time.Now()))
	mock.ExpectCommit()
	mock.ExpectRollback()
	mock.ExpectExec("UPDATE incoming_deposits").
		WithArgs(depID, txnID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := svc.CreditDeposit(context.Background(), "stripe", "cs_test_1"); err != nil {
		t.Fatalf("credit deposit: %v", err)
	}

	// The redelivery loses the claim and is a no-op.
	mock.ExpectQuery("UPDATE incoming_deposits").
		WithArgs("stripe", "cs_test_1").
		WillReturnError(pgx.ErrNoRows)
	if err := svc.CreditDeposit(context.Background(), "stripe", "cs_test_1"); err != nil {
		t.Fatalf("redelivered credit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreditDepositReleasesClaimOnLedgerFailure(t *testing.T) {
	svc, mock := newPaymentsService(t)

	userID := uuid.New()
	depID := uuid.New()
	orderID := orderRef("st", userID, uuid.New())

	mock.ExpectQuery("UPDATE incoming_deposits").
		WithArgs("stripe", "cs_test_2").
		WillReturnRows(claimRows(depID, userID, orderID, "25"))
	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)
	mock.ExpectExec("UPDATE incoming_deposits").
		WithArgs(depID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := svc.CreditDeposit(context.Background(), "stripe", "cs_test_2"); err == nil {
		t.Fatal("expected ledger failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStartDepositRejectsOutOfRange(t *testing.T) {
	svc, _ := newPaymentsService(t)

	_, err := svc.StartDeposit(context.Background(), uuid.New(),
		decimal.RequireFromString("1"), MethodCard)
	if err != ErrAmountOutOfRange {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
	_, err = svc.StartDeposit(context.Background(), uuid.New(),
		decimal.RequireFromString("1000"), MethodCard)
	if err != ErrAmountOutOfRange {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
}

func TestOrderRefRoundTrip(t *testing.T) {
	userID := uuid.New()
	billingID := uuid.New()
	ref := orderRef("np", userID, billingID)

	gotUser, gotBilling, err := parseOrderRef("np", ref)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gotUser != userID {
		t.Fatalf("user id mismatch: %s", gotUser)
	}
	if gotBilling != billingID.String() {
		t.Fatalf("billing id mismatch: %s", gotBilling)
	}

	for _, bad := range []string{"", "np-", "np-not-a-uuid-at-all", "sq-" + userID.String() + "-x"} {
		if _, _, err := parseOrderRef("np", bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
