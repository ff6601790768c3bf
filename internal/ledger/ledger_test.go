package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
)

func TestAdjustDebit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	userID := uuid.New()
	txnID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance::text FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("1.00000000"))
	mock.ExpectExec("UPDATE users SET balance").
		WithArgs("0.9825", userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(userID, "-0.0175", "AI inbound call", KindDebit, "balance", "call-1",
			"1", "0.9825", StatusCompleted).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(txnID, time.Now()))
	mock.ExpectCommit()
	mock.ExpectRollback()

	l := New(mock, nil)
	entry, err := l.Adjust(context.Background(), AdjustParams{
		UserID:        userID,
		Amount:        decimal.RequireFromString("-0.0175"),
		Description:   "AI inbound call",
		Kind:          KindDebit,
		PaymentMethod: "balance",
		ReferenceID:   "call-1",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if entry.ID != txnID {
		t.Fatalf("unexpected txn id: %s", entry.ID)
	}
	if !entry.BalanceAfter.Equal(decimal.RequireFromString("0.9825")) {
		t.Fatalf("unexpected balance_after: %s", entry.BalanceAfter)
	}
}

func TestAdjustStrictInsufficientFunds(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance::text FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("1.00"))
	mock.ExpectRollback()

	l := New(mock, nil)
	_, err = l.Adjust(context.Background(), AdjustParams{
		UserID: userID,
		Amount: decimal.RequireFromString("-10.20"),
		Kind:   KindDebit,
		Strict: true,
	})
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdjustNonStrictAllowsNegativeBalance(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance::text FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("1.00"))
	mock.ExpectExec("UPDATE users SET balance").
		WithArgs("-9.2", userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(userID, "-10.2", "monthly fee", KindDebit, "", "",
			"1", "-9.2", StatusCompleted).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New(), time.Now()))
	mock.ExpectCommit()
	mock.ExpectRollback()

	l := New(mock, nil)
	entry, err := l.Adjust(context.Background(), AdjustParams{
		UserID:      userID,
		Amount:      decimal.RequireFromString("-10.2"),
		Description: "monthly fee",
		Kind:        KindDebit,
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !entry.BalanceAfter.IsNegative() {
		t.Fatalf("expected negative balance, got %s", entry.BalanceAfter)
	}
}

func TestAdjustRejectsUnknownKind(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	l := New(mock, nil)
	if _, err := l.Adjust(context.Background(), AdjustParams{
		UserID: uuid.New(),
		Amount: decimal.NewFromInt(1),
		Kind:   "bonus",
	}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
