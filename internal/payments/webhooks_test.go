package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func cryptoSign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCryptoWebhookCreditsFinishedDeposit(t *testing.T) {
	svc, mock := newPaymentsService(t)
	handler := NewCryptoWebhookHandler("ipn-secret", svc, NewProcessedStore(mock), nil)

	userID := uuid.New()
	depID := uuid.New()
	txnID := uuid.New()
	orderID := orderRef("np", userID, uuid.New())
	body := []byte(fmt.Sprintf(
		`{"payment_id":77,"payment_status":"finished","order_id":"%s","price_amount":25}`,
		orderID))

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("crypto", "77:finished").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO incoming_deposits").
		WithArgs(pgxmock.AnyArg(), userID, "crypto", "77", orderID, "25", "USD", "finished", nil).
		WillReturnRows(pgxmock.NewRows([]string{"id", "credited"}).AddRow(depID, false))
	mock.ExpectQuery("UPDATE incoming_deposits").
		WithArgs("crypto", "77").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "processor", "remote_id", "order_id", "amount", "currency", "status",
		}).AddRow(depID, userID, "crypto", "77", orderID, "25", "USD", "finished"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance::text FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("0"))
	mock.ExpectExec("UPDATE users SET balance").
		WithArgs("25", userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(txnID, time.Now()))
	mock.ExpectCommit()
	mock.ExpectRollback()
	mock.ExpectExec("UPDATE incoming_deposits").
		WithArgs(depID, txnID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("crypto", "77:finished").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := httptest.NewRequest("POST", "/api/v1/webhooks/crypto", strings.NewReader(string(body)))
	req.Header.Set("X-Nowpayments-Sig", cryptoSign("ipn-secret", body))
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCryptoWebhookWaitingStatusDoesNotCredit(t *testing.T) {
	svc, mock := newPaymentsService(t)
	handler := NewCryptoWebhookHandler("ipn-secret", svc, NewProcessedStore(mock), nil)

	userID := uuid.New()
	orderID := orderRef("np", userID, uuid.New())
	body := []byte(fmt.Sprintf(
		`{"payment_id":78,"payment_status":"waiting","order_id":"%s","price_amount":25}`,
		orderID))

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("crypto", "78:waiting").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO incoming_deposits").
		WillReturnRows(pgxmock.NewRows([]string{"id", "credited"}).AddRow(uuid.New(), false))
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("crypto", "78:waiting").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := httptest.NewRequest("POST", "/api/v1/webhooks/crypto", strings.NewReader(string(body)))
	req.Header.Set("X-Nowpayments-Sig", cryptoSign("ipn-secret", body))
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSquareWebhookRejectsBadSignature(t *testing.T) {
	svc, mock := newPaymentsService(t)
	handler := NewSquareWebhookHandler("sig-key", "https://api.example.com/api/v1/webhooks/square",
		svc, NewProcessedStore(mock), nil)

	req := httptest.NewRequest("POST", "/api/v1/webhooks/square",
		strings.NewReader(`{"event_id":"evt_1"}`))
	req.Header.Set("X-Square-HmacSha256-Signature", "bogus")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSquareWebhookCompletedPaymentCreditsDeposit(t *testing.T) {
	svc, mock := newPaymentsService(t)
	// Unconfigured key means development mode: accept and log loudly.
	handler := NewSquareWebhookHandler("", "", svc, NewProcessedStore(mock), nil)

	userID := uuid.New()
	depID := uuid.New()
	txnID := uuid.New()
	orderID := orderRef("sq", userID, uuid.New())
	body := `{"event_id":"evt_9","type":"payment.updated",
		"data":{"object":{"payment":{"id":"pay_1","status":"COMPLETED","order_id":"ord_1"}}}}`

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("square", "evt_9").
		WillReturnError(pgx.ErrNoRows)
	// No pending payment-link row matches, so it settles as a deposit.
	mock.ExpectExec("UPDATE payment_requests").
		WithArgs("square", "ord_1", RequestCompleted, "pay_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("UPDATE incoming_deposits").
		WithArgs("square", "ord_1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "processor", "remote_id", "order_id", "amount", "currency", "status",
		}).AddRow(depID, userID, "square", "ord_1", orderID, "50", "USD", "pending"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance::text FROM users").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("0"))
	mock.ExpectExec("UPDATE users SET balance").
		WithArgs("50", userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(txnID, time.Now()))
	mock.ExpectCommit()
	mock.ExpectRollback()
	mock.ExpectExec("UPDATE incoming_deposits").
		WithArgs(depID, txnID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("square", "evt_9").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := httptest.NewRequest("POST", "/api/v1/webhooks/square", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStripeWebhookSkipsProcessedEvent(t *testing.T) {
	svc, mock := newPaymentsService(t)
	handler := NewStripeWebhookHandler("", svc, NewProcessedStore(mock), nil)

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("stripe", "evt_5").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	body := `{"id":"evt_5","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_1","client_reference_id":"pr-abc"}}}`
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStripeWebhookResolvesPaymentLink(t *testing.T) {
	svc, mock := newPaymentsService(t)
	handler := NewStripeWebhookHandler("", svc, NewProcessedStore(mock), nil)

	reqID := uuid.New()
	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("stripe", "evt_6").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE payment_requests").
		WithArgs("stripe", "cs_2", RequestCompleted, "pi_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("stripe", "evt_6").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	body := fmt.Sprintf(`{"id":"evt_6","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_2","client_reference_id":"pr-%s","payment_intent":"pi_1"}}}`,
		reqID)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestACHWebhookIgnoresUnpaidStatus(t *testing.T) {
	svc, mock := newPaymentsService(t)
	handler := NewACHWebhookHandler("", svc, NewProcessedStore(mock), nil)

	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").
		WithArgs("ach", "inv_1:PENDING").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE incoming_deposits").
		WithArgs("ach", "inv_1", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO processed_webhook_events").
		WithArgs("ach", "inv_1:PENDING").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	body := `{"type":"invoice.updated","invoice":{"id":"inv_1","status":"PENDING","amount":40,"reference_id":"ach-x"}}`
	req := httptest.NewRequest("POST", "/api/v1/webhooks/ach", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
