package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/click2mail"
	"github.com/voxwire/voxwire/internal/mailer"
	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/internal/sms"
)

type fakeEngine struct {
	chargeErr error
	charges   []billing.ChargeParams
	refunds   []billing.RefundParams
}

func (f *fakeEngine) Charge(_ context.Context, params billing.ChargeParams) (*billing.ChargeResult, error) {
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.charges = append(f.charges, params)
	return &billing.ChargeResult{TransactionID: uuid.New()}, nil
}

func (f *fakeEngine) Refund(_ context.Context, params billing.RefundParams) (*billing.RefundResult, error) {
	f.refunds = append(f.refunds, params)
	return &billing.RefundResult{TransactionID: uuid.New()}, nil
}

type fakeEmail struct {
	err  error
	sent []mailer.Message
}

func (f *fakeEmail) Send(_ context.Context, _ uuid.UUID, msg mailer.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeSMS struct {
	sent []sms.SendRequest
}

func (f *fakeSMS) Send(_ context.Context, req sms.SendRequest) (*sms.SendResponse, error) {
	f.sent = append(f.sent, req)
	return &sms.SendResponse{MessageID: "msg-1"}, nil
}

type fakeMail struct {
	nonmailable bool
	estimate    decimal.Decimal
	submitted   []string
}

func (f *fakeMail) CorrectAddress(_ context.Context, addr click2mail.Address) (*click2mail.CorrectedAddress, error) {
	return &click2mail.CorrectedAddress{Address: addr, Nonmailable: f.nonmailable}, nil
}

func (f *fakeMail) EstimateCost(_ context.Context, _ int) (decimal.Decimal, error) {
	return f.estimate, nil
}

func (f *fakeMail) CreateBatch(_ context.Context, _ string) (*click2mail.Batch, error) {
	return &click2mail.Batch{ID: "batch-7"}, nil
}

func (f *fakeMail) UploadDocument(_ context.Context, _, _ string, _ []byte) error { return nil }

func (f *fakeMail) SubmitBatch(_ context.Context, batchID string) error {
	f.submitted = append(f.submitted, batchID)
	return nil
}

func (f *fakeMail) Tracking(_ context.Context, _ string) (string, error) {
	return "9400100000000000000000", nil
}

type fakeMeetingRuntime struct{}

func (f *fakeMeetingRuntime) StartSession(_ context.Context, _ string, _ pipecat.StartRequest) (*pipecat.StartResponse, error) {
	return &pipecat.StartResponse{RoomURL: "https://rooms.example/m/1"}, nil
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

func testAgent() *agents.Agent {
	return &agents.Agent{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		DisplayName:        "Front Desk",
		RuntimeServiceName: "agent-x",
	}
}

func newService(mock pgxmock.PgxPoolIface, engine *fakeEngine, email emailSender,
	smsClient smsSender, mail mailProvider, cfg ServiceConfig) *Service {
	return NewService(NewRepository(mock), agents.NewRepository(mock), engine,
		email, smsClient, nil, mail, &fakeMeetingRuntime{}, nil, cfg, nil)
}

func actionCols() []string {
	return []string{
		"id", "user_id", "agent_id", "kind", "template_id", "dedupe_key",
		"call_id", "call_domain", "recipient_email", "recipient_phone",
		"recipient_name", "recipient_address", "subject", "body", "status",
		"attempt_count", "provider_message_id", "provider_batch_id",
		"tracking_number", "price", "billed", "billing_transaction_id",
		"refund_status", "error", "raw_payload", "created_at", "updated_at",
	}
}

func expectInsertPending(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery(`INSERT INTO action_sends`).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
}

func TestSendEmailChargesThenRefundsOnFailure(t *testing.T) {
	mock := newMock(t)
	expectInsertPending(mock)
	mock.ExpectExec(`UPDATE action_sends SET price = \$2`).
		WithArgs(pgxmock.AnyArg(), "1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET status = 'failed', error = \$2`).
		WithArgs(pgxmock.AnyArg(), "smtp down").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	engine := &fakeEngine{}
	svc := newService(mock, engine, &fakeEmail{err: errors.New("smtp down")}, nil, nil,
		ServiceConfig{EmailCost: decimal.RequireFromString("1")})

	_, err := svc.SendEmail(context.Background(), testAgent(), EmailRequest{
		To: "carol@example.com", Subject: "Hi", Body: "Hello",
	})
	var pf *ProviderFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if !pf.Refunded {
		t.Fatalf("charge must be reversed after provider failure")
	}
	if len(engine.charges) != 1 || !engine.charges[0].Strict {
		t.Fatalf("expected one strict charge, got %+v", engine.charges)
	}
	if len(engine.refunds) != 1 || !engine.refunds[0].Amount.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected full refund, got %+v", engine.refunds)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSendEmailRetryReopensFailedRow(t *testing.T) {
	mock := newMock(t)
	rowID, userID := uuid.New(), uuid.New()
	now := time.Now()

	// The dedupe key is taken; the prior attempt ended failed.
	mock.ExpectQuery(`INSERT INTO action_sends`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM action_sends WHERE dedupe_key = \$1`).
		WillReturnRows(pgxmock.NewRows(actionCols()).AddRow(
			rowID, userID, nil, KindEmail, nil, "key-1",
			nil, nil, ptr("carol@example.com"), nil,
			nil, nil, ptr("Hi"), ptr("Hello"), StatusFailed,
			1, nil, nil,
			nil, nil, false, nil,
			"completed", ptr("smtp down"), nil, now, now))
	mock.ExpectExec(`SET status = 'pending', attempt_count = attempt_count \+ 1`).
		WithArgs(rowID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE action_sends SET price = \$2`).
		WithArgs(rowID, "1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET status = 'completed'`).
		WithArgs(rowID, "", "", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	engine := &fakeEngine{}
	email := &fakeEmail{}
	svc := newService(mock, engine, email, nil, nil,
		ServiceConfig{EmailCost: decimal.RequireFromString("1")})

	res, err := svc.SendEmail(context.Background(), testAgent(), EmailRequest{
		To: "carol@example.com", Subject: "Hi", Body: "Hello", DedupeKey: "key-1",
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != OutcomeSent {
		t.Fatalf("outcome = %s, want success", res.Outcome)
	}
	if len(engine.charges) != 1 {
		t.Fatalf("retry must charge again, got %d charges", len(engine.charges))
	}
	if len(email.sent) != 1 {
		t.Fatalf("retry must send, got %d", len(email.sent))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompletedDedupeKeyReturnsAlreadySent(t *testing.T) {
	mock := newMock(t)
	rowID, userID := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO action_sends`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM action_sends WHERE dedupe_key = \$1`).
		WillReturnRows(pgxmock.NewRows(actionCols()).AddRow(
			rowID, userID, nil, KindSMS, nil, "key-2",
			nil, nil, nil, ptr("+15125550100"),
			nil, nil, nil, ptr("On our way"), StatusCompleted,
			1, ptr("msg-1"), nil,
			nil, ptr("0.25"), true, ptr(uuid.New()),
			"none", nil, nil, now, now))

	engine := &fakeEngine{}
	smsClient := &fakeSMS{}
	svc := newService(mock, engine, nil, smsClient, nil,
		ServiceConfig{SMSCost: decimal.RequireFromString("0.25")})

	res, err := svc.SendSMS(context.Background(), testAgent(), SMSRequest{
		To: "+15125550100", Text: "On our way", DedupeKey: "key-2",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Outcome != OutcomeAlreadySent {
		t.Fatalf("outcome = %s, want already_sent", res.Outcome)
	}
	if len(engine.charges) != 0 || len(smsClient.sent) != 0 {
		t.Fatalf("duplicate must neither charge nor send")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPendingDedupeKeyReturnsInProgress(t *testing.T) {
	mock := newMock(t)
	rowID, userID := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO action_sends`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM action_sends WHERE dedupe_key = \$1`).
		WillReturnRows(pgxmock.NewRows(actionCols()).AddRow(
			rowID, userID, nil, KindEmail, nil, "key-3",
			nil, nil, ptr("carol@example.com"), nil,
			nil, nil, nil, ptr("Hello"), StatusPending,
			1, nil, nil,
			nil, nil, false, nil,
			"none", nil, nil, now, now))

	svc := newService(mock, &fakeEngine{}, &fakeEmail{}, nil, nil,
		ServiceConfig{EmailCost: decimal.RequireFromString("1")})

	res, err := svc.SendEmail(context.Background(), testAgent(), EmailRequest{
		To: "carol@example.com", Body: "Hello", DedupeKey: "key-3",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Outcome != OutcomeInProgress {
		t.Fatalf("outcome = %s, want in_progress", res.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsufficientFundsFailsRowBeforeProvider(t *testing.T) {
	mock := newMock(t)
	expectInsertPending(mock)
	mock.ExpectExec(`UPDATE action_sends SET price = \$2`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET status = 'failed', error = \$2`).
		WithArgs(pgxmock.AnyArg(), "insufficient funds").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	engine := &fakeEngine{chargeErr: billing.ErrInsufficientFunds}
	smsClient := &fakeSMS{}
	svc := newService(mock, engine, nil, smsClient, nil,
		ServiceConfig{SMSCost: decimal.RequireFromString("0.25")})

	_, err := svc.SendSMS(context.Background(), testAgent(), SMSRequest{
		To: "+15125550100", Text: "hi",
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(smsClient.sent) != 0 {
		t.Fatalf("provider must not be invoked without a successful charge")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNonmailableAddressFailsBeforeCharge(t *testing.T) {
	mock := newMock(t)
	expectInsertPending(mock)
	mock.ExpectExec(`SET status = 'failed', error = \$2`).
		WithArgs(pgxmock.AnyArg(), "address is not mailable").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	engine := &fakeEngine{}
	svc := newService(mock, engine, nil, nil, &fakeMail{nonmailable: true},
		ServiceConfig{
			MailEnabled:       true,
			MailMarkupFlat:    decimal.RequireFromString("1"),
			MailMarkupPercent: decimal.RequireFromString("0.2"),
		})

	_, err := svc.SendMail(context.Background(), testAgent(), MailRequest{
		Recipient: click2mail.Address{
			Name: "Carol", Line1: "1 Nowhere Rd", City: "Austin", State: "TX", Zip: "78701",
		},
		Body: "Dear Carol,\n\nYour order shipped.",
	})
	if !errors.Is(err, ErrNonmailable) {
		t.Fatalf("expected nonmailable, got %v", err)
	}
	if len(engine.charges) != 0 {
		t.Fatalf("nonmailable address must never be charged")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSendMailChargesEstimatePlusMarkup(t *testing.T) {
	mock := newMock(t)
	expectInsertPending(mock)
	// estimate 0.89 + flat 1.00 + 20% of 0.89 = 2.068
	mock.ExpectExec(`UPDATE action_sends SET price = \$2`).
		WithArgs(pgxmock.AnyArg(), "2.068").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET status = 'completed'`).
		WithArgs(pgxmock.AnyArg(), "", "batch-7", "9400100000000000000000").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	engine := &fakeEngine{}
	mail := &fakeMail{estimate: decimal.RequireFromString("0.89")}
	svc := newService(mock, engine, nil, nil, mail,
		ServiceConfig{
			MailEnabled:       true,
			MailMarkupFlat:    decimal.RequireFromString("1"),
			MailMarkupPercent: decimal.RequireFromString("0.2"),
		})

	res, err := svc.SendMail(context.Background(), testAgent(), MailRequest{
		Recipient: click2mail.Address{
			Name: "Carol", Line1: "100 Congress Ave", City: "Austin", State: "TX", Zip: "78701",
		},
		Body: "Dear Carol,\n\nYour order shipped.",
	})
	if err != nil {
		t.Fatalf("send mail: %v", err)
	}
	if res.Refs.BatchID != "batch-7" {
		t.Fatalf("batch id not recorded: %+v", res.Refs)
	}
	if len(mail.submitted) != 1 {
		t.Fatalf("batch must be submitted once, got %d", len(mail.submitted))
	}
	if !engine.charges[0].Amount.Equal(decimal.RequireFromString("2.068")) {
		t.Fatalf("charge = %s, want 2.068", engine.charges[0].Amount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM agents WHERE action_token_hash = \$1`).
		WillReturnError(pgx.ErrNoRows)

	svc := newService(mock, &fakeEngine{}, nil, nil, nil, ServiceConfig{})
	if _, err := svc.Authenticate(context.Background(), "bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
