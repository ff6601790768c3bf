package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/numbers"
	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/internal/users"
)

type fakeStarter struct {
	started []pipecat.StartRequest
	err     error
}

func (f *fakeStarter) StartSession(_ context.Context, _ string, req pipecat.StartRequest) (*pipecat.StartResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, req)
	return &pipecat.StartResponse{RoomURL: "https://rooms.example/r/1"}, nil
}

type fakeRouting struct {
	disabled []uuid.UUID
}

func (f *fakeRouting) DisableInbound(_ context.Context, userID uuid.UUID) error {
	f.disabled = append(f.disabled, userID)
	return nil
}

func numberRowCols() []string {
	return []string{
		"id", "user_id", "provider_number_id", "phone_number",
		"assigned_agent_id", "dial_in_config_id",
		"cancel_pending", "cancel_pending_since", "cancel_after", "cancel_billed_to",
		"notice_initial_sent_at", "notice_reminder_sent_at", "created_at",
	}
}

func agentRowCols() []string {
	return []string{
		"id", "user_id", "display_name", "greeting", "prompt", "voice_id",
		"background_audio_url", "background_audio_gain", "transfer_to_number",
		"inbound_transfer_enabled", "inbound_transfer_number",
		"runtime_service_name", "runtime_secret_set_name", "runtime_region",
		"action_token_hash", "action_token_ciphertext", "action_token_iv", "action_token_tag",
		"default_doc_template_id", "created_at",
	}
}

func newCoordinator(t *testing.T, mock pgxmock.PgxPoolIface, starter *fakeStarter, routing *fakeRouting) *Coordinator {
	t.Helper()
	return NewCoordinator(
		NewRepository(mock),
		numbers.NewRepository(mock),
		agents.NewRepository(mock),
		users.NewRepository(mock),
		starter,
		routing,
		nil,
		CoordinatorConfig{
			WebhookToken:        "hook-token",
			MinCreditForInbound: decimal.RequireFromString("0.50"),
			BalanceFailClosed:   true,
		},
		nil,
	)
}

func expectNumberLookup(mock pgxmock.PgxPoolIface, to string, numberID, userID uuid.UUID, agentID *uuid.UUID) {
	mock.ExpectQuery(`FROM external_numbers WHERE phone_number = \$1`).
		WithArgs(to).
		WillReturnRows(pgxmock.NewRows(numberRowCols()).AddRow(
			numberID, userID, "prov-1", to,
			agentID, ptr("cfg-1"), false, nil, nil, nil, nil, nil, time.Now()))
}

func expectAgentLookup(mock pgxmock.PgxPoolIface, agentID, userID uuid.UUID) {
	mock.ExpectQuery(`FROM agents WHERE id = \$1`).
		WithArgs(agentID).
		WillReturnRows(pgxmock.NewRows(agentRowCols()).AddRow(
			agentID, userID, "Front Desk", "Hi", "Prompt", "voice-1",
			nil, nil, nil, false, nil,
			"agent-x", "agent-x-secrets", "us-east-1",
			nil, nil, nil, nil, nil, time.Now()))
}

func expectCallUpsert(mock pgxmock.PgxPoolIface, rowID uuid.UUID) {
	mock.ExpectQuery(`INSERT INTO call_logs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(rowID, time.Now()))
}

func TestDialInRejectsBadToken(t *testing.T) {
	mock := newMock(t)
	c := newCoordinator(t, mock, &fakeStarter{}, &fakeRouting{})
	_, err := c.HandleDialIn(context.Background(), DialInRequest{Token: "wrong"})
	if !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
}

func TestDialInRejectsUnknownNumber(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM external_numbers WHERE phone_number = \$1`).
		WithArgs("+15125551111").
		WillReturnError(errors.New("no rows in result set"))

	c := newCoordinator(t, mock, &fakeStarter{}, &fakeRouting{})
	_, err := c.HandleDialIn(context.Background(), DialInRequest{
		To: "+15125551111", From: "+15125550000",
		CallID: "c1", CallDomain: "d1", Token: "hook-token",
	})
	if err == nil {
		t.Fatal("expected error for unknown number")
	}
}

func TestDialInBlocksOnLowBalance(t *testing.T) {
	mock := newMock(t)
	numberID, userID, agentID, rowID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	expectNumberLookup(mock, "+15125551111", numberID, userID, &agentID)
	expectAgentLookup(mock, agentID, userID)
	expectCallUpsert(mock, rowID)
	mock.ExpectQuery(`SELECT balance::text FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("0.25"))
	mock.ExpectExec(`UPDATE call_logs SET status = \$2`).
		WithArgs(rowID, StatusBlockedFunds).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	starter := &fakeStarter{}
	routing := &fakeRouting{}
	c := newCoordinator(t, mock, starter, routing)
	_, err := c.HandleDialIn(context.Background(), DialInRequest{
		To: "+15125551111", From: "+15125550000",
		CallID: "c1", CallDomain: "d1", Token: "hook-token",
	})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if len(starter.started) != 0 {
		t.Fatal("session must not start for a blocked call")
	}
	if len(routing.disabled) != 1 || routing.disabled[0] != userID {
		t.Fatalf("inbound routing not disabled: %v", routing.disabled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDialInFailClosedOnBalanceError(t *testing.T) {
	mock := newMock(t)
	numberID, userID, agentID, rowID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	expectNumberLookup(mock, "+15125551111", numberID, userID, &agentID)
	expectAgentLookup(mock, agentID, userID)
	expectCallUpsert(mock, rowID)
	mock.ExpectQuery(`SELECT balance::text FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(`UPDATE call_logs SET status = \$2`).
		WithArgs(rowID, StatusBlockedCheckFailed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	c := newCoordinator(t, mock, &fakeStarter{}, &fakeRouting{})
	_, err := c.HandleDialIn(context.Background(), DialInRequest{
		To: "+15125551111", From: "+15125550000",
		CallID: "c1", CallDomain: "d1", Token: "hook-token",
	})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDialInStartsSession(t *testing.T) {
	mock := newMock(t)
	numberID, userID, agentID, rowID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	expectNumberLookup(mock, "+15125551111", numberID, userID, &agentID)
	expectAgentLookup(mock, agentID, userID)
	expectCallUpsert(mock, rowID)
	mock.ExpectQuery(`SELECT balance::text FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("20"))
	mock.ExpectExec(`UPDATE call_logs SET status = \$2`).
		WithArgs(rowID, StatusPipecatStarted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	starter := &fakeStarter{}
	c := newCoordinator(t, mock, starter, &fakeRouting{})
	resp, err := c.HandleDialIn(context.Background(), DialInRequest{
		To: "+15125551111", From: "+15125550000",
		CallID: "c1", CallDomain: "d1", Token: "hook-token",
	})
	if err != nil {
		t.Fatalf("dial-in: %v", err)
	}
	if resp.RoomURL == "" {
		t.Fatal("expected room url")
	}
	if len(starter.started) != 1 {
		t.Fatalf("expected one session start, got %d", len(starter.started))
	}
	req := starter.started[0]
	if !req.CreateDailyRoom || req.Body.Mode != "dialin" {
		t.Fatalf("unexpected start request: %+v", req)
	}
	if req.Body.DialinSettings == nil || req.Body.DialinSettings.CallID != "c1" {
		t.Fatalf("dialin settings not propagated: %+v", req.Body.DialinSettings)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDialInMarksStartFailure(t *testing.T) {
	mock := newMock(t)
	numberID, userID, agentID, rowID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	expectNumberLookup(mock, "+15125551111", numberID, userID, &agentID)
	expectAgentLookup(mock, agentID, userID)
	expectCallUpsert(mock, rowID)
	mock.ExpectQuery(`SELECT balance::text FROM users WHERE id = \$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow("20"))
	mock.ExpectExec(`UPDATE call_logs SET status = \$2`).
		WithArgs(rowID, StatusPipecatStartFailed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	c := newCoordinator(t, mock, &fakeStarter{err: errors.New("runtime down")}, &fakeRouting{})
	_, err := c.HandleDialIn(context.Background(), DialInRequest{
		To: "+15125551111", From: "+15125550000",
		CallID: "c1", CallDomain: "d1", Token: "hook-token",
	})
	if !errors.Is(err, ErrSessionStart) {
		t.Fatalf("expected ErrSessionStart, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
