package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/numbers"
)

type fakeEmailSender struct {
	sent []EmailMessage
	err  error
}

func (f *fakeEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestGraceNoticeContainsFeeAndDeadline(t *testing.T) {
	sender := &fakeEmailSender{}
	svc := NewService(sender, nil)

	deadline := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	err := svc.SendGraceNotice(context.Background(), numbers.GraceNotice{
		Email:       "owner@example.com",
		PhoneNumber: "+18005550100",
		MonthlyFee:  decimal.RequireFromString("14.4"),
		CancelAfter: deadline,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "owner@example.com" {
		t.Fatalf("wrong recipient: %s", msg.To)
	}
	if !strings.Contains(msg.Body, "$14.40") {
		t.Fatalf("body missing fee: %s", msg.Body)
	}
	if !strings.Contains(msg.Body, "March 14") {
		t.Fatalf("body missing deadline: %s", msg.Body)
	}
	if strings.Contains(msg.Subject, "Final reminder") {
		t.Fatalf("initial notice must not use reminder subject: %s", msg.Subject)
	}
}

func TestGraceReminderUsesFinalSubject(t *testing.T) {
	sender := &fakeEmailSender{}
	svc := NewService(sender, nil)

	err := svc.SendGraceNotice(context.Background(), numbers.GraceNotice{
		Email:       "owner@example.com",
		PhoneNumber: "+15125550100",
		MonthlyFee:  decimal.RequireFromString("10.2"),
		CancelAfter: time.Now().Add(20 * time.Hour),
		Reminder:    true,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(sender.sent[0].Subject, "Final reminder") {
		t.Fatalf("reminder subject missing: %s", sender.sent[0].Subject)
	}
}

func TestGraceNoticeWithoutSenderIsNoop(t *testing.T) {
	svc := NewService(nil, nil)
	err := svc.SendGraceNotice(context.Background(), numbers.GraceNotice{
		Email: "owner@example.com",
	})
	if err != nil {
		t.Fatalf("nil sender should be a noop, got %v", err)
	}
}
