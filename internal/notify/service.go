package notify

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/numbers"
	"github.com/voxwire/voxwire/pkg/logging"
)

// Service sends platform notices to account owners.
type Service struct {
	email  EmailSender
	logger *logging.Logger
}

// NewService creates a notification service.
func NewService(email EmailSender, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{email: email, logger: logger}
}

// SendGraceNotice warns an owner that a number is scheduled for release
// unless the wallet is topped up before the deadline.
func (s *Service) SendGraceNotice(ctx context.Context, notice numbers.GraceNotice) error {
	if s.email == nil {
		s.logger.Debug("notify: email sender not configured, skipping grace notice")
		return nil
	}

	deadline := notice.CancelAfter.Format("Monday, January 2 at 3:04 PM MST")
	fee := "$" + notice.MonthlyFee.StringFixed(2)

	subject := fmt.Sprintf("Action needed: %s will be released soon", notice.PhoneNumber)
	if notice.Reminder {
		subject = fmt.Sprintf("Final reminder: %s will be released tomorrow", notice.PhoneNumber)
	}

	body := fmt.Sprintf(`Your phone number %s could not be renewed because your wallet balance
is below the monthly fee of %s.

Unless you add funds before %s, the number will be released back to the
carrier and cannot be recovered.

Top up your balance in the portal to keep the number. Renewal happens
automatically once funds are available.

— Voxwire`, notice.PhoneNumber, fee, deadline)

	html := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<h2 style="color: #ef4444;">Your number %s is at risk</h2>
<p>We could not renew this number because your wallet balance is below the
monthly fee of <strong>%s</strong>.</p>
<p style="background: #fef2f2; padding: 12px; border-radius: 8px; border-left: 4px solid #ef4444;">
  Unless you add funds before <strong>%s</strong>, the number will be
  released back to the carrier and cannot be recovered.
</p>
<p>Top up your balance in the portal to keep the number. Renewal happens
automatically once funds are available.</p>
<p style="color: #6b7280; font-size: 12px; margin-top: 20px;">— Voxwire</p>
</div>`, notice.PhoneNumber, fee, deadline)

	if err := s.email.Send(ctx, EmailMessage{
		To:      notice.Email,
		Subject: subject,
		Body:    body,
		HTML:    html,
	}); err != nil {
		s.logger.Error("notify: failed to send grace notice",
			"error", err, "to", notice.Email, "phone_number", notice.PhoneNumber)
		return fmt.Errorf("notify: grace notice: %w", err)
	}
	s.logger.Info("notify: grace notice sent",
		"to", notice.Email, "phone_number", notice.PhoneNumber, "reminder", notice.Reminder)
	return nil
}

// SendDepositReceipt confirms a credited wallet deposit.
func (s *Service) SendDepositReceipt(ctx context.Context, email string, amount decimal.Decimal, processor string) error {
	if s.email == nil {
		return nil
	}
	amountStr := "$" + amount.StringFixed(2)
	body := fmt.Sprintf(`We received your %s payment of %s and credited it to your wallet.

Your balance is available immediately for calls, numbers, and agent actions.

— Voxwire`, processor, amountStr)
	if err := s.email.Send(ctx, EmailMessage{
		To:      email,
		Subject: fmt.Sprintf("Deposit received: %s", amountStr),
		Body:    body,
	}); err != nil {
		s.logger.Error("notify: failed to send deposit receipt", "error", err, "to", email)
		return fmt.Errorf("notify: deposit receipt: %w", err)
	}
	return nil
}
