package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/ledger"
	"github.com/voxwire/voxwire/pkg/logging"
)

// Deposit methods.
const (
	MethodCard   = "card"
	MethodCrypto = "crypto"
	MethodACH    = "ach"
)

// ErrAmountOutOfRange rejects deposits outside the configured window.
var ErrAmountOutOfRange = errors.New("payments: amount outside allowed range")

// ServiceConfig holds the deposit policy.
type ServiceConfig struct {
	PublicBaseURL string
	CardProvider  string // "square" or "stripe"
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
}

// Service creates deposit checkouts and settles verified webhook deliveries
// into the wallet, exactly once per deposit.
type Service struct {
	repo   *Repository
	ledger *ledger.Ledger
	square *SquareCheckout
	stripe *StripeCheckout
	crypto *CryptoClient
	ach    *ACHClient
	cfg    ServiceConfig
	logger *logging.Logger
}

func NewService(repo *Repository, l *ledger.Ledger, square *SquareCheckout,
	stripe *StripeCheckout, crypto *CryptoClient, ach *ACHClient,
	cfg ServiceConfig, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:   repo,
		ledger: l,
		square: square,
		stripe: stripe,
		crypto: crypto,
		ach:    ach,
		cfg:    cfg,
		logger: logger.Component("payments"),
	}
}

// DepositCheckout is the hosted page the user is sent to.
type DepositCheckout struct {
	URL     string
	OrderID string
}

// StartDeposit creates a processor checkout for a wallet top-up and records
// the pending deposit row the webhook will later credit.
func (s *Service) StartDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, method string) (*DepositCheckout, error) {
	if amount.LessThan(s.cfg.MinAmount) || amount.GreaterThan(s.cfg.MaxAmount) {
		return nil, ErrAmountOutOfRange
	}
	billingID := uuid.New()
	successURL := s.cfg.PublicBaseURL + "/billing?deposit=success"
	cancelURL := s.cfg.PublicBaseURL + "/billing?deposit=cancelled"

	switch method {
	case MethodCard:
		if s.cfg.CardProvider == "stripe" {
			return s.startStripeDeposit(ctx, userID, billingID, amount, successURL, cancelURL)
		}
		return s.startSquareDeposit(ctx, userID, billingID, amount, successURL)
	case MethodCrypto:
		return s.startCryptoDeposit(ctx, userID, billingID, amount, successURL, cancelURL)
	case MethodACH:
		return s.startACHDeposit(ctx, userID, billingID, amount)
	default:
		return nil, fmt.Errorf("payments: unknown deposit method %q", method)
	}
}

func (s *Service) startSquareDeposit(ctx context.Context, userID, billingID uuid.UUID, amount decimal.Decimal, successURL string) (*DepositCheckout, error) {
	if s.square == nil {
		return nil, errors.New("payments: square checkout not configured")
	}
	orderID := orderRef("sq", userID, billingID)
	link, err := s.square.CreatePaymentLink(ctx, SquareLinkParams{
		IdempotencyKey: billingID.String(),
		Name:           "Wallet deposit",
		AmountCents:    amount.Mul(decimal.NewFromInt(100)).IntPart(),
		RedirectURL:    successURL,
		Metadata: map[string]string{
			"user_id":    userID.String(),
			"billing_id": billingID.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpsertDeposit(ctx, &IncomingDeposit{
		UserID:    userID,
		Processor: "square",
		RemoteID:  link.OrderID,
		OrderID:   orderID,
		Amount:    amount,
		Status:    "pending",
	}); err != nil {
		return nil, err
	}
	return &DepositCheckout{URL: link.URL, OrderID: orderID}, nil
}

func (s *Service) startStripeDeposit(ctx context.Context, userID, billingID uuid.UUID, amount decimal.Decimal, successURL, cancelURL string) (*DepositCheckout, error) {
	if s.stripe == nil {
		return nil, errors.New("payments: stripe checkout not configured")
	}
	orderID := orderRef("st", userID, billingID)
	session, err := s.stripe.CreateSession(ctx, StripeSessionParams{
		AmountCents:       amount.Mul(decimal.NewFromInt(100)).IntPart(),
		ProductName:       "Wallet deposit",
		ClientReferenceID: orderID,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpsertDeposit(ctx, &IncomingDeposit{
		UserID:    userID,
		Processor: "stripe",
		RemoteID:  session.ID,
		OrderID:   orderID,
		Amount:    amount,
		Status:    "pending",
	}); err != nil {
		return nil, err
	}
	return &DepositCheckout{URL: session.URL, OrderID: orderID}, nil
}

func (s *Service) startCryptoDeposit(ctx context.Context, userID, billingID uuid.UUID, amount decimal.Decimal, successURL, cancelURL string) (*DepositCheckout, error) {
	if s.crypto == nil {
		return nil, errors.New("payments: crypto checkout not configured")
	}
	orderID := orderRef("np", userID, billingID)
	invoice, err := s.crypto.CreateInvoice(ctx, CryptoInvoiceParams{
		PriceAmount:    amount,
		PriceCurrency:  "usd",
		OrderID:        orderID,
		IPNCallbackURL: s.cfg.PublicBaseURL + "/api/v1/webhooks/crypto",
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpsertDeposit(ctx, &IncomingDeposit{
		UserID:    userID,
		Processor: "crypto",
		RemoteID:  invoice.ID,
		OrderID:   orderID,
		Amount:    amount,
		Status:    "waiting",
	}); err != nil {
		return nil, err
	}
	return &DepositCheckout{URL: invoice.InvoiceURL, OrderID: orderID}, nil
}

func (s *Service) startACHDeposit(ctx context.Context, userID, billingID uuid.UUID, amount decimal.Decimal) (*DepositCheckout, error) {
	if s.ach == nil {
		return nil, errors.New("payments: ach checkout not configured")
	}
	orderID := orderRef("ach", userID, billingID)
	invoice, err := s.ach.CreateInvoice(ctx, ACHInvoiceParams{
		Amount:      amount,
		Description: "Wallet deposit",
		ReferenceID: orderID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpsertDeposit(ctx, &IncomingDeposit{
		UserID:    userID,
		Processor: "ach",
		RemoteID:  invoice.ID,
		OrderID:   orderID,
		Amount:    amount,
		Status:    "pending",
	}); err != nil {
		return nil, err
	}
	return &DepositCheckout{URL: invoice.PaymentURL, OrderID: orderID}, nil
}

// CreditDeposit settles the deposit into the wallet exactly once. The claim
// on the credited flag is the mutual exclusion; a failed ledger write
// releases the claim so the processor's retry can try again.
func (s *Service) CreditDeposit(ctx context.Context, processor, remoteID string) error {
	dep, claimed, err := s.repo.ClaimCredit(ctx, processor, remoteID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	entry, err := s.ledger.Adjust(ctx, ledger.AdjustParams{
		UserID:        dep.UserID,
		Amount:        dep.Amount,
		Description:   fmt.Sprintf("Deposit via %s (%s)", processor, dep.OrderID),
		Kind:          ledger.KindCredit,
		PaymentMethod: processor,
		ReferenceID:   dep.OrderID,
	})
	if err != nil {
		if relErr := s.repo.ReleaseCredit(ctx, dep.ID); relErr != nil {
			s.logger.Error("release credit claim failed",
				"deposit_id", dep.ID, "error", relErr)
		}
		return fmt.Errorf("payments: credit deposit: %w", err)
	}
	if err := s.repo.StampCredit(ctx, dep.ID, entry.ID); err != nil {
		return err
	}
	s.logger.Info("deposit credited",
		"processor", processor, "remote_id", remoteID,
		"user_id", dep.UserID, "amount", dep.Amount.String(),
		"transaction_id", entry.ID)
	return nil
}

// LinkParams describes an agent-issued hosted payment link.
type LinkParams struct {
	UserID        uuid.UUID
	Provider      string
	AmountCents   int64
	Description   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	CallID        string
	CallDomain    string
}

// CreatePaymentLink creates the hosted checkout for a mid-call payment
// request and records the row the processor webhook will later resolve.
func (s *Service) CreatePaymentLink(ctx context.Context, params LinkParams) (*PaymentRequest, error) {
	provider := params.Provider
	if provider == "" {
		provider = s.cfg.CardProvider
	}
	if provider == "" {
		provider = "square"
	}
	req := &PaymentRequest{
		UserID:        params.UserID,
		Provider:      provider,
		AmountCents:   params.AmountCents,
		Description:   params.Description,
		CustomerName:  optional(params.CustomerName),
		CustomerEmail: optional(params.CustomerEmail),
		CustomerPhone: optional(params.CustomerPhone),
		CallID:        optional(params.CallID),
		CallDomain:    optional(params.CallDomain),
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	var checkoutID, url string
	switch provider {
	case "stripe":
		if s.stripe == nil {
			return nil, errors.New("payments: stripe checkout not configured")
		}
		session, err := s.stripe.CreateSession(ctx, StripeSessionParams{
			AmountCents:       params.AmountCents,
			ProductName:       params.Description,
			ClientReferenceID: "pr-" + req.ID.String(),
			CustomerEmail:     params.CustomerEmail,
			SuccessURL:        s.cfg.PublicBaseURL + "/pay/success",
			CancelURL:         s.cfg.PublicBaseURL + "/pay/cancelled",
		})
		if err != nil {
			return nil, err
		}
		checkoutID, url = session.ID, session.URL
	default:
		if s.square == nil {
			return nil, errors.New("payments: square checkout not configured")
		}
		link, err := s.square.CreatePaymentLink(ctx, SquareLinkParams{
			IdempotencyKey: req.ID.String(),
			Name:           params.Description,
			AmountCents:    params.AmountCents,
			RedirectURL:    s.cfg.PublicBaseURL + "/pay/success",
			BuyerEmail:     params.CustomerEmail,
			BuyerPhone:     params.CustomerPhone,
			Metadata:       map[string]string{"payment_request_id": req.ID.String()},
		})
		if err != nil {
			return nil, err
		}
		checkoutID, url = link.OrderID, link.URL
	}
	if err := s.repo.SetRequestCheckout(ctx, req.ID, checkoutID, url); err != nil {
		return nil, err
	}
	req.ProviderCheckoutID = &checkoutID
	req.PaymentURL = url
	return req, nil
}

// orderRef builds "{prefix}-{user_id}-{billing_id}".
func orderRef(prefix string, userID, billingID uuid.UUID) string {
	return fmt.Sprintf("%s-%s-%s", prefix, userID, billingID)
}

// parseOrderRef splits "{prefix}-{user_id}-{billing_id}" back apart.
func parseOrderRef(prefix, ref string) (uuid.UUID, string, error) {
	rest, ok := strings.CutPrefix(ref, prefix+"-")
	if !ok || len(rest) < 37 {
		return uuid.Nil, "", fmt.Errorf("payments: malformed order ref %q", ref)
	}
	userID, err := uuid.Parse(rest[:36])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("payments: malformed order ref %q: %w", ref, err)
	}
	billing := strings.TrimPrefix(rest[36:], "-")
	if billing == "" {
		return uuid.Nil, "", fmt.Errorf("payments: malformed order ref %q", ref)
	}
	return userID, billing, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
