package payments

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/pkg/logging"
)

// SquareWebhookHandler settles card deposits and agent payment links from
// the Square-style processor's event stream.
type SquareWebhookHandler struct {
	signatureKey  string
	configuredURL string
	service       *Service
	processed     processedTracker
	logger        *logging.Logger
}

func NewSquareWebhookHandler(signatureKey, configuredURL string, service *Service,
	processed processedTracker, logger *logging.Logger) *SquareWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SquareWebhookHandler{
		signatureKey:  signatureKey,
		configuredURL: configuredURL,
		service:       service,
		processed:     processed,
		logger:        logger.Component("webhook.square"),
	}
}

type squareEvent struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Object struct {
			Payment struct {
				ID       string            `json:"id"`
				Status   string            `json:"status"`
				OrderID  string            `json:"order_id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

func (h *SquareWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.signatureKey == "" {
		h.logger.Warn("SQUARE WEBHOOK SIGNATURE KEY NOT SET, accepting unverified delivery")
	} else if !verifySquareSignature(h.signatureKey, h.configuredURL, requestURL(r),
		payload, r.Header.Get("X-Square-HmacSha256-Signature")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var evt squareEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode square event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	eventID := evt.EventID
	if eventID == "" {
		eventID = evt.ID
	}
	if eventID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}
	if seen, err := h.processed.AlreadyProcessed(r.Context(), "square", eventID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if seen {
		w.WriteHeader(http.StatusOK)
		return
	}

	payment := evt.Data.Object.Payment
	switch payment.Status {
	case "COMPLETED":
		// An agent payment link resolves by the order id the link created;
		// anything left over is a wallet deposit.
		matched, err := h.service.repo.ResolveRequestByCheckout(r.Context(),
			"square", payment.OrderID, RequestCompleted, payment.ID)
		if err != nil {
			h.logger.Error("resolve payment request failed", "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if !matched {
			if err := h.service.CreditDeposit(r.Context(), "square", payment.OrderID); err != nil {
				h.logger.Error("credit square deposit failed",
					"order_id", payment.OrderID, "error", err)
				http.Error(w, "server error", http.StatusInternalServerError)
				return
			}
		}
	case "FAILED", "CANCELED":
		status := RequestFailed
		if payment.Status == "CANCELED" {
			status = RequestCancelled
		}
		if _, err := h.service.repo.ResolveRequestByCheckout(r.Context(),
			"square", payment.OrderID, status, payment.ID); err != nil {
			h.logger.Error("resolve payment request failed", "error", err)
		}
		if err := h.service.repo.SetDepositStatus(r.Context(),
			"square", payment.OrderID, strings.ToLower(payment.Status)); err != nil {
			h.logger.Error("set deposit status failed", "error", err)
		}
	}

	if _, err := h.processed.MarkProcessed(r.Context(), "square", eventID); err != nil {
		h.logger.Error("failed to record processed event", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// StripeWebhookHandler settles card deposits and agent payment links from
// checkout session events.
type StripeWebhookHandler struct {
	webhookSecret string
	service       *Service
	processed     processedTracker
	logger        *logging.Logger
	now           func() time.Time
}

func NewStripeWebhookHandler(webhookSecret string, service *Service,
	processed processedTracker, logger *logging.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		service:       service,
		processed:     processed,
		logger:        logger.Component("webhook.stripe"),
		now:           time.Now,
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string `json:"id"`
			ClientReferenceID string `json:"client_reference_id"`
			PaymentIntent     string `json:"payment_intent"`
			AmountTotal       int64  `json:"amount_total"`
		} `json:"object"`
	} `json:"data"`
}

func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.webhookSecret == "" {
		h.logger.Warn("STRIPE WEBHOOK SECRET NOT SET, accepting unverified delivery")
	} else if !verifyStripeSignature(h.webhookSecret, payload,
		r.Header.Get("Stripe-Signature"), h.now()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}
	if evt.Type != "checkout.session.completed" && evt.Type != "checkout.session.expired" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if seen, err := h.processed.AlreadyProcessed(r.Context(), "stripe", evt.ID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if seen {
		w.WriteHeader(http.StatusOK)
		return
	}

	session := evt.Data.Object
	switch {
	case evt.Type == "checkout.session.expired":
		if strings.HasPrefix(session.ClientReferenceID, "pr-") {
			if _, err := h.service.repo.ResolveRequestByCheckout(r.Context(),
				"stripe", session.ID, RequestExpired, ""); err != nil {
				h.logger.Error("resolve payment request failed", "error", err)
			}
		} else if err := h.service.repo.SetDepositStatus(r.Context(),
			"stripe", session.ID, "expired"); err != nil {
			h.logger.Error("set deposit status failed", "error", err)
		}
	case strings.HasPrefix(session.ClientReferenceID, "pr-"):
		if _, err := h.service.repo.ResolveRequestByCheckout(r.Context(),
			"stripe", session.ID, RequestCompleted, session.PaymentIntent); err != nil {
			h.logger.Error("resolve payment request failed", "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	default:
		// Wallet deposit: the session was upserted at checkout time, but a
		// redelivery after data loss can still recover user and amount from
		// the client reference id.
		if userID, _, err := parseOrderRef("st", session.ClientReferenceID); err == nil {
			amount := decimal.NewFromInt(session.AmountTotal).Div(decimal.NewFromInt(100))
			if err := h.service.repo.UpsertDeposit(r.Context(), &IncomingDeposit{
				UserID:    userID,
				Processor: "stripe",
				RemoteID:  session.ID,
				OrderID:   session.ClientReferenceID,
				Amount:    amount,
				Status:    "completed",
			}); err != nil {
				h.logger.Error("upsert stripe deposit failed", "error", err)
				http.Error(w, "server error", http.StatusInternalServerError)
				return
			}
		}
		if err := h.service.CreditDeposit(r.Context(), "stripe", session.ID); err != nil {
			h.logger.Error("credit stripe deposit failed", "session_id", session.ID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}

	if _, err := h.processed.MarkProcessed(r.Context(), "stripe", evt.ID); err != nil {
		h.logger.Error("failed to record processed event", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// CryptoWebhookHandler consumes the crypto processor's IPN callbacks. Only
// the finished status credits the wallet.
type CryptoWebhookHandler struct {
	ipnSecret string
	service   *Service
	processed processedTracker
	logger    *logging.Logger
}

func NewCryptoWebhookHandler(ipnSecret string, service *Service,
	processed processedTracker, logger *logging.Logger) *CryptoWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CryptoWebhookHandler{
		ipnSecret: ipnSecret,
		service:   service,
		processed: processed,
		logger:    logger.Component("webhook.crypto"),
	}
}

type cryptoIPN struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	OrderID       string      `json:"order_id"`
	PriceAmount   json.Number `json:"price_amount"`
}

func (h *CryptoWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.ipnSecret == "" {
		h.logger.Warn("CRYPTO IPN SECRET NOT SET, accepting unverified delivery")
	} else if !verifyCryptoSignature(h.ipnSecret, payload, r.Header.Get("X-Nowpayments-Sig")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var ipn cryptoIPN
	if err := json.Unmarshal(payload, &ipn); err != nil {
		h.logger.Error("failed to decode crypto ipn", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	remoteID := ipn.PaymentID.String()
	if remoteID == "" || ipn.OrderID == "" {
		http.Error(w, "missing payment id", http.StatusBadRequest)
		return
	}
	eventID := remoteID + ":" + ipn.PaymentStatus
	if seen, err := h.processed.AlreadyProcessed(r.Context(), "crypto", eventID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if seen {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID, _, err := parseOrderRef("np", ipn.OrderID)
	if err != nil {
		h.logger.Warn("crypto ipn with foreign order id", "order_id", ipn.OrderID)
		w.WriteHeader(http.StatusOK)
		return
	}
	amount, err := decimal.NewFromString(ipn.PriceAmount.String())
	if err != nil {
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}
	if err := h.service.repo.UpsertDeposit(r.Context(), &IncomingDeposit{
		UserID:    userID,
		Processor: "crypto",
		RemoteID:  remoteID,
		OrderID:   ipn.OrderID,
		Amount:    amount,
		Status:    ipn.PaymentStatus,
	}); err != nil {
		h.logger.Error("upsert crypto deposit failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if ipn.PaymentStatus == CryptoStatusFinished {
		if err := h.service.CreditDeposit(r.Context(), "crypto", remoteID); err != nil {
			h.logger.Error("credit crypto deposit failed", "payment_id", remoteID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}

	if _, err := h.processed.MarkProcessed(r.Context(), "crypto", eventID); err != nil {
		h.logger.Error("failed to record processed event", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// ACHWebhookHandler consumes the ACH processor's invoice events. Only
// PAID_IN_FULL credits the wallet.
type ACHWebhookHandler struct {
	webhookSecret string
	service       *Service
	processed     processedTracker
	logger        *logging.Logger
}

func NewACHWebhookHandler(webhookSecret string, service *Service,
	processed processedTracker, logger *logging.Logger) *ACHWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ACHWebhookHandler{
		webhookSecret: webhookSecret,
		service:       service,
		processed:     processed,
		logger:        logger.Component("webhook.ach"),
	}
}

type achEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Invoice struct {
		ID          string      `json:"id"`
		Status      string      `json:"status"`
		Amount      json.Number `json:"amount"`
		ReferenceID string      `json:"reference_id"`
	} `json:"invoice"`
}

func (h *ACHWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.webhookSecret == "" {
		h.logger.Warn("ACH WEBHOOK SECRET NOT SET, accepting unverified delivery")
	} else if !verifyACHSignature(h.webhookSecret, payload, r.Header.Get("X-Signature")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var evt achEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode ach event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(evt.Type, "invoice.") || evt.Invoice.ID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	eventID := evt.EventID
	if eventID == "" {
		eventID = evt.Invoice.ID + ":" + evt.Invoice.Status
	}
	if seen, err := h.processed.AlreadyProcessed(r.Context(), "ach", eventID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if seen {
		w.WriteHeader(http.StatusOK)
		return
	}

	if evt.Invoice.Status == ACHStatusPaid {
		if userID, _, err := parseOrderRef("ach", evt.Invoice.ReferenceID); err == nil {
			if amount, aerr := decimal.NewFromString(evt.Invoice.Amount.String()); aerr == nil {
				if err := h.service.repo.UpsertDeposit(r.Context(), &IncomingDeposit{
					UserID:    userID,
					Processor: "ach",
					RemoteID:  evt.Invoice.ID,
					OrderID:   evt.Invoice.ReferenceID,
					Amount:    amount,
					Status:    evt.Invoice.Status,
				}); err != nil {
					h.logger.Error("upsert ach deposit failed", "error", err)
					http.Error(w, "server error", http.StatusInternalServerError)
					return
				}
			}
		}
		if err := h.service.CreditDeposit(r.Context(), "ach", evt.Invoice.ID); err != nil {
			h.logger.Error("credit ach deposit failed", "invoice_id", evt.Invoice.ID, "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	} else if err := h.service.repo.SetDepositStatus(r.Context(),
		"ach", evt.Invoice.ID, evt.Invoice.Status); err != nil {
		h.logger.Error("set deposit status failed", "error", err)
	}

	if _, err := h.processed.MarkProcessed(r.Context(), "ach", eventID); err != nil {
		h.logger.Error("failed to record processed event", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
