package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/payments"
	"github.com/voxwire/voxwire/pkg/logging"
)

// DepositsHandler starts wallet top-up checkouts. The portal fronts this
// route with its own session auth; here the user id arrives in the payload.
type DepositsHandler struct {
	svc    *payments.Service
	logger *logging.Logger
}

func NewDepositsHandler(svc *payments.Service, logger *logging.Logger) *DepositsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &DepositsHandler{svc: svc, logger: logger.Component("deposits")}
}

type startDepositBody struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
	Method string `json:"method"`
}

func (h *DepositsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var body startDepositBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	checkout, err := h.svc.StartDeposit(r.Context(), userID, amount, body.Method)
	if err != nil {
		if errors.Is(err, payments.ErrAmountOutOfRange) {
			respondError(w, http.StatusUnprocessableEntity, "amount outside allowed range")
			return
		}
		h.logger.Error("start deposit failed", "user_id", userID, "error", err)
		respondError(w, http.StatusBadGateway, "checkout creation failed")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"checkout_url": checkout.URL,
		"order_id":     checkout.OrderID,
	})
}
