// Package handler receives buyers returning from provider pages and
// provider notifications.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/payment"
	"ms-ticket-commerce/internal/payment/globee"
	"ms-ticket-commerce/internal/utils"
)

type Service interface {
	Callback(ctx context.Context, nonce string, orderID uuid.UUID, success bool) (string, error)
	ReceiveIPN(ctx context.Context, ipn payment.IPN) error
}

type PaymentHandler struct {
	svc Service
	log *logger.Logger
}

func NewPaymentHandler(svc Service, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, log: log}
}

// Routes mounts the public provider endpoints. They authenticate through
// the stored nonce or by re-fetching the request from the provider.
func (h *PaymentHandler) Routes(r chi.Router) {
	r.Get("/payments/callback/{nonce}/{orderID}", h.Callback)
	r.Post("/ipn/globee", h.GlobeeIPN)
}

func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Order not found", "not_found"))
		return
	}
	success, _ := strconv.ParseBool(r.URL.Query().Get("success"))

	target, err := h.svc.Callback(r.Context(), chi.URLParam(r, "nonce"), orderID, success)
	if err != nil {
		h.log.Warn("PAYMENT", fmt.Sprintf("Callback for order %s failed: %v", orderID, err))
		utils.WriteError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *PaymentHandler) GlobeeIPN(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid body", err.Error()))
		return
	}
	var in globee.PaymentResponse
	if err := json.Unmarshal(body, &in); err != nil || in.ID == "" {
		h.log.Warn("PAYMENT", "Discarding malformed globee IPN")
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid IPN", "malformed"))
		return
	}

	ipn := payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: in.ID, Status: in.Status}
	if in.CustomPaymentID != nil {
		if id, err := uuid.Parse(*in.CustomPaymentID); err == nil {
			ipn.OrderID = &id
		}
	}
	if cents, err := globee.TotalToCents(in.Total); err == nil {
		ipn.TotalInCents = cents
	}
	_ = json.Unmarshal(body, &ipn.Raw)

	if err := h.svc.ReceiveIPN(r.Context(), ipn); err != nil {
		h.log.Error("PAYMENT", fmt.Sprintf("Could not queue globee IPN %s: %v", in.ID, err))
		utils.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
