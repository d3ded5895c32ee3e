package order_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/auth"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/order"
	"ms-ticket-commerce/internal/payment"
	"ms-ticket-commerce/internal/sse"
	"ms-ticket-commerce/internal/utils"
)

// Payments is the part of the payment service the order API calls.
type Payments interface {
	Checkout(ctx context.Context, buyer payment.Buyer, orderID uuid.UUID, req payment.CheckoutRequest) (*payment.CheckoutResult, error)
	Refund(ctx context.Context, orderID, requestedBy uuid.UUID, req order.RefundRequest) (*order.RefundResult, error)
}

type Handler struct {
	OrderService *order.OrderService
	Payments     Payments
	Events       *sse.OrderEvents
	Logger       *logger.Logger
}

func NewHandler(orders *order.OrderService, payments Payments, events *sse.OrderEvents, log *logger.Logger) *Handler {
	return &Handler{OrderService: orders, Payments: payments, Events: events, Logger: log}
}

// Routes mounts the cart and order endpoints. Callers must be authenticated.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Put("/", h.ReplaceCart)
		r.Patch("/", h.UpdateCart)
		r.Delete("/", h.ClearCart)
		r.Post("/checkout", h.Checkout)
		r.Post("/duplicate/{orderID}", h.DuplicateOrder)
		r.Post("/clear_invalid_items", h.ClearInvalidItems)
	})
	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.ListOrders)
		r.Get("/{orderID}", h.GetOrder)
		r.Get("/{orderID}/events", h.StreamOrder)
		r.Post("/{orderID}/refund", h.RefundOrder)
	})
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	u, ok := auth.UserFrom(r.Context())
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", "missing user"))
	}
	return u, ok
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		utils.WriteError(w, apperr.ValidationError("order_id", "invalid_uuid", "Order id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	} else {
		h.Logger.Debug("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}
	utils.WriteError(w, err)
}

func (h *Handler) writeCart(w http.ResponseWriter, r *http.Request, message string, o *models.Order) {
	display, err := h.OrderService.Render(r.Context(), o)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(message, display))
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	cart, err := h.OrderService.FindOrCreateCart(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCart(w, r, "Cart", cart)
}

func (h *Handler) updateCart(w http.ResponseWriter, r *http.Request, replace bool) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	var req order.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BoxOfficePricing && !u.BoxOffice {
		h.fail(w, r, apperr.Business("box_office_required", "Box office pricing is restricted to the box office"))
		return
	}
	cart, err := h.OrderService.UpdateQuantities(r.Context(), u.ID, req, replace)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCart(w, r, "Cart updated", cart)
}

// ReplaceCart sets the cart to exactly the requested lines.
func (h *Handler) ReplaceCart(w http.ResponseWriter, r *http.Request) { h.updateCart(w, r, true) }

// UpdateCart changes only the requested lines.
func (h *Handler) UpdateCart(w http.ResponseWriter, r *http.Request) { h.updateCart(w, r, false) }

func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	cart, err := h.OrderService.Clear(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCart(w, r, "Cart cleared", cart)
}

func (h *Handler) ClearInvalidItems(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	cart, err := h.OrderService.ClearInvalidItems(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCart(w, r, "Invalid items removed", cart)
}

func (h *Handler) DuplicateOrder(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	source, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	cart, err := h.OrderService.Duplicate(r.Context(), u.ID, source)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCart(w, r, "Order copied to cart", cart)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	var req payment.CheckoutRequest
	if !decode(w, r, &req) {
		return
	}
	cart, err := h.OrderService.FindOrCreateCart(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Payments.Checkout(r.Context(), payment.Buyer{ID: u.ID, BoxOffice: u.BoxOffice}, cart.ID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("Checkout %s of order %s by %s", req.Type, cart.ID, u.ID))
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Checkout complete", res))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	orders, err := h.OrderService.Orders(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Orders", orders))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	o, err := h.OrderService.Order(r.Context(), id, u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCart(w, r, "Order", o)
}

// RefundOrder is restricted to the box office.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	if !u.BoxOffice {
		h.Logger.LogSecurity("refund_denied", fmt.Sprintf("user %s", u.ID))
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "box office role required"))
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req order.RefundRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Payments.Refund(r.Context(), id, u.ID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Refund processed", res))
}
