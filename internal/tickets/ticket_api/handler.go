package ticket_api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/auth"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/tickets"
	"ms-ticket-commerce/internal/utils"
)

type Handler struct {
	TicketService *tickets.TicketService
	Logger        *logger.Logger
}

func NewHandler(ticketService *tickets.TicketService, log *logger.Logger) *Handler {
	return &Handler{TicketService: ticketService, Logger: log}
}

// Routes mounts ticket endpoints. Callers must be authenticated.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/tickets", func(r chi.Router) {
		r.Get("/", h.ListTickets)
		r.Post("/checkin", h.CheckinTicket)
		r.Get("/{ticketID}/qr", h.TicketQR)
		r.Get("/{ticketID}/redeem", h.ViewTicket)
		r.Post("/{ticketID}/redeem", h.RedeemTicket)
		r.Post("/{ticketID}/transfer", h.StartTransfer)
	})
	r.Post("/transfers/{transferKey}/accept", h.AcceptTransfer)
	r.Post("/transfers/{transferKey}/cancel", h.CancelTransfer)
	r.Get("/ticket_types/{ticketTypeID}/counts", h.GetTicketCounts)
}

// RedeemResponse reports a redemption attempt. Failed attempts are still 200
// so scanners can show the result.
type RedeemResponse struct {
	TicketID uuid.UUID           `json:"ticket_id"`
	Result   models.RedeemResult `json:"result"`
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	u, ok := auth.UserFrom(r.Context())
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", "missing user"))
	}
	return u, ok
}

func (h *Handler) boxOffice(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	u, ok := h.user(w, r)
	if !ok {
		return u, false
	}
	if !u.BoxOffice {
		h.Logger.LogSecurity("door_access_denied", fmt.Sprintf("user %s on %s", u.ID, r.URL.Path))
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "box office role required"))
		return u, false
	}
	return u, true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		utils.WriteError(w, apperr.ValidationError(field, "invalid_uuid", "Must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}
	utils.WriteError(w, err)
}

func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	owned, err := h.TicketService.Owned(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Tickets", owned))
}

func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "ticketID", "ticket_id")
	if !ok {
		return
	}
	img, err := h.TicketService.QRCode(r.Context(), id, u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(img)
}

// ViewTicket shows the door what a ticket is before redeeming it.
func (h *Handler) ViewTicket(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.boxOffice(w, r); !ok {
		return
	}
	id, ok := uuidParam(w, r, "ticketID", "ticket_id")
	if !ok {
		return
	}
	ti, err := h.TicketService.Ticket(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket", map[string]interface{}{
		"ticket":        ti,
		"ticket_number": utils.TicketNumber(ti.ID),
	}))
}

func (h *Handler) RedeemTicket(w http.ResponseWriter, r *http.Request) {
	u, ok := h.boxOffice(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "ticketID", "ticket_id")
	if !ok {
		return
	}
	var body struct {
		RedeemKey string `json:"redeem_key" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if err := apperr.ValidateStruct(body); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.TicketService.Redeem(r.Context(), id, body.RedeemKey, u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(string(result), RedeemResponse{TicketID: id, Result: result}))
}

// CheckinTicket redeems the ticket in a scanned QR code.
// Expected POST request body: {"code": "<sealed payload>"}
func (h *Handler) CheckinTicket(w http.ResponseWriter, r *http.Request) {
	u, ok := h.boxOffice(w, r)
	if !ok {
		return
	}
	var body struct {
		Code string `json:"code" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if err := apperr.ValidateStruct(body); err != nil {
		h.fail(w, r, err)
		return
	}
	id, result, err := h.TicketService.Checkin(r.Context(), body.Code, u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(string(result), RedeemResponse{TicketID: id, Result: result}))
}

func (h *Handler) StartTransfer(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "ticketID", "ticket_id")
	if !ok {
		return
	}
	tr, err := h.TicketService.StartTransfer(r.Context(), id, u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Transfer started", tr))
}

func (h *Handler) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	key, ok := uuidParam(w, r, "transferKey", "transfer_key")
	if !ok {
		return
	}
	tr, err := h.TicketService.AcceptTransfer(r.Context(), key, u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Transfer completed", tr))
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	u, ok := h.user(w, r)
	if !ok {
		return
	}
	key, ok := uuidParam(w, r, "transferKey", "transfer_key")
	if !ok {
		return
	}
	tr, err := h.TicketService.CancelTransfer(r.Context(), key, u.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Transfer cancelled", tr))
}
