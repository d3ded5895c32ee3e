package ticket_api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// TicketCountResponse is the inventory of one ticket type by status.
type TicketCountResponse struct {
	TicketTypeID uuid.UUID                             `json:"ticket_type_id"`
	Counts       map[models.TicketInstanceStatus]int64 `json:"counts"`
	TotalCount   int64                                 `json:"total_count"`
}

// GetTicketCounts is restricted to the box office.
func (h *Handler) GetTicketCounts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.boxOffice(w, r); !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "ticketTypeID"))
	if err != nil {
		utils.WriteError(w, apperr.ValidationError("ticket_type_id", "invalid_uuid", "Ticket type id must be a UUID"))
		return
	}
	counts, err := h.TicketService.Counts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	response := TicketCountResponse{TicketTypeID: id, Counts: counts}
	for _, n := range counts {
		response.TotalCount += n
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket counts", response))
}
