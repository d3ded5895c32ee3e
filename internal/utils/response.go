package utils

import (
	"encoding/json"
	"net/http"
	"time"

	"ms-ticket-commerce/internal/apperr"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Fields    interface{} `json:"fields,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}

func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError renders err with the status its kind maps to. Internal
// details are not exposed.
func WriteError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	ae, ok := apperr.As(err)
	if !ok || ae.Kind == apperr.KindInternal {
		WriteJSON(w, status, ErrorResponse("Internal server error", "internal"))
		return
	}
	body := ErrorResponse(ae.Message, string(ae.Kind))
	body.Reason = ae.Reason
	if len(ae.Fields) > 0 {
		body.Fields = ae.Fields
	}
	if ae.Kind == apperr.KindInsufficientInventory {
		body.Data = map[string]interface{}{
			"ticket_type_id":   ae.TicketTypeID,
			"ticket_type_name": ae.TicketTypeName,
			"requested":        ae.Requested,
			"available":        ae.Available,
		}
	}
	WriteJSON(w, status, body)
}
