package order_api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamOrder streams payment and status updates of one of the caller's
// orders while they wait for a provider to confirm.
func (h *Handler) StreamOrder(w http.ResponseWriter, r *http.Request) {
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
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	setupSSEHeaders(w)
	ctx := r.Context()
	updates := h.Events.Subscribe(ctx, o.ID)

	fmt.Fprintf(w, "event: connected\ndata: {\"order_id\":\"%s\",\"status\":\"%s\"}\n\n", o.ID, o.Status)
	flusher.Flush()
	h.Logger.Debug("SSE", fmt.Sprintf("Client connected to order %s", o.ID))

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize order update: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.EventType, data)
			flusher.Flush()
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from order %s", o.ID))
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
