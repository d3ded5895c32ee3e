// Package sse fans order payment updates out to browsers waiting on a
// provider payment.
package sse

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"ms-ticket-commerce/internal/models"
)

// OrderUpdate is one event sent to subscribers of an order.
type OrderUpdate struct {
	OrderID   uuid.UUID              `json:"order_id"`
	EventType models.DomainEventType `json:"event_type"`
	Text      string                 `json:"text"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// OrderEvents keeps the open streams per order.
type OrderEvents struct {
	mu      sync.RWMutex
	clients map[uuid.UUID][]chan OrderUpdate
}

func NewOrderEvents() *OrderEvents {
	return &OrderEvents{clients: make(map[uuid.UUID][]chan OrderUpdate)}
}

// Subscribe returns a channel of updates for orderID. It is closed when ctx ends.
func (e *OrderEvents) Subscribe(ctx context.Context, orderID uuid.UUID) <-chan OrderUpdate {
	ch := make(chan OrderUpdate, 10)

	e.mu.Lock()
	e.clients[orderID] = append(e.clients[orderID], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(orderID, ch)
	}()
	return ch
}

// Publish delivers u without blocking; slow clients miss updates.
func (e *OrderEvents) Publish(u OrderUpdate) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.clients[u.OrderID] {
		select {
		case ch <- u:
		default:
		}
	}
}

func (e *OrderEvents) remove(orderID uuid.UUID, ch chan OrderUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[orderID]
	for i, c := range clients {
		if c == ch {
			e.clients[orderID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(e.clients[orderID]) == 0 {
		delete(e.clients, orderID)
	}
}

func (e *OrderEvents) Subscribers(orderID uuid.UUID) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[orderID])
}

// streamed are the domain events a waiting buyer cares about.
var streamed = map[models.DomainEventType]bool{
	models.DomainEventOrderStatusUpdated: true,
	models.DomainEventOrderCompleted:     true,
	models.DomainEventPaymentCreated:     true,
	models.DomainEventPaymentCompleted:   true,
}

// HandleMessage consumes a relayed domain event from kafka.
func (e *OrderEvents) HandleMessage(_ context.Context, msg kafka.Message) error {
	var ev models.DomainEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return err
	}
	if !streamed[ev.EventType] {
		return nil
	}

	var orderID uuid.UUID
	switch {
	case ev.MainTable == models.TableOrders && ev.MainID != nil:
		orderID = *ev.MainID
	case ev.MainTable == models.TablePayments:
		raw, _ := ev.EventData["order_id"].(string)
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil
		}
		orderID = id
	default:
		return nil
	}
	e.Publish(OrderUpdate{OrderID: orderID, EventType: ev.EventType, Text: ev.DisplayText, Data: ev.EventData})
	return nil
}
