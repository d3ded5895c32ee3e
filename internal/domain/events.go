// Package domain keeps the append-only event log and the durable action
// queue that background workers drain.
package domain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// NewEvent builds an unsaved event; pass it to Record inside the writing transaction.
func NewEvent(eventType models.DomainEventType, text string, table models.Table, mainID uuid.UUID, userID *uuid.UUID, data map[string]interface{}) *models.DomainEvent {
	id := mainID
	return &models.DomainEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		DisplayText: text,
		MainTable:   table,
		MainID:      &id,
		UserID:      userID,
		EventData:   data,
		CreatedAt:   utils.Now(),
	}
}

// Record stores events in db, which should be the transaction that made the change.
func Record(ctx context.Context, db bun.IDB, events ...*models.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if _, err := db.NewInsert().Model(&events).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record domain events: %w", err)
	}
	return nil
}

// Find lists events for a row, oldest first, optionally filtered by type.
func Find(ctx context.Context, db bun.IDB, table models.Table, mainID uuid.UUID, types ...models.DomainEventType) ([]models.DomainEvent, error) {
	var events []models.DomainEvent
	q := db.NewSelect().Model(&events).
		Where("main_table = ?", table).
		Where("main_id = ?", mainID).
		OrderExpr("created_at ASC")
	if len(types) > 0 {
		q = q.Where("event_type IN (?)", bun.In(types))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to load domain events: %w", err)
	}
	return events, nil
}
