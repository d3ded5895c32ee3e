package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
)

// CascadeSoldOut starts the sale of every child ticket type still waiting on
// a parent that has nothing left to sell. It returns the started children.
func (c *Catalog) CascadeSoldOut(ctx context.Context, db bun.IDB, parentID uuid.UUID, userID *uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	available, err := inventory.AvailableCount(ctx, db, parentID, nil, now)
	if err != nil {
		return nil, err
	}
	if available > 0 {
		return nil, nil
	}

	var waiting []models.TicketType
	err = db.NewSelect().Model(&waiting).
		Column("id", "name").
		Where("parent_id = ?", parentID).
		Where("cancelled_at IS NULL").
		Where("deleted_at IS NULL").
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("start_date IS NULL").WhereOr("start_date > ?", now)
		}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependent ticket types: %w", err)
	}

	already, err := domain.Find(ctx, db, models.TableTicketTypes, parentID, models.DomainEventTicketTypeSoldOut)
	if err != nil {
		return nil, err
	}
	if len(already) == 0 {
		ev := domain.NewEvent(models.DomainEventTicketTypeSoldOut, "Ticket type sold out", models.TableTicketTypes, parentID, userID, nil)
		if err := domain.Record(ctx, db, ev); err != nil {
			return nil, err
		}
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(waiting))
	events := make([]*models.DomainEvent, 0, len(waiting))
	for _, tt := range waiting {
		ids = append(ids, tt.ID)
		events = append(events, domain.NewEvent(models.DomainEventTicketTypeSalesStarted, "Ticket sales started",
			models.TableTicketTypes, tt.ID, userID, map[string]interface{}{"parent_id": parentID}))
	}
	_, err = db.NewUpdate().Model((*models.TicketType)(nil)).
		Set("start_date = ?", now).
		Set("updated_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start dependent ticket types: %w", err)
	}
	for _, id := range ids {
		c.log.LogInventory("sold_out_cascade", id.String(), fmt.Sprintf("Sales started after parent %s sold out", parentID))
	}
	return ids, domain.Record(ctx, db, events...)
}
