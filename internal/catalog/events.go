package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/models"
)

// Publish opens an event for sale and queues the marketing list sync.
func (c *Catalog) Publish(ctx context.Context, db bun.IDB, eventID uuid.UUID, userID *uuid.UUID) (*models.Event, error) {
	e, err := c.Event(ctx, db, eventID)
	if err != nil {
		return nil, err
	}
	if e.Status == models.EventStatusPublished {
		return e, nil
	}
	if e.CancelledAt != nil || e.DeletedAt != nil {
		return nil, apperr.Business("event_cancelled", "Cancelled events cannot be published")
	}

	now := c.clock()
	e.Status = models.EventStatusPublished
	e.PublishedAt = &now
	e.UpdatedAt = now
	if _, err := db.NewUpdate().Model(e).Column("status", "published_at", "updated_at").WherePK().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}
	ev := domain.NewEvent(models.DomainEventEventPublished, "Event published", models.TableEvents, e.ID, userID, nil)
	if err := domain.Record(ctx, db, ev); err != nil {
		return nil, err
	}
	action := domain.NewAction(models.DomainActionMarketingContactsSync, models.TableEvents, &e.ID,
		map[string]interface{}{"event_id": e.ID.String()})
	return e, domain.Enqueue(ctx, db, action)
}

// MarketingSyncExecutor forwards the buyers of a published event to the
// marketing list service over the message bus.
type MarketingSyncExecutor struct {
	DB        bun.IDB
	Publisher domain.Publisher
	Topic     string
}

var _ domain.Executor = (*MarketingSyncExecutor)(nil)

func (m *MarketingSyncExecutor) Execute(ctx context.Context, action *models.DomainAction) error {
	raw, _ := action.Payload["event_id"].(string)
	eventID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid event_id in payload: %w", err)
	}

	var emails []string
	err = m.DB.NewSelect().
		TableExpr("users AS u").
		ColumnExpr("DISTINCT u.email").
		Join("JOIN orders AS o ON COALESCE(o.on_behalf_of_user_id, o.user_id) = u.id").
		Join("JOIN order_items AS oi ON oi.order_id = o.id").
		Where("oi.event_id = ?", eventID).
		Where("o.status = ?", models.OrderStatusPaid).
		Where("u.email IS NOT NULL").
		Scan(ctx, &emails)
	if err != nil {
		return fmt.Errorf("failed to load event contacts: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{"event_id": eventID, "emails": emails})
	if err != nil {
		return err
	}
	return m.Publisher.Publish(ctx, m.Topic, eventID.String(), body)
}
