package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/pricing"
	"ms-ticket-commerce/internal/utils"
)

type Catalog struct {
	registry AssetRegistry
	log      *logger.Logger
	clock    utils.Clock
}

func New(registry AssetRegistry, log *logger.Logger) *Catalog {
	return &Catalog{registry: registry, log: log, clock: utils.Now}
}

func (c *Catalog) WithClock(clock utils.Clock) *Catalog {
	c.clock = clock
	return c
}

func (c *Catalog) Event(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.Event, error) {
	var e models.Event
	if err := db.NewSelect().Model(&e).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Event not found")
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &e, nil
}

func (c *Catalog) EventWithOrganization(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.Event, *models.Organization, error) {
	e, err := c.Event(ctx, db, id)
	if err != nil {
		return nil, nil, err
	}
	var org models.Organization
	if err := db.NewSelect().Model(&org).Where("id = ?", e.OrganizationID).Scan(ctx); err != nil {
		return nil, nil, apperr.Internal("event organization missing", err)
	}
	e.Organization = &org
	return e, &org, nil
}

// EndDate derives when sales close from the ticket type's end date type.
func EndDate(tt *models.TicketType, event *models.Event) *time.Time {
	switch tt.EndDateType {
	case models.EndDateTypeManual:
		return tt.EndDate
	case models.EndDateTypeDoorTime:
		if event.DoorTime != nil {
			return event.DoorTime
		}
		return event.EventStart
	case models.EndDateTypeEventEnd:
		return event.EventEnd
	default:
		return event.EventStart
	}
}

// Status derives the sale status at now. Only Cancelled and Deleted are
// taken from the stored row; everything else is recomputed.
func (c *Catalog) Status(ctx context.Context, db bun.IDB, tt *models.TicketType, event *models.Event, now time.Time) (models.TicketTypeStatus, error) {
	switch {
	case tt.DeletedAt != nil:
		return models.TicketTypeStatusDeleted, nil
	case tt.IsCancelled():
		return models.TicketTypeStatusCancelled, nil
	}

	priced, err := hasPricing(ctx, db, tt.ID, now)
	if err != nil {
		return "", err
	}
	if !priced {
		return models.TicketTypeStatusNoActivePricing, nil
	}
	if tt.StartDate == nil || now.Before(*tt.StartDate) {
		return models.TicketTypeStatusOnSaleSoon, nil
	}
	if end := EndDate(tt, event); end != nil && !now.Before(*end) {
		return models.TicketTypeStatusSaleEnded, nil
	}
	available, err := inventory.AvailableCount(ctx, db, tt.ID, nil, now)
	if err != nil {
		return "", err
	}
	if available == 0 {
		return models.TicketTypeStatusSoldOut, nil
	}
	return models.TicketTypeStatusPublished, nil
}

func hasPricing(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, now time.Time) (bool, error) {
	return db.NewSelect().Model((*models.TicketPricing)(nil)).
		Where("ticket_type_id = ?", ticketTypeID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("status = ?", models.TicketPricingStatusDefault).
				WhereOr("status = ? AND start_date <= ? AND end_date > ?", models.TicketPricingStatusPublished, now, now)
		}).
		Exists(ctx)
}

// Purchasable returns a business error naming why the ticket type cannot be
// bought at now, or nil.
func Purchasable(tt *models.TicketType, event *models.Event, now time.Time) error {
	switch {
	case !event.OnSale():
		return apperr.Business("event_not_on_sale", "Event is not on sale")
	case tt.DeletedAt != nil:
		return apperr.Business("ticket_type_deleted", "Ticket type no longer exists")
	case tt.IsCancelled():
		return apperr.Business("ticket_type_cancelled", "Ticket type has been cancelled")
	case tt.StartDate == nil || now.Before(*tt.StartDate):
		return apperr.Business("ticket_type_not_on_sale", "Ticket sales have not started")
	}
	if end := EndDate(tt, event); end != nil && !now.Before(*end) {
		return apperr.Business("ticket_type_sale_ended", "Ticket sales have ended")
	}
	return nil
}

// Summary is a ticket type as buyers see it.
type Summary struct {
	models.TicketType
	Status          models.TicketTypeStatus `json:"status"`
	PriceInCents    int64                   `json:"price_in_cents"`
	AvailableCount  int64                   `json:"available"`
	DerivedEndDate  *time.Time              `json:"end_date"`
	TicketPricingID uuid.UUID               `json:"ticket_pricing_id"`
}

// ForEvent lists the event's visible ticket types with derived status and
// current price. Hidden types appear only when unlocked holds their id.
func (c *Catalog) ForEvent(ctx context.Context, db bun.IDB, event *models.Event, boxOffice bool, unlocked map[uuid.UUID]bool) ([]Summary, error) {
	now := c.clock()
	var types []models.TicketType
	err := db.NewSelect().Model(&types).
		Where("event_id = ?", event.ID).
		Where("deleted_at IS NULL").
		OrderExpr("rank ASC, created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket types: %w", err)
	}

	out := make([]Summary, 0, len(types))
	for i := range types {
		tt := &types[i]
		status, err := c.Status(ctx, db, tt, event, now)
		if err != nil {
			return nil, err
		}
		if tt.Visibility == models.TicketTypeVisibilityHidden && !unlocked[tt.ID] {
			continue
		}
		if tt.Visibility == models.TicketTypeVisibilityWhenAvailable && status != models.TicketTypeStatusPublished {
			continue
		}
		current, err := pricing.Current(ctx, db, tt.ID, now, boxOffice)
		if err != nil {
			return nil, err
		}
		available, err := inventory.AvailableCount(ctx, db, tt.ID, nil, now)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			TicketType:      *tt,
			Status:          status,
			PriceInCents:    current.PriceInCents,
			AvailableCount:  available,
			DerivedEndDate:  EndDate(tt, event),
			TicketPricingID: current.ID,
		})
	}
	return out, nil
}
