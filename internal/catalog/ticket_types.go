// Package catalog owns events and ticket types: creation, cancellation,
// derived sale status and the purchasability rules carts rely on.
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
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/pricing"
)

type TicketTypeInput struct {
	Name                 string                       `json:"name" validate:"required"`
	Description          string                       `json:"description"`
	PriceInCents         int64                        `json:"price_in_cents" validate:"gte=0"`
	Quantity             int64                        `json:"quantity" validate:"gte=0"`
	StartDate            *time.Time                   `json:"start_date"`
	EndDate              *time.Time                   `json:"end_date"`
	EndDateType          models.TicketTypeEndDateType `json:"end_date_type" validate:"oneof=DoorTime EventEnd EventStart Manual"`
	Increment            int64                        `json:"increment" validate:"gte=1"`
	LimitPerPerson       int64                        `json:"limit_per_person" validate:"gte=0"`
	Visibility           models.TicketTypeVisibility  `json:"visibility" validate:"oneof=Always Hidden WhenAvailable"`
	ParentID             *uuid.UUID                   `json:"parent_id"`
	AdditionalFeeInCents int64                        `json:"additional_fee_in_cents" validate:"gte=0"`
	Rank                 int64                        `json:"rank"`
	PricingPeriods       []pricing.PeriodInput        `json:"ticket_pricing" validate:"dive"`
}

func (c *Catalog) validateTicketType(ctx context.Context, db bun.IDB, event *models.Event, org *models.Organization, in *TicketTypeInput) error {
	v := apperr.NewValidation().Struct(in)
	if in.AdditionalFeeInCents > org.MaxAdditionalFeeInCents {
		v.AddWithParams("additional_fee_in_cents", "additional_fee_exceeds_max",
			"Additional fee exceeds the organization maximum",
			map[string]interface{}{"max_additional_fee_in_cents": org.MaxAdditionalFeeInCents})
	}
	if in.EndDateType == models.EndDateTypeManual && in.EndDate == nil {
		v.Add("end_date", "required", "End date is required for manual end date type")
	}
	if in.StartDate != nil && in.EndDate != nil && !in.StartDate.Before(*in.EndDate) {
		v.Add("start_date", "start_date_must_be_before_end_date", "Start date must be before end date")
	}
	if in.ParentID != nil {
		parent, err := c.TicketType(ctx, db, *in.ParentID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
		if parent == nil || parent.EventID != event.ID {
			v.Add("parent_id", "parent_ticket_type_not_in_event", "Parent ticket type must belong to the same event")
		}
	}
	return v.OrNil()
}

// CreateTicketType stores a ticket type with its Default pricing, optional
// promotional periods, one asset and quantity Available instances. The asset
// is handed to the registry; tickets stay unsellable until it has an id.
func (c *Catalog) CreateTicketType(ctx context.Context, db bun.IDB, eventID uuid.UUID, in TicketTypeInput, userID *uuid.UUID) (*models.TicketType, error) {
	now := c.clock()
	if in.Increment == 0 {
		in.Increment = 1
	}
	if in.Visibility == "" {
		in.Visibility = models.TicketTypeVisibilityAlways
	}
	if in.EndDateType == "" {
		in.EndDateType = models.EndDateTypeEventStart
		if in.EndDate != nil {
			in.EndDateType = models.EndDateTypeManual
		}
	}

	event, org, err := c.EventWithOrganization(ctx, db, eventID)
	if err != nil {
		return nil, err
	}
	if err := c.validateTicketType(ctx, db, event, org, &in); err != nil {
		return nil, err
	}

	start := in.StartDate
	if start == nil && in.ParentID == nil {
		start = &now
	}
	tt := &models.TicketType{
		ID:                   uuid.New(),
		EventID:              event.ID,
		Name:                 in.Name,
		Description:          in.Description,
		Status:               models.TicketTypeStatusPublished,
		StartDate:            start,
		EndDate:              in.EndDate,
		EndDateType:          in.EndDateType,
		Increment:            in.Increment,
		LimitPerPerson:       in.LimitPerPerson,
		Visibility:           in.Visibility,
		ParentID:             in.ParentID,
		AdditionalFeeInCents: in.AdditionalFeeInCents,
		PriceInCents:         in.PriceInCents,
		Rank:                 in.Rank,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if _, err := db.NewInsert().Model(tt).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create ticket type: %w", err)
	}

	if _, err := pricing.CreateDefault(ctx, db, tt.ID, in.PriceInCents); err != nil {
		return nil, err
	}
	window := pricing.Window{Start: tt.StartDate, End: EndDate(tt, event)}
	if _, err := pricing.CreatePeriods(ctx, db, tt.ID, window, in.PricingPeriods, userID); err != nil {
		return nil, err
	}

	asset := &models.Asset{
		ID:             uuid.New(),
		TicketTypeID:   tt.ID,
		Name:           fmt.Sprintf("%s.%s", event.Name, tt.Name),
		BlockchainName: tt.ID.String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.registry != nil {
		chainID, err := c.registry.Register(ctx, asset, in.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to register asset: %w", err)
		}
		if chainID != "" {
			asset.BlockchainAssetID = &chainID
		}
	}
	if _, err := db.NewInsert().Model(asset).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	if err := inventory.CreateInstances(ctx, db, asset, in.Quantity, 1, now); err != nil {
		return nil, err
	}

	ev := domain.NewEvent(models.DomainEventTicketTypeCreated, "Ticket type created", models.TableTicketTypes, tt.ID, userID,
		map[string]interface{}{"quantity": in.Quantity, "price_in_cents": in.PriceInCents})
	if err := domain.Record(ctx, db, ev); err != nil {
		return nil, err
	}
	c.log.LogInventory("create_ticket_type", tt.ID.String(), fmt.Sprintf("Created %s with %d tickets", tt.Name, in.Quantity))
	return tt, nil
}

// AddQuantity mints more instances on the ticket type's asset.
func (c *Catalog) AddQuantity(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, quantity int64) error {
	if quantity <= 0 {
		return apperr.ValidationError("quantity", "number_must_be_positive", "Quantity must be positive")
	}
	var asset models.Asset
	if err := db.NewSelect().Model(&asset).Where("ticket_type_id = ?", ticketTypeID).OrderExpr("created_at ASC").Limit(1).Scan(ctx); err != nil {
		return apperr.Internal("ticket type has no asset", err)
	}
	max, err := inventory.MaxTokenID(ctx, db, asset.ID)
	if err != nil {
		return err
	}
	return inventory.CreateInstances(ctx, db, &asset, quantity, max+1, c.clock())
}

func (c *Catalog) TicketType(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.TicketType, error) {
	var tt models.TicketType
	if err := db.NewSelect().Model(&tt).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Ticket type not found")
		}
		return nil, fmt.Errorf("failed to load ticket type: %w", err)
	}
	return &tt, nil
}

// UpdatePrice moves the ticket type and its Default row to a new price. The
// Default row is superseded, never edited.
func (c *Catalog) UpdatePrice(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, priceInCents int64, userID *uuid.UUID) (*models.TicketPricing, error) {
	def, err := pricing.Default(ctx, db, ticketTypeID)
	if err != nil {
		return nil, err
	}
	next, err := pricing.Supersede(ctx, db, def.ID, priceInCents, userID)
	if err != nil {
		return nil, err
	}
	// Supersede copies status, so restore the copy as the Default row.
	_, err = db.NewUpdate().Model((*models.TicketPricing)(nil)).
		Set("status = ?", models.TicketPricingStatusDefault).
		Where("id = ?", next.ID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore default pricing: %w", err)
	}
	next.Status = models.TicketPricingStatusDefault

	_, err = db.NewUpdate().Model((*models.TicketType)(nil)).
		Set("price_in_cents = ?", priceInCents).
		Set("updated_at = ?", c.clock()).
		Where("id = ?", ticketTypeID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket type price: %w", err)
	}
	return next, nil
}

// Cancel stops sales for good. Unclaimed instances are nullified now; live
// reservations are nullified when their carts release them.
func (c *Catalog) Cancel(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, userID *uuid.UUID) (int, error) {
	tt, err := c.TicketType(ctx, db, ticketTypeID)
	if err != nil {
		return 0, err
	}
	if tt.IsCancelled() {
		return 0, apperr.Business("ticket_type_cancelled", "Ticket type is already cancelled")
	}
	now := c.clock()
	_, err = db.NewUpdate().Model((*models.TicketType)(nil)).
		Set("status = ?", models.TicketTypeStatusCancelled).
		Set("cancelled_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", tt.ID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel ticket type: %w", err)
	}

	n, err := inventory.NullifyFree(ctx, db, tt.ID, userID, now)
	if err != nil {
		return 0, err
	}
	ev := domain.NewEvent(models.DomainEventTicketTypeCancelled, "Ticket type cancelled", models.TableTicketTypes, tt.ID, userID,
		map[string]interface{}{"nullified": n})
	return n, domain.Record(ctx, db, ev)
}
