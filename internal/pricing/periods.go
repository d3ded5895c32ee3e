package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// Window is a ticket type's own sale window; nil bounds are open.
type Window struct {
	Start *time.Time
	End   *time.Time
}

type PeriodInput struct {
	Name            string    `json:"name" validate:"required"`
	PriceInCents    int64     `json:"price_in_cents"`
	StartDate       time.Time `json:"start_date" validate:"required"`
	EndDate         time.Time `json:"end_date" validate:"required"`
	IsBoxOfficeOnly bool      `json:"is_box_office_only"`
}

// ValidatePeriods checks a set of Published periods about to be saved for one
// ticket type: each against the ticket type window, against each other and
// against stored rows outside the set. All problems are reported together.
func ValidatePeriods(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, window Window, periods []models.TicketPricing) error {
	v := apperr.NewValidation()

	var stored []models.TicketPricing
	err := db.NewSelect().Model(&stored).
		Where("ticket_type_id = ?", ticketTypeID).
		Where("status = ?", models.TicketPricingStatusPublished).
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ticket pricing: %w", err)
	}
	inSet := map[uuid.UUID]bool{}
	for _, p := range periods {
		inSet[p.ID] = true
	}
	others := make([]models.TicketPricing, 0, len(stored))
	for _, s := range stored {
		if !inSet[s.ID] {
			others = append(others, s)
		}
	}

	for i, p := range periods {
		if !p.StartDate.Before(p.EndDate) {
			v.Add("ticket_pricing.start_date", "start_date_must_be_before_end_date", "Start date must be before end date")
		}
		if p.PriceInCents < 0 {
			v.Add("ticket_pricing.price_in_cents", "number_must_be_positive", "Price cannot be negative")
		}
		if window.Start != nil && window.Start.After(p.StartDate) {
			v.AddWithParams("ticket_pricing", "ticket_pricing_overlapping_ticket_type_start_date",
				"Ticket pricing dates overlap ticket type start date",
				map[string]interface{}{"ticket_type_id": ticketTypeID, "start_date": p.StartDate})
		}
		if window.End != nil && window.End.Before(p.EndDate) {
			v.AddWithParams("ticket_pricing", "ticket_pricing_overlapping_ticket_type_end_date",
				"Ticket pricing dates overlap ticket type end date",
				map[string]interface{}{"ticket_type_id": ticketTypeID, "end_date": p.EndDate})
		}

		candidates := append([]models.TicketPricing{}, others...)
		candidates = append(candidates, periods[i+1:]...)
		for _, o := range candidates {
			if o.IsBoxOfficeOnly != p.IsBoxOfficeOnly {
				continue
			}
			if p.StartDate.Before(o.EndDate) && o.StartDate.Before(p.EndDate) {
				v.AddWithParams("ticket_pricing", "ticket_pricing_overlapping_periods",
					"Ticket pricing dates overlap another ticket pricing period",
					map[string]interface{}{
						"ticket_pricing_id": p.ID,
						"ticket_type_id":    ticketTypeID,
						"start_date":        p.StartDate,
						"end_date":          p.EndDate,
					})
				break
			}
		}
	}
	return v.OrNil()
}

// CreateDefault stores the fallback row that keeps a ticket type priced.
func CreateDefault(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, priceInCents int64) (*models.TicketPricing, error) {
	if priceInCents < 0 {
		return nil, apperr.ValidationError("price_in_cents", "number_must_be_positive", "Price cannot be negative")
	}
	now := utils.Now()
	p := &models.TicketPricing{
		ID:           uuid.New(),
		TicketTypeID: ticketTypeID,
		Name:         "Default",
		Status:       models.TicketPricingStatusDefault,
		PriceInCents: priceInCents,
		StartDate:    time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:      time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := db.NewInsert().Model(p).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create default pricing: %w", err)
	}
	return p, nil
}

// CreatePeriods validates and stores promotional periods for a ticket type.
func CreatePeriods(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, window Window, inputs []PeriodInput, userID *uuid.UUID) ([]models.TicketPricing, error) {
	now := utils.Now()
	periods := make([]models.TicketPricing, 0, len(inputs))
	for _, in := range inputs {
		periods = append(periods, models.TicketPricing{
			ID:              uuid.New(),
			TicketTypeID:    ticketTypeID,
			Name:            in.Name,
			Status:          models.TicketPricingStatusPublished,
			PriceInCents:    in.PriceInCents,
			StartDate:       in.StartDate.UTC().Truncate(time.Microsecond),
			EndDate:         in.EndDate.UTC().Truncate(time.Microsecond),
			IsBoxOfficeOnly: in.IsBoxOfficeOnly,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if err := ValidatePeriods(ctx, db, ticketTypeID, window, periods); err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return periods, nil
	}
	if _, err := db.NewInsert().Model(&periods).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create ticket pricing: %w", err)
	}

	events := make([]*models.DomainEvent, 0, len(periods))
	for _, p := range periods {
		events = append(events, domain.NewEvent(models.DomainEventTicketPricingCreated, "Ticket pricing created",
			models.TableTicketPricing, p.ID, userID, map[string]interface{}{"ticket_type_id": ticketTypeID, "price_in_cents": p.PriceInCents}))
	}
	return periods, domain.Record(ctx, db, events...)
}

// Supersede replaces a row's price by soft-deleting it and inserting a copy,
// so order items keep pointing at the price they were sold at.
func Supersede(ctx context.Context, db bun.IDB, pricingID uuid.UUID, priceInCents int64, userID *uuid.UUID) (*models.TicketPricing, error) {
	if priceInCents < 0 {
		return nil, apperr.ValidationError("price_in_cents", "number_must_be_positive", "Price cannot be negative")
	}
	var old models.TicketPricing
	if err := db.NewSelect().Model(&old).Where("id = ?", pricingID).Scan(ctx); err != nil {
		return nil, apperr.NotFound("Ticket pricing not found")
	}
	if old.Status == models.TicketPricingStatusDeleted {
		return nil, apperr.Business("ticket_pricing_deleted", "Ticket pricing has been deleted")
	}

	now := utils.Now()
	_, err := db.NewUpdate().Model((*models.TicketPricing)(nil)).
		Set("status = ?", models.TicketPricingStatusDeleted).
		Set("updated_at = ?", now).
		Where("id = ?", old.ID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to retire ticket pricing: %w", err)
	}

	next := old
	next.ID = uuid.New()
	next.PriceInCents = priceInCents
	next.CreatedAt = now
	next.UpdatedAt = now
	if _, err := db.NewInsert().Model(&next).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create ticket pricing: %w", err)
	}

	err = domain.Record(ctx, db, domain.NewEvent(models.DomainEventTicketPricingUpdated, "Ticket pricing updated",
		models.TableTicketPricing, next.ID, userID, map[string]interface{}{
			"previous_ticket_pricing_id": old.ID,
			"old_price_in_cents":         old.PriceInCents,
			"new_price_in_cents":         priceInCents,
		}))
	return &next, err
}

// Destroy hard-deletes a period nobody bought against and soft-deletes one that
// order items reference. Default rows cannot be destroyed.
func Destroy(ctx context.Context, db bun.IDB, pricingID uuid.UUID, userID *uuid.UUID) error {
	var p models.TicketPricing
	if err := db.NewSelect().Model(&p).Where("id = ?", pricingID).Scan(ctx); err != nil {
		return apperr.NotFound("Ticket pricing not found")
	}
	if p.Status == models.TicketPricingStatusDefault {
		return apperr.Business("default_pricing_required", "The default pricing cannot be removed")
	}

	used, err := db.NewSelect().Model((*models.OrderItem)(nil)).Where("ticket_pricing_id = ?", p.ID).Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count order items: %w", err)
	}
	if used == 0 {
		_, err = db.NewDelete().Model((*models.TicketPricing)(nil)).Where("id = ?", p.ID).Exec(ctx)
	} else {
		_, err = db.NewUpdate().Model((*models.TicketPricing)(nil)).
			Set("status = ?", models.TicketPricingStatusDeleted).
			Set("updated_at = ?", utils.Now()).
			Where("id = ?", p.ID).
			Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to remove ticket pricing: %w", err)
	}
	return domain.Record(ctx, db, domain.NewEvent(models.DomainEventTicketPricingDeleted, "Ticket pricing deleted",
		models.TableTicketPricing, p.ID, userID, map[string]interface{}{"hard_deleted": used == 0}))
}
