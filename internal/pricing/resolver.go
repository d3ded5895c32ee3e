// Package pricing resolves the unit price of a ticket type at a moment in
// time and manages the promotional pricing periods behind it.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/models"
)

// Redemption is what a redemption code resolved to. At most one field is set.
type Redemption struct {
	Hold *models.Hold
	Code *models.Code
}

// Quote is a resolved price for one ticket line.
type Quote struct {
	Pricing *models.TicketPricing
	// BasePriceInCents is the active pricing row's price.
	BasePriceInCents int64
	// UnitPriceInCents is charged on the ticket line itself. Hold discounts
	// and comps are folded in here.
	UnitPriceInCents int64
	// CodeDiscountInCents is the positive per-unit discount of a discount
	// code, charged as a separate Discount line.
	CodeDiscountInCents int64
	Hold                *models.Hold
	Code                *models.Code
}

// EffectivePriceInCents is what one ticket costs after every discount.
func (q *Quote) EffectivePriceInCents() int64 {
	return q.UnitPriceInCents - q.CodeDiscountInCents
}

// Resolve prices a ticket type at `at`. The same inputs always give the same quote.
func Resolve(ctx context.Context, db bun.IDB, tt *models.TicketType, at time.Time, boxOffice bool, redemption *Redemption) (*Quote, error) {
	current, err := Current(ctx, db, tt.ID, at, boxOffice)
	if err != nil {
		return nil, err
	}

	q := &Quote{
		Pricing:          current,
		BasePriceInCents: current.PriceInCents,
		UnitPriceInCents: current.PriceInCents,
	}
	if redemption == nil {
		return q, nil
	}

	switch {
	case redemption.Hold != nil:
		h := redemption.Hold
		q.Hold = h
		switch h.HoldType {
		case models.HoldTypeComp:
			q.UnitPriceInCents = 0
		case models.HoldTypeDiscount:
			if h.DiscountInCents != nil {
				q.UnitPriceInCents = clamp(current.PriceInCents - *h.DiscountInCents)
			}
		}
	case redemption.Code != nil:
		c := redemption.Code
		q.Code = c
		if c.CodeType == models.CodeTypeDiscount {
			q.CodeDiscountInCents = CodeDiscount(c, current.PriceInCents)
		}
	}
	return q, nil
}

// CodeDiscount is the per-unit discount a code gives on price, never more than price.
func CodeDiscount(c *models.Code, priceInCents int64) int64 {
	var d int64
	switch {
	case c.DiscountInCents != nil:
		d = *c.DiscountInCents
	case c.DiscountAsPercentage != nil:
		d = priceInCents * *c.DiscountAsPercentage / 100
	}
	if d > priceInCents {
		d = priceInCents
	}
	return clamp(d)
}

// Current returns the pricing row in force at `at`.
//
// Box office orders prefer an active box-office-only row. Otherwise exactly
// one regular Published row may be active; with none the Default row applies.
func Current(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, at time.Time, boxOffice bool) (*models.TicketPricing, error) {
	var active []models.TicketPricing
	err := db.NewSelect().Model(&active).
		Where("ticket_type_id = ?", ticketTypeID).
		Where("status = ?", models.TicketPricingStatusPublished).
		Where("start_date <= ?", at).
		Where("end_date > ?", at).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket pricing: %w", err)
	}

	var regular, boxOfficeOnly []models.TicketPricing
	for _, p := range active {
		if p.IsBoxOfficeOnly {
			boxOfficeOnly = append(boxOfficeOnly, p)
		} else {
			regular = append(regular, p)
		}
	}

	if boxOffice && len(boxOfficeOnly) > 0 {
		if len(boxOfficeOnly) > 1 {
			return nil, apperr.Internal(fmt.Sprintf("%d box office pricing rows active for ticket type %s", len(boxOfficeOnly), ticketTypeID), nil)
		}
		return &boxOfficeOnly[0], nil
	}
	switch len(regular) {
	case 0:
	case 1:
		return &regular[0], nil
	default:
		return nil, apperr.Internal(fmt.Sprintf("%d pricing rows active for ticket type %s", len(regular), ticketTypeID), nil)
	}

	return Default(ctx, db, ticketTypeID)
}

// Default returns the always-present fallback row.
func Default(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID) (*models.TicketPricing, error) {
	var defaults []models.TicketPricing
	err := db.NewSelect().Model(&defaults).
		Where("ticket_type_id = ?", ticketTypeID).
		Where("status = ?", models.TicketPricingStatusDefault).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load default pricing: %w", err)
	}
	if len(defaults) != 1 {
		return nil, apperr.Internal(fmt.Sprintf("ticket type %s has %d default pricing rows", ticketTypeID, len(defaults)), nil)
	}
	return &defaults[0], nil
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
