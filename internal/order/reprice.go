package order

import (
	"context"

	"github.com/google/uuid"

	"ms-ticket-commerce/internal/fees"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/pricing"
)

// reprice recomputes every ticket line from the current pricing and rebuilds
// the fee and discount lines hanging off it.
func (s *OrderService) reprice(ctx context.Context, c *cart) error {
	ranges := map[uuid.UUID][]*models.FeeScheduleRange{}
	// chargeable marks events with at least one ticket that costs something.
	chargeable := map[uuid.UUID]bool{}

	for _, item := range c.items {
		if item.ItemType != models.OrderItemTypeTickets {
			continue
		}
		tt, err := s.ticketType(ctx, c, *item.TicketTypeID)
		if err != nil {
			return err
		}
		ev, err := s.event(ctx, c, tt.EventID)
		if err != nil {
			return err
		}
		r, err := redemptionOf(ctx, c.tx, item)
		if err != nil {
			return err
		}
		q, err := pricing.Resolve(ctx, c.tx, tt, c.now, c.order.BoxOfficePricing, r)
		if err != nil {
			return err
		}

		item.UnitPriceInCents = q.UnitPriceInCents
		item.TicketPricingID = &q.Pricing.ID
		item.UpdatedAt = c.now
		if err := c.db.UpdateItem(ctx, item); err != nil {
			return err
		}

		orgRanges, ok := ranges[ev.OrganizationID]
		if !ok {
			if orgRanges, err = fees.Ranges(ctx, c.tx, ev.Organization); err != nil {
				return err
			}
			ranges[ev.OrganizationID] = orgRanges
		}
		fee := fees.TicketFee(orgRanges, q.EffectivePriceInCents(), tt.AdditionalFeeInCents)
		if err := s.syncChild(ctx, c, item, models.OrderItemTypePerUnitFees, fee.UnitInCents, fee); err != nil {
			return err
		}
		if err := s.syncChild(ctx, c, item, models.OrderItemTypeDiscount, -q.CodeDiscountInCents, fees.Fee{}); err != nil {
			return err
		}
		if q.EffectivePriceInCents() > 0 {
			chargeable[ev.ID] = true
		}
	}
	return s.syncEventFees(ctx, c, chargeable)
}

// syncChild keeps one child line of the given type in step with its parent
// ticket line, deleting it when unit is zero.
func (s *OrderService) syncChild(ctx context.Context, c *cart, parent *models.OrderItem, itemType models.OrderItemType, unit int64, fee fees.Fee) error {
	child := childOf(c.items, parent.ID, itemType)
	if unit == 0 {
		if child == nil {
			return nil
		}
		return c.db.DeleteItems(ctx, []uuid.UUID{child.ID})
	}

	if child == nil {
		child = &models.OrderItem{
			ID:        uuid.New(),
			OrderID:   c.order.ID,
			ItemType:  itemType,
			EventID:   parent.EventID,
			ParentID:  &parent.ID,
			CreatedAt: c.now,
		}
		fillChild(child, parent, unit, fee, c)
		return c.db.InsertItem(ctx, child)
	}
	fillChild(child, parent, unit, fee, c)
	return c.db.UpdateItem(ctx, child)
}

func fillChild(child, parent *models.OrderItem, unit int64, fee fees.Fee, c *cart) {
	child.Quantity = parent.Quantity
	child.UnitPriceInCents = unit
	child.CompanyFeeInCents = fee.CompanyInCents
	child.ClientFeeInCents = fee.ClientInCents
	child.FeeScheduleRangeID = nil
	if fee.Range != nil {
		child.FeeScheduleRangeID = &fee.Range.ID
	}
	child.UpdatedAt = c.now
}

// syncEventFees keeps exactly one EventFees line per chargeable event.
func (s *OrderService) syncEventFees(ctx context.Context, c *cart, chargeable map[uuid.UUID]bool) error {
	existing := map[uuid.UUID]*models.OrderItem{}
	var stale []uuid.UUID
	for _, it := range c.items {
		if it.ItemType != models.OrderItemTypeEventFees {
			continue
		}
		if it.EventID == nil || existing[*it.EventID] != nil {
			stale = append(stale, it.ID)
			continue
		}
		existing[*it.EventID] = it
	}

	for eventID, item := range existing {
		fee := fees.Fee{}
		if chargeable[eventID] {
			ev, err := s.event(ctx, c, eventID)
			if err != nil {
				return err
			}
			fee = fees.EventFee(ev.Organization, ev)
		}
		if fee.IsZero() {
			stale = append(stale, item.ID)
			continue
		}
		item.Quantity = 1
		item.UnitPriceInCents = fee.UnitInCents
		item.CompanyFeeInCents = fee.CompanyInCents
		item.ClientFeeInCents = fee.ClientInCents
		item.UpdatedAt = c.now
		if err := c.db.UpdateItem(ctx, item); err != nil {
			return err
		}
	}

	for eventID := range chargeable {
		if existing[eventID] != nil {
			continue
		}
		ev, err := s.event(ctx, c, eventID)
		if err != nil {
			return err
		}
		fee := fees.EventFee(ev.Organization, ev)
		if fee.IsZero() {
			continue
		}
		id := eventID
		item := &models.OrderItem{
			ID:                uuid.New(),
			OrderID:           c.order.ID,
			ItemType:          models.OrderItemTypeEventFees,
			EventID:           &id,
			Quantity:          1,
			UnitPriceInCents:  fee.UnitInCents,
			CompanyFeeInCents: fee.CompanyInCents,
			ClientFeeInCents:  fee.ClientInCents,
			CreatedAt:         c.now,
			UpdatedAt:         c.now,
		}
		if err := c.db.InsertItem(ctx, item); err != nil {
			return err
		}
	}

	if len(stale) == 0 {
		return nil
	}
	return c.db.DeleteItems(ctx, stale)
}
