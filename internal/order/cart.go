package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/catalog"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/holds"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
	orderdb "ms-ticket-commerce/internal/order/db"
	"ms-ticket-commerce/internal/pricing"
)

type UpdateItem struct {
	TicketTypeID   uuid.UUID `json:"ticket_type_id" validate:"required"`
	Quantity       int64     `json:"quantity" validate:"gte=0"`
	RedemptionCode *string   `json:"redemption_code"`
}

type UpdateRequest struct {
	Items            []UpdateItem `json:"items" validate:"dive"`
	BoxOfficePricing bool         `json:"box_office_pricing"`
}

// lineKey identifies a ticket line: one per ticket type and redemption.
type lineKey struct {
	ticketTypeID uuid.UUID
	holdID       uuid.UUID
	codeID       uuid.UUID
}

func keyOf(item *models.OrderItem) lineKey {
	k := lineKey{ticketTypeID: *item.TicketTypeID}
	if item.HoldID != nil {
		k.holdID = *item.HoldID
	}
	if item.CodeID != nil {
		k.codeID = *item.CodeID
	}
	return k
}

// wanted is one validated request line.
type wanted struct {
	field      string
	tt         *models.TicketType
	event      *models.Event
	quantity   int64
	redemption *pricing.Redemption
}

func (w *wanted) key() lineKey {
	k := lineKey{ticketTypeID: w.tt.ID}
	if w.redemption != nil && w.redemption.Hold != nil {
		k.holdID = w.redemption.Hold.ID
	}
	if w.redemption != nil && w.redemption.Code != nil {
		k.codeID = w.redemption.Code.ID
	}
	return k
}

// cart is the state of one cart mutation inside its transaction.
type cart struct {
	tx     bun.IDB
	db     *orderdb.DB
	order  *models.Order
	items  []*models.OrderItem
	userID uuid.UUID
	now    time.Time
	until  time.Time

	ticketTypes map[uuid.UUID]*models.TicketType
	events      map[uuid.UUID]*models.Event
	// reserved lists ticket types that took inventory in this mutation.
	reserved map[uuid.UUID]bool
}

func (c *cart) reload(ctx context.Context) error {
	items, err := c.db.Items(ctx, c.order.ID)
	c.items = items
	return err
}

func (s *OrderService) ticketType(ctx context.Context, c *cart, id uuid.UUID) (*models.TicketType, error) {
	if tt, ok := c.ticketTypes[id]; ok {
		return tt, nil
	}
	tt, err := s.catalog.TicketType(ctx, c.tx, id)
	if err != nil {
		return nil, err
	}
	c.ticketTypes[id] = tt
	return tt, nil
}

func (s *OrderService) event(ctx context.Context, c *cart, id uuid.UUID) (*models.Event, error) {
	if e, ok := c.events[id]; ok {
		return e, nil
	}
	e, _, err := s.catalog.EventWithOrganization(ctx, c.tx, id)
	if err != nil {
		return nil, err
	}
	c.events[id] = e
	return e, nil
}

// openCart finds or creates the user's cart and locks it for this transaction.
func (s *OrderService) openCart(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*cart, error) {
	found, err := s.findOrCreateCart(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	d := orderdb.New(tx)
	order, err := d.LockOrder(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusDraft {
		return nil, apperr.Business("order_not_draft", "Only draft orders can be changed")
	}
	now := s.now()
	c := &cart{
		tx:          tx,
		db:          d,
		order:       order,
		userID:      userID,
		now:         now,
		until:       now.Add(s.cartExpiry),
		ticketTypes: map[uuid.UUID]*models.TicketType{},
		events:      map[uuid.UUID]*models.Event{},
		reserved:    map[uuid.UUID]bool{},
	}
	return c, c.reload(ctx)
}

// mutate runs fn on the user's locked cart, then reprices it, slides its
// expiry and bumps its version, all in one transaction.
func (s *OrderService) mutate(ctx context.Context, userID uuid.UUID, boxOffice *bool, fn func(ctx context.Context, c *cart) error) (*models.Order, error) {
	var out *models.Order
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		c, err := s.openCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		if boxOffice != nil {
			c.order.BoxOfficePricing = *boxOffice
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
		if err := c.reload(ctx); err != nil {
			return err
		}
		if err := s.reprice(ctx, c); err != nil {
			return err
		}
		if err := s.touch(ctx, c); err != nil {
			return err
		}
		for ttID := range c.reserved {
			if _, err := s.catalog.CascadeSoldOut(ctx, tx, ttID, &userID, c.now); err != nil {
				return err
			}
		}
		ev := domain.NewEvent(models.DomainEventOrderUpdated, "Cart updated", models.TableOrders, c.order.ID, &userID,
			map[string]interface{}{"version": c.order.Version, "ticket_lines": len(ticketItemIDs(c.items))})
		if err := domain.Record(ctx, tx, ev); err != nil {
			return err
		}
		out = c.order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateQuantities sets the quantity of each requested line. With replace,
// lines absent from the request are removed. Either every line is applied or
// none is.
func (s *OrderService) UpdateQuantities(ctx context.Context, userID uuid.UUID, req UpdateRequest, replace bool) (*models.Order, error) {
	if err := apperr.ValidateStruct(req); err != nil {
		return nil, err
	}
	order, err := s.mutate(ctx, userID, &req.BoxOfficePricing, func(ctx context.Context, c *cart) error {
		lines, err := s.resolve(ctx, c, req.Items)
		if err != nil {
			return err
		}
		if err := s.checkLimits(ctx, c, lines, replace); err != nil {
			return err
		}
		return s.apply(ctx, c, lines, replace)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindInsufficientInventory) {
			s.logger.Warn("ORDER", fmt.Sprintf("Cart update for user %s rejected: %v", userID, err))
		}
		return nil, err
	}
	s.logger.LogOrder("cart_updated", order.ID.String(), fmt.Sprintf("%d lines requested, replace=%t", len(req.Items), replace))
	return order, nil
}

// resolve validates every requested line and collects all field errors.
func (s *OrderService) resolve(ctx context.Context, c *cart, items []UpdateItem) ([]*wanted, error) {
	v := apperr.NewValidation()
	lines := make([]*wanted, 0, len(items))
	seen := map[lineKey]bool{}

	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)
		tt, err := s.ticketType(ctx, c, it.TicketTypeID)
		if apperr.Is(err, apperr.KindNotFound) {
			v.Add(field+".ticket_type_id", "not_found", "Ticket type not found")
			continue
		}
		if err != nil {
			return nil, err
		}
		ev, err := s.event(ctx, c, tt.EventID)
		if err != nil {
			return nil, err
		}

		w := &wanted{field: field, tt: tt, event: ev, quantity: it.Quantity}
		if it.RedemptionCode != nil && strings.TrimSpace(*it.RedemptionCode) != "" {
			r, err := holds.Lookup(ctx, c.tx, ev.ID, *it.RedemptionCode, c.now)
			if err != nil {
				if err := v.MergeUnder(field, err); err != nil {
					return nil, err
				}
				continue
			}
			applies, err := holds.Applies(ctx, c.tx, r, tt.ID)
			if err != nil {
				return nil, err
			}
			if !applies {
				v.Add(field+".redemption_code", "redemption_code_not_for_ticket_type", "Redemption code does not apply to this ticket type")
				continue
			}
			w.redemption = r
		}

		if seen[w.key()] {
			v.Add(field, "duplicate_item", "Ticket type and redemption code appear more than once")
			continue
		}
		seen[w.key()] = true

		if w.quantity > 0 {
			if err := catalog.Purchasable(tt, ev, c.now); err != nil {
				ae, ok := apperr.As(err)
				if !ok {
					return nil, err
				}
				v.Add(field+".ticket_type_id", ae.Reason, ae.Message)
				continue
			}
			if tt.Visibility == models.TicketTypeVisibilityHidden && w.redemption == nil {
				v.Add(field+".ticket_type_id", "ticket_type_requires_access_code", "This ticket type needs an access code")
				continue
			}
			if tt.Increment > 1 && w.quantity%tt.Increment != 0 {
				v.AddWithParams(field+".quantity", "quantity_invalid_increment",
					fmt.Sprintf("Quantity must be a multiple of %d", tt.Increment),
					map[string]interface{}{"increment": tt.Increment})
				continue
			}
		}
		lines = append(lines, w)
	}
	return lines, v.OrNil()
}

// checkLimits enforces per-person, per-order and per-code caps against the
// quantities the cart will hold once the request is applied.
func (s *OrderService) checkLimits(ctx context.Context, c *cart, lines []*wanted, replace bool) error {
	final := map[lineKey]int64{}
	current := map[lineKey]int64{}
	for _, it := range c.items {
		if it.ItemType != models.OrderItemTypeTickets {
			continue
		}
		current[keyOf(it)] = it.Quantity
		if !replace {
			final[keyOf(it)] = it.Quantity
		}
	}
	for _, w := range lines {
		final[w.key()] = w.quantity
	}

	perType := map[uuid.UUID]int64{}
	for k, q := range final {
		perType[k.ticketTypeID] += q
	}

	v := apperr.NewValidation()
	checkedType := map[uuid.UUID]bool{}
	for _, w := range lines {
		if w.quantity == 0 {
			continue
		}
		if w.tt.LimitPerPerson > 0 && !checkedType[w.tt.ID] {
			checkedType[w.tt.ID] = true
			bought, err := c.db.PurchasedQuantity(ctx, c.userID, w.tt.ID)
			if err != nil {
				return err
			}
			if bought+perType[w.tt.ID] > w.tt.LimitPerPerson {
				v.AddWithParams(w.field+".quantity", "limit_per_person_exceeded",
					fmt.Sprintf("You may buy at most %d tickets of this type", w.tt.LimitPerPerson),
					map[string]interface{}{"limit_per_person": w.tt.LimitPerPerson, "purchased": bought})
			}
		}

		if w.redemption == nil {
			continue
		}
		if h := w.redemption.Hold; h != nil && h.MaxPerOrder != nil && w.quantity > *h.MaxPerOrder {
			v.AddWithParams(w.field+".quantity", "max_per_order_exceeded",
				fmt.Sprintf("At most %d tickets per order with this code", *h.MaxPerOrder),
				map[string]interface{}{"max_per_order": *h.MaxPerOrder})
		}
		if code := w.redemption.Code; code != nil && w.quantity > current[w.key()] {
			if code.MaxUses > 0 {
				uses, err := holds.CodeUses(ctx, c.tx, code.ID)
				if err != nil {
					return err
				}
				if uses >= code.MaxUses {
					v.Add(w.field+".redemption_code", "max_uses_reached", "This code has been used the maximum number of times")
				}
			}
			if code.MaxTicketsPerUser != nil {
				used, err := holds.CodeTicketsForUser(ctx, c.tx, code.ID, c.userID)
				if err != nil {
					return err
				}
				if used+w.quantity > *code.MaxTicketsPerUser {
					v.AddWithParams(w.field+".quantity", "max_tickets_per_user_reached",
						fmt.Sprintf("At most %d tickets per person with this code", *code.MaxTicketsPerUser),
						map[string]interface{}{"max_tickets_per_user": *code.MaxTicketsPerUser, "purchased": used})
				}
			}
		}
	}
	return v.OrNil()
}

// apply diffs the requested lines against the cart and moves inventory.
func (s *OrderService) apply(ctx context.Context, c *cart, lines []*wanted, replace bool) error {
	// Keep every reservation the cart still links, lapsed or not, before counting.
	if err := inventory.Refresh(ctx, c.tx, ticketItemIDs(c.items), c.until, c.now); err != nil {
		return err
	}

	existing := map[lineKey]*models.OrderItem{}
	for _, it := range c.items {
		if it.ItemType == models.OrderItemTypeTickets {
			existing[keyOf(it)] = it
		}
	}

	touched := map[lineKey]bool{}
	for _, w := range lines {
		k := w.key()
		touched[k] = true
		item := existing[k]
		switch {
		case w.quantity == 0 && item == nil:
		case w.quantity == 0:
			if err := s.removeLine(ctx, c, item); err != nil {
				return err
			}
		case item == nil:
			if err := s.addLine(ctx, c, w); err != nil {
				return err
			}
		default:
			if err := s.resize(ctx, c, item, w.tt, w.redemption, w.quantity); err != nil {
				return err
			}
		}
	}

	if replace {
		for k, item := range existing {
			if touched[k] {
				continue
			}
			if err := s.removeLine(ctx, c, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *OrderService) addLine(ctx context.Context, c *cart, w *wanted) error {
	eventID := w.event.ID
	item := &models.OrderItem{
		ID:           uuid.New(),
		OrderID:      c.order.ID,
		ItemType:     models.OrderItemTypeTickets,
		TicketTypeID: &w.tt.ID,
		EventID:      &eventID,
		CreatedAt:    c.now,
		UpdatedAt:    c.now,
	}
	if w.redemption != nil && w.redemption.Hold != nil {
		item.HoldID = &w.redemption.Hold.ID
	}
	if w.redemption != nil && w.redemption.Code != nil {
		item.CodeID = &w.redemption.Code.ID
	}
	if err := c.db.InsertItem(ctx, item); err != nil {
		return err
	}
	return s.resize(ctx, c, item, w.tt, w.redemption, w.quantity)
}

// resize makes the line hold exactly quantity live reservations, topping up
// any that were lost while the cart sat expired.
func (s *OrderService) resize(ctx context.Context, c *cart, item *models.OrderItem, tt *models.TicketType, r *pricing.Redemption, quantity int64) error {
	linked, err := inventory.LinkedCounts(ctx, c.tx, []uuid.UUID{item.ID})
	if err != nil {
		return err
	}
	have := linked[item.ID]

	switch {
	case have < quantity:
		if err := s.reserve(ctx, c, item, tt, r, quantity-have); err != nil {
			return err
		}
	case have > quantity:
		if _, err := inventory.Release(ctx, c.tx, item.ID, have-quantity, &c.userID, c.now); err != nil {
			return err
		}
	}

	if item.Quantity != quantity {
		item.Quantity = quantity
		item.UpdatedAt = c.now
		return c.db.UpdateItem(ctx, item)
	}
	return nil
}

func (s *OrderService) reserve(ctx context.Context, c *cart, item *models.OrderItem, tt *models.TicketType, r *pricing.Redemption, n int64) error {
	req := inventory.ReserveRequest{
		TicketTypeID:   tt.ID,
		TicketTypeName: tt.Name,
		OrderItemID:    item.ID,
		Quantity:       n,
		ReservedUntil:  c.until,
		Now:            c.now,
	}
	if r != nil && r.Hold != nil {
		h, err := holds.LockForReservation(ctx, c.tx, r.Hold.ID)
		if err != nil {
			return err
		}
		q, err := holds.Quantities(ctx, c.tx, h, c.now)
		if err != nil {
			return err
		}
		if q.Available < n {
			return apperr.InsufficientInventory(tt.ID, tt.Name, n, q.Available)
		}
		pool, err := holds.PoolIDs(ctx, c.tx, h)
		if err != nil {
			return err
		}
		req.HoldPool = pool
		req.HoldID = &h.ID
	}
	if _, err := inventory.Reserve(ctx, c.tx, req); err != nil {
		return err
	}
	c.reserved[tt.ID] = true
	return nil
}

// removeLine releases a ticket line's inventory and deletes it with its fee
// and discount lines.
func (s *OrderService) removeLine(ctx context.Context, c *cart, item *models.OrderItem) error {
	if _, err := inventory.Release(ctx, c.tx, item.ID, 0, &c.userID, c.now); err != nil {
		return err
	}
	ids := []uuid.UUID{item.ID}
	for _, it := range c.items {
		if it.ParentID != nil && *it.ParentID == item.ID {
			ids = append(ids, it.ID)
		}
	}
	return c.db.DeleteItems(ctx, ids)
}

// touch slides the cart's expiry and bumps its version.
func (s *OrderService) touch(ctx context.Context, c *cart) error {
	ids := ticketItemIDs(c.items)
	if err := inventory.Refresh(ctx, c.tx, ids, c.until, c.now); err != nil {
		return err
	}
	if len(ids) == 0 {
		c.order.ExpiresAt = nil
	} else {
		until := c.until
		c.order.ExpiresAt = &until
	}
	if err := c.db.LockVersion(ctx, c.order.ID, c.order.Version, c.now); err != nil {
		return err
	}
	c.order.Version++
	c.order.UpdatedAt = c.now
	return c.db.UpdateOrder(ctx, c.order, "expires_at", "box_office_pricing")
}

// ---------------- CART OPERATIONS ----------------

// Clear empties the user's cart.
func (s *OrderService) Clear(ctx context.Context, userID uuid.UUID) (*models.Order, error) {
	return s.mutate(ctx, userID, nil, func(ctx context.Context, c *cart) error {
		for _, it := range c.items {
			if it.ItemType != models.OrderItemTypeTickets {
				continue
			}
			if err := s.removeLine(ctx, c, it); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearInvalidItems drops ticket lines that can no longer be paid for and
// keeps the rest of the cart.
func (s *OrderService) ClearInvalidItems(ctx context.Context, userID uuid.UUID) (*models.Order, error) {
	return s.mutate(ctx, userID, nil, func(ctx context.Context, c *cart) error {
		statuses, err := s.itemStatuses(ctx, c.tx, c.items, c.now)
		if err != nil {
			return err
		}
		for _, it := range c.items {
			st, ok := statuses[it.ID]
			if !ok || st == models.CartItemStatusValid {
				continue
			}
			s.logger.LogOrder("cart_item_cleared", c.order.ID.String(), fmt.Sprintf("Removed line %s: %s", it.ID, st))
			if err := s.removeLine(ctx, c, it); err != nil {
				return err
			}
		}
		return nil
	})
}

// Duplicate adds the ticket lines of a past order to the user's cart at
// today's prices.
func (s *OrderService) Duplicate(ctx context.Context, userID, sourceOrderID uuid.UUID) (*models.Order, error) {
	source, err := s.Order(ctx, sourceOrderID, userID)
	if err != nil {
		return nil, err
	}
	if source.Status == models.OrderStatusDraft {
		return nil, apperr.Business("order_is_cart", "A cart cannot be duplicated")
	}
	items, err := s.Items(ctx, s.db, source.ID)
	if err != nil {
		return nil, err
	}

	req := UpdateRequest{}
	for _, it := range items {
		if it.ItemType != models.OrderItemTypeTickets || it.Quantity-it.RefundedQuantity <= 0 {
			continue
		}
		code, err := redemptionCodeOf(ctx, s.db, it)
		if err != nil {
			return nil, err
		}
		req.Items = append(req.Items, UpdateItem{
			TicketTypeID:   *it.TicketTypeID,
			Quantity:       it.Quantity - it.RefundedQuantity,
			RedemptionCode: code,
		})
	}
	if len(req.Items) == 0 {
		return nil, apperr.Business("order_has_no_tickets", "The order has no tickets left to duplicate")
	}
	return s.UpdateQuantities(ctx, userID, req, false)
}
