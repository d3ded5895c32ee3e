// Package order is the cart and order engine: it reserves ticket instances
// for cart lines, reprices every line on each change, locks a cart for
// checkout, completes paid orders and applies refunds.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/catalog"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/holds"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	orderdb "ms-ticket-commerce/internal/order/db"
	"ms-ticket-commerce/internal/pricing"
	"ms-ticket-commerce/internal/utils"
)

type OrderService struct {
	db      *bun.DB
	catalog *catalog.Catalog
	logger  *logger.Logger
	clock   utils.Clock
	// cartExpiry is the sliding window applied to reservations on every cart change.
	cartExpiry time.Duration
}

func NewOrderService(db *bun.DB, cat *catalog.Catalog, cartExpiry time.Duration, log *logger.Logger) *OrderService {
	return &OrderService{db: db, catalog: cat, logger: log, clock: utils.Now, cartExpiry: cartExpiry}
}

func (s *OrderService) WithClock(clock utils.Clock) *OrderService {
	s.clock = clock
	return s
}

func (s *OrderService) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// ---------------- CARTS ----------------

// FindOrCreateCart returns the user's Draft cart, creating it if needed.
func (s *OrderService) FindOrCreateCart(ctx context.Context, userID uuid.UUID) (*models.Order, error) {
	return s.findOrCreateCart(ctx, s.db, userID)
}

func (s *OrderService) findOrCreateCart(ctx context.Context, idb bun.IDB, userID uuid.UUID) (*models.Order, error) {
	d := orderdb.New(idb)
	cart, err := d.DraftCart(ctx, userID)
	if err != nil || cart != nil {
		return cart, err
	}

	now := s.now()
	cart = &models.Order{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    models.OrderStatusDraft,
		OrderType: models.OrderTypeCart,
		OrderDate: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := d.CreateDraftCart(ctx, cart)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another request created it between our read and insert.
		cart, err = d.DraftCart(ctx, userID)
		if err != nil {
			return nil, err
		}
		if cart == nil {
			return nil, apperr.Internal("draft cart vanished after conflicting insert", nil)
		}
		return cart, nil
	}

	s.logger.LogOrder("cart_created", cart.ID.String(), fmt.Sprintf("Cart created for user %s", userID))
	ev := domain.NewEvent(models.DomainEventOrderCreated, "Cart created", models.TableOrders, cart.ID, &userID, nil)
	return cart, domain.Record(ctx, idb, ev)
}

// Order loads an order visible to userID: the buyer or the beneficiary.
func (s *OrderService) Order(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	o, err := orderdb.New(s.db).GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID && o.Beneficiary() != userID {
		return nil, apperr.NotFound("Order not found")
	}
	return o, nil
}

// Orders lists the user's placed orders.
func (s *OrderService) Orders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	return orderdb.New(s.db).OrdersForUser(ctx, userID)
}

// ---------------- TOTALS & DISPLAY ----------------

// Items returns every line of the order.
func (s *OrderService) Items(ctx context.Context, idb bun.IDB, orderID uuid.UUID) ([]*models.OrderItem, error) {
	return orderdb.New(idb).Items(ctx, orderID)
}

// Total is what the order costs after refunds.
func Total(items []*models.OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Total()
	}
	return total
}

// CalculateTotal loads the items of an order and totals them.
func (s *OrderService) CalculateTotal(ctx context.Context, idb bun.IDB, orderID uuid.UUID) (int64, error) {
	items, err := s.Items(ctx, idb, orderID)
	if err != nil {
		return 0, err
	}
	return Total(items), nil
}

// FormatCents renders integer cents as a fixed two-decimal amount.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

type DisplayItem struct {
	*models.OrderItem
	TicketTypeName string                `json:"ticket_type_name,omitempty"`
	RedemptionCode *string               `json:"redemption_code,omitempty"`
	Status         models.CartItemStatus `json:"cart_item_status,omitempty"`
}

type Display struct {
	ID           uuid.UUID          `json:"id"`
	Status       models.OrderStatus `json:"status"`
	Version      int64              `json:"version"`
	ExpiresAt    *time.Time         `json:"expires_at"`
	PaidAt       *time.Time         `json:"paid_at"`
	BoxOffice    bool               `json:"box_office_pricing"`
	Items        []DisplayItem      `json:"items"`
	TotalInCents int64              `json:"total_in_cents"`
	Total        string             `json:"total"`
	ItemsValid   bool               `json:"items_valid"`
}

// Display renders an order with per-line validity for the buyer.
func (s *OrderService) Display(ctx context.Context, idb bun.IDB, order *models.Order) (*Display, error) {
	items, err := s.Items(ctx, idb, order.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	out := &Display{
		ID:           order.ID,
		Status:       order.Status,
		Version:      order.Version,
		ExpiresAt:    order.ExpiresAt,
		PaidAt:       order.PaidAt,
		BoxOffice:    order.BoxOfficePricing,
		Items:        make([]DisplayItem, 0, len(items)),
		TotalInCents: Total(items),
		ItemsValid:   true,
	}
	out.Total = FormatCents(out.TotalInCents)

	var statuses map[uuid.UUID]models.CartItemStatus
	if order.Status == models.OrderStatusDraft {
		if statuses, err = s.itemStatuses(ctx, idb, items, now); err != nil {
			return nil, err
		}
	}

	names := map[uuid.UUID]string{}
	for _, it := range items {
		di := DisplayItem{OrderItem: it}
		if it.ItemType == models.OrderItemTypeTickets && it.TicketTypeID != nil {
			name, ok := names[*it.TicketTypeID]
			if !ok {
				tt, err := s.catalog.TicketType(ctx, idb, *it.TicketTypeID)
				if err != nil {
					return nil, err
				}
				name = tt.Name
				names[tt.ID] = name
			}
			di.TicketTypeName = name
			if di.RedemptionCode, err = redemptionCodeOf(ctx, idb, it); err != nil {
				return nil, err
			}
			if st, ok := statuses[it.ID]; ok {
				di.Status = st
				if st != models.CartItemStatusValid {
					out.ItemsValid = false
				}
			}
		}
		out.Items = append(out.Items, di)
	}
	return out, nil
}

// Render is Display outside of any transaction.
func (s *OrderService) Render(ctx context.Context, order *models.Order) (*Display, error) {
	return s.Display(ctx, s.db, order)
}

// ---------------- HELPERS ----------------

func redemptionOf(ctx context.Context, idb bun.IDB, item *models.OrderItem) (*pricing.Redemption, error) {
	switch {
	case item.HoldID != nil:
		h, err := holds.Get(ctx, idb, *item.HoldID)
		if err != nil {
			return nil, err
		}
		return &pricing.Redemption{Hold: h}, nil
	case item.CodeID != nil:
		c, err := holds.GetCode(ctx, idb, *item.CodeID)
		if err != nil {
			return nil, err
		}
		return &pricing.Redemption{Code: c}, nil
	}
	return nil, nil
}

func redemptionCodeOf(ctx context.Context, idb bun.IDB, item *models.OrderItem) (*string, error) {
	r, err := redemptionOf(ctx, idb, item)
	if err != nil || r == nil {
		return nil, err
	}
	if r.Hold != nil {
		return &r.Hold.RedemptionCode, nil
	}
	return &r.Code.RedemptionCode, nil
}

func ticketItemIDs(items []*models.OrderItem) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		if it.ItemType == models.OrderItemTypeTickets {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func childOf(items []*models.OrderItem, parentID uuid.UUID, itemType models.OrderItemType) *models.OrderItem {
	for _, it := range items {
		if it.ItemType == itemType && it.ParentID != nil && *it.ParentID == parentID {
			return it
		}
	}
	return nil
}

// itemStatuses reports, for each ticket line, whether it can still be paid for at now.
func (s *OrderService) itemStatuses(ctx context.Context, idb bun.IDB, items []*models.OrderItem, now time.Time) (map[uuid.UUID]models.CartItemStatus, error) {
	ids := ticketItemIDs(items)
	valid, err := inventory.ValidCounts(ctx, idb, ids, now)
	if err != nil {
		return nil, err
	}
	nullified, err := inventory.NullifiedCounts(ctx, idb, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]models.CartItemStatus, len(ids))
	for _, it := range items {
		if it.ItemType != models.OrderItemTypeTickets {
			continue
		}
		st, err := holds.Revalidate(ctx, idb, it.HoldID, it.CodeID, now)
		if err != nil {
			return nil, err
		}
		switch {
		case st != models.CartItemStatusValid:
		case nullified[it.ID] > 0:
			st = models.CartItemStatusTicketNullified
		case valid[it.ID] < it.Quantity:
			st = models.CartItemStatusTicketNotReserved
		}
		out[it.ID] = st
	}
	return out, nil
}

// ItemsValidForPurchase is true when every ticket line still holds live
// reservations for its full quantity.
func (s *OrderService) ItemsValidForPurchase(ctx context.Context, idb bun.IDB, orderID uuid.UUID) (bool, error) {
	items, err := s.Items(ctx, idb, orderID)
	if err != nil {
		return false, err
	}
	statuses, err := s.itemStatuses(ctx, idb, items, s.now())
	if err != nil {
		return false, err
	}
	for _, st := range statuses {
		if st != models.CartItemStatusValid {
			return false, nil
		}
	}
	return true, nil
}
