package order_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/catalog"
	"ms-ticket-commerce/internal/holds"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/order"
	"ms-ticket-commerce/internal/testutil"
)

const cartExpiry = 15 * time.Minute

type harness struct {
	*testutil.Fixture
	svc   *order.OrderService
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{Fixture: testutil.NewFixture(t)}
	h.clock = h.Now
	cat := catalog.New(catalog.LocalRegistry{}, logger.NewNop())
	h.svc = order.NewOrderService(h.DB, cat, cartExpiry, logger.NewNop()).
		WithClock(func() time.Time { return h.clock })
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func line(tt *models.TicketType, qty int64) order.UpdateItem {
	return order.UpdateItem{TicketTypeID: tt.ID, Quantity: qty}
}

func withCode(tt *models.TicketType, qty int64, code string) order.UpdateItem {
	return order.UpdateItem{TicketTypeID: tt.ID, Quantity: qty, RedemptionCode: &code}
}

func (h *harness) update(t *testing.T, userID uuid.UUID, replace bool, items ...order.UpdateItem) (*models.Order, error) {
	t.Helper()
	return h.svc.UpdateQuantities(context.Background(), userID, order.UpdateRequest{Items: items}, replace)
}

func (h *harness) items(t *testing.T, orderID uuid.UUID) []*models.OrderItem {
	t.Helper()
	items, err := h.svc.Items(context.Background(), h.DB, orderID)
	require.NoError(t, err)
	return items
}

func ofType(items []*models.OrderItem, itemType models.OrderItemType) []*models.OrderItem {
	var out []*models.OrderItem
	for _, it := range items {
		if it.ItemType == itemType {
			out = append(out, it)
		}
	}
	return out
}

func linked(t *testing.T, h *harness, item *models.OrderItem) int64 {
	t.Helper()
	counts, err := inventory.LinkedCounts(context.Background(), h.DB, []uuid.UUID{item.ID})
	require.NoError(t, err)
	return counts[item.ID]
}

func TestUpdateQuantities_PricesTicketAndFeeLines(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 150, 100)
	user := h.AddUser(t)

	cart, err := h.update(t, user.ID, true, line(tt, 2))
	require.NoError(t, err)

	items := h.items(t, cart.ID)
	tickets := ofType(items, models.OrderItemTypeTickets)
	fees := ofType(items, models.OrderItemTypePerUnitFees)
	require.Len(t, tickets, 1)
	require.Len(t, fees, 1)
	assert.Equal(t, int64(2), tickets[0].Quantity)
	assert.Equal(t, int64(150), tickets[0].UnitPriceInCents)
	assert.Equal(t, int64(2), fees[0].Quantity)
	assert.Equal(t, int64(20), fees[0].UnitPriceInCents)
	assert.Equal(t, tickets[0].ID, *fees[0].ParentID)
	assert.Equal(t, int64(340), order.Total(items))
	require.NotNil(t, cart.ExpiresAt)
	assert.True(t, cart.ExpiresAt.Equal(h.Now.Add(cartExpiry)))

	_, err = h.update(t, user.ID, true, line(tt, 10))
	require.NoError(t, err)
	_, err = h.update(t, user.ID, true, line(tt, 6))
	require.NoError(t, err)

	items = h.items(t, cart.ID)
	tickets = ofType(items, models.OrderItemTypeTickets)
	fees = ofType(items, models.OrderItemTypePerUnitFees)
	require.Len(t, tickets, 1)
	assert.Equal(t, int64(6), tickets[0].Quantity)
	assert.Equal(t, int64(150), tickets[0].UnitPriceInCents)
	assert.Equal(t, int64(6), fees[0].Quantity)
	assert.Equal(t, int64(20), fees[0].UnitPriceInCents)
	assert.Equal(t, int64(6), linked(t, h, tickets[0]))
}

func TestUpdateQuantities_HoldCodeDiscountsAndConsumesHold(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 150, 20)
	user := h.AddUser(t)
	ctx := context.Background()

	discount := int64(10)
	hold, err := holds.Create(ctx, h.DB, tt, holds.HoldInput{
		Name:            "Friends",
		RedemptionCode:  "FRIENDS",
		HoldType:        models.HoldTypeDiscount,
		DiscountInCents: &discount,
		Quantity:        10,
	}, nil, h.Now)
	require.NoError(t, err)

	cart, err := h.update(t, user.ID, false, withCode(tt, 1, "friends"))
	require.NoError(t, err)

	tickets := ofType(h.items(t, cart.ID), models.OrderItemTypeTickets)
	require.Len(t, tickets, 1)
	assert.Equal(t, int64(140), tickets[0].UnitPriceInCents)
	require.NotNil(t, tickets[0].HoldID)
	assert.Equal(t, hold.ID, *tickets[0].HoldID)

	q, err := holds.Quantities(ctx, h.DB, hold, h.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), q.Total)
	assert.Equal(t, int64(9), q.Available)
}

func TestUpdateQuantities_DiscountCodeAddsNegativeLine(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 150, 20)
	user := h.AddUser(t)

	off := int64(30)
	_, err := holds.CreateCode(context.Background(), h.DB, h.Event.ID, holds.CodeInput{
		Name:            "Launch",
		RedemptionCode:  "LAUNCH",
		CodeType:        models.CodeTypeDiscount,
		DiscountInCents: &off,
		StartDate:       h.Now.Add(-time.Hour),
		EndDate:         h.Now.Add(time.Hour),
		TicketTypeIDs:   []uuid.UUID{tt.ID},
	}, nil, h.Now)
	require.NoError(t, err)

	cart, err := h.update(t, user.ID, false, withCode(tt, 2, "LAUNCH"))
	require.NoError(t, err)

	items := h.items(t, cart.ID)
	discounts := ofType(items, models.OrderItemTypeDiscount)
	require.Len(t, discounts, 1)
	assert.Equal(t, int64(-30), discounts[0].UnitPriceInCents)
	assert.Equal(t, int64(2), discounts[0].Quantity)
	assert.Equal(t, int64(150), ofType(items, models.OrderItemTypeTickets)[0].UnitPriceInCents)
	assert.Equal(t, int64(2*(150-30+20)), order.Total(items))
}

func TestUpdateQuantities_IncrementGrid(t *testing.T) {
	for _, inc := range []int64{1, 2, 4} {
		for _, qty := range []int64{1, 3, 5, 7} {
			t.Run(fmt.Sprintf("increment_%d_quantity_%d", inc, qty), func(t *testing.T) {
				h := newHarness(t)
				tt := h.AddTicketType(t, "GA", 100, 20, testutil.TicketTypeOpts{Increment: inc})
				user := h.AddUser(t)

				_, err := h.update(t, user.ID, true, line(tt, qty))
				if qty%inc == 0 {
					assert.NoError(t, err)
					return
				}
				assert.True(t, apperr.HasFieldCode(err, "items[0].quantity", "quantity_invalid_increment"), "got %v", err)
			})
		}
	}
}

func TestUpdateQuantities_NeverReservesTwice(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	alice := h.AddUser(t)
	bob := h.AddUser(t)

	cart, err := h.update(t, alice.ID, true, line(tt, 6))
	require.NoError(t, err)
	_, err = h.update(t, alice.ID, true, line(tt, 6))
	require.NoError(t, err)

	_, err = h.update(t, bob.ID, true, line(tt, 6))
	ae, ok := apperr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, apperr.KindInsufficientInventory, ae.Kind)
	assert.Equal(t, int64(4), ae.Available)

	tickets := ofType(h.items(t, cart.ID), models.OrderItemTypeTickets)
	assert.Equal(t, int64(6), linked(t, h, tickets[0]))

	bobCart, err := h.update(t, bob.ID, true, line(tt, 4))
	require.NoError(t, err)
	assert.NotEqual(t, cart.ID, bobCart.ID)
}

func TestUpdateQuantities_FailedUpdateLeavesCartUntouched(t *testing.T) {
	h := newHarness(t)
	ga := h.AddTicketType(t, "GA", 100, 10)
	vip := h.AddTicketType(t, "VIP", 300, 2)
	user := h.AddUser(t)

	cart, err := h.update(t, user.ID, true, line(ga, 2))
	require.NoError(t, err)

	_, err = h.update(t, user.ID, true, line(ga, 5), line(vip, 3))
	require.Error(t, err)

	items := h.items(t, cart.ID)
	tickets := ofType(items, models.OrderItemTypeTickets)
	require.Len(t, tickets, 1)
	assert.Equal(t, int64(2), tickets[0].Quantity)
	assert.Equal(t, int64(2), linked(t, h, tickets[0]))
}

func TestUpdateQuantities_ReplaceDropsMissingLines(t *testing.T) {
	h := newHarness(t)
	ga := h.AddTicketType(t, "GA", 100, 10)
	vip := h.AddTicketType(t, "VIP", 300, 10)
	user := h.AddUser(t)

	cart, err := h.update(t, user.ID, true, line(ga, 2), line(vip, 1))
	require.NoError(t, err)

	_, err = h.update(t, user.ID, false, line(ga, 3))
	require.NoError(t, err)
	assert.Len(t, ofType(h.items(t, cart.ID), models.OrderItemTypeTickets), 2)

	_, err = h.update(t, user.ID, true, line(vip, 1))
	require.NoError(t, err)
	items := h.items(t, cart.ID)
	tickets := ofType(items, models.OrderItemTypeTickets)
	require.Len(t, tickets, 1)
	assert.Equal(t, vip.ID, *tickets[0].TicketTypeID)
	assert.Len(t, ofType(items, models.OrderItemTypePerUnitFees), 1)

	free, err := inventory.AvailableCount(context.Background(), h.DB, ga.ID, nil, h.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), free)
}

func TestUpdateQuantities_Validation(t *testing.T) {
	h := newHarness(t)
	limited := h.AddTicketType(t, "Limited", 100, 10, testutil.TicketTypeOpts{LimitPerPerson: 2})
	hidden := h.AddTicketType(t, "Secret", 100, 10, testutil.TicketTypeOpts{Visibility: models.TicketTypeVisibilityHidden})
	user := h.AddUser(t)

	_, err := h.update(t, user.ID, true, line(limited, 3))
	assert.True(t, apperr.HasFieldCode(err, "items[0].quantity", "limit_per_person_exceeded"), "got %v", err)

	_, err = h.update(t, user.ID, true, line(hidden, 1))
	assert.True(t, apperr.HasFieldCode(err, "items[0].ticket_type_id", "ticket_type_requires_access_code"), "got %v", err)

	_, err = h.update(t, user.ID, true, line(limited, 1), line(limited, 1))
	assert.True(t, apperr.HasFieldCode(err, "items[1]", "duplicate_item"), "got %v", err)

	_, err = h.update(t, user.ID, true, withCode(limited, 1, "NOPE"))
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	_, err = h.update(t, user.ID, true, order.UpdateItem{TicketTypeID: uuid.New(), Quantity: 1})
	assert.True(t, apperr.HasFieldCode(err, "items[0].ticket_type_id", "not_found"), "got %v", err)
}

func TestUpdateQuantities_ExpiredCartIsToppedUp(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)
	ctx := context.Background()

	cart, err := h.update(t, user.ID, true, line(tt, 3))
	require.NoError(t, err)

	h.advance(cartExpiry + time.Minute)
	valid, err := h.svc.ItemsValidForPurchase(ctx, h.DB, cart.ID)
	require.NoError(t, err)
	assert.False(t, valid)

	display, err := h.svc.Display(ctx, h.DB, cart)
	require.NoError(t, err)
	assert.False(t, display.ItemsValid)

	again, err := h.update(t, user.ID, true, line(tt, 3))
	require.NoError(t, err)
	assert.Equal(t, cart.ID, again.ID)

	valid, err = h.svc.ItemsValidForPurchase(ctx, h.DB, cart.ID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestClearInvalidItems_DropsOnlyLapsedLines(t *testing.T) {
	h := newHarness(t)
	ga := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)
	ctx := context.Background()

	cart, err := h.update(t, user.ID, true, line(ga, 2))
	require.NoError(t, err)
	h.advance(cartExpiry + time.Minute)

	// Someone else takes the lapsed tickets.
	other := h.AddUser(t)
	_, err = h.update(t, other.ID, true, line(ga, 10))
	require.NoError(t, err)

	_, err = h.svc.ClearInvalidItems(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, h.items(t, cart.ID))
}

func TestClear_ReleasesInventory(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)
	ctx := context.Background()

	cart, err := h.update(t, user.ID, true, line(tt, 4))
	require.NoError(t, err)

	cleared, err := h.svc.Clear(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, cleared.ID)
	assert.Nil(t, cleared.ExpiresAt)
	assert.Empty(t, h.items(t, cart.ID))

	free, err := inventory.AvailableCount(ctx, h.DB, tt.ID, nil, h.clock)
	require.NoError(t, err)
	assert.Equal(t, int64(10), free)
}

func TestDisplay_FormatsTotal(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 1250, 10)
	user := h.AddUser(t)

	cart, err := h.update(t, user.ID, true, line(tt, 2))
	require.NoError(t, err)

	display, err := h.svc.Display(context.Background(), h.DB, cart)
	require.NoError(t, err)
	assert.True(t, display.ItemsValid)
	assert.Equal(t, int64(2540), display.TotalInCents)
	assert.Equal(t, "25.40", display.Total)
	assert.Equal(t, "GA", display.Items[0].TicketTypeName)
	assert.Equal(t, models.CartItemStatusValid, display.Items[0].Status)
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "0.00", order.FormatCents(0))
	assert.Equal(t, "1.05", order.FormatCents(105))
	assert.Equal(t, "-0.30", order.FormatCents(-30))
}
