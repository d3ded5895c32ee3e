package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
	orderdb "ms-ticket-commerce/internal/order/db"
)

// Checkout is a locked cart ready to be charged.
type Checkout struct {
	Order        *models.Order
	Items        []*models.OrderItem
	TotalInCents int64
}

// BeginCheckout locks the user's cart inside tx, checks it can be paid for and
// bumps its version so concurrent cart edits fail.
func (s *OrderService) BeginCheckout(ctx context.Context, tx bun.IDB, orderID, userID uuid.UUID) (*Checkout, error) {
	d := orderdb.New(tx)
	order, err := d.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.NotFound("Order not found")
	}
	if order.Status != models.OrderStatusDraft {
		return nil, apperr.Business("order_not_draft", "Only draft orders can be checked out")
	}

	items, err := d.Items(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if len(ticketItemIDs(items)) == 0 {
		return nil, apperr.Business("cart_empty", "Cart has no tickets")
	}
	now := s.now()
	statuses, err := s.itemStatuses(ctx, tx, items, now)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st != models.CartItemStatusValid {
			return nil, apperr.Business("cart_items_invalid", "Some cart items can no longer be purchased")
		}
	}

	if err := d.LockVersion(ctx, order.ID, order.Version, now); err != nil {
		return nil, err
	}
	order.Version++
	order.UpdatedAt = now
	return &Checkout{Order: order, Items: items, TotalInCents: Total(items)}, nil
}

// AddCreditCardFee appends the processing fee charged for card payments.
func (s *OrderService) AddCreditCardFee(ctx context.Context, tx bun.IDB, co *Checkout, feeInCents int64) error {
	if feeInCents <= 0 {
		return nil
	}
	now := s.now()
	item := &models.OrderItem{
		ID:               uuid.New(),
		OrderID:          co.Order.ID,
		ItemType:         models.OrderItemTypeCreditCardFees,
		Quantity:         1,
		UnitPriceInCents: feeInCents,
		ClientFeeInCents: feeInCents,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := orderdb.New(tx).InsertItem(ctx, item); err != nil {
		return err
	}
	co.Items = append(co.Items, item)
	co.TotalInCents += feeInCents
	return nil
}

// Complete marks the order Paid and hands its reserved tickets to the
// beneficiary. Completing a Paid order again is a no-op.
func (s *OrderService) Complete(ctx context.Context, tx bun.IDB, order *models.Order) error {
	if order.Status == models.OrderStatusPaid {
		return nil
	}
	d := orderdb.New(tx)
	items, err := d.Items(ctx, order.ID)
	if err != nil {
		return err
	}

	var expected int64
	for _, it := range items {
		if it.ItemType == models.OrderItemTypeTickets {
			expected += it.Quantity
		}
	}

	now := s.now()
	marked, err := inventory.MarkPurchased(ctx, tx, ticketItemIDs(items), order.ID, order.Beneficiary(), now)
	if err != nil {
		return err
	}
	if int64(marked) != expected {
		s.logger.Error("ORDER", fmt.Sprintf("Order %s: purchased %d tickets, expected %d", order.ID, marked, expected))
		return apperr.Internal(fmt.Sprintf("order %s lost reservations before completion", order.ID), nil)
	}

	order.Status = models.OrderStatusPaid
	order.PaidAt = &now
	order.ExpiresAt = nil
	order.UpdatedAt = now
	if err := d.UpdateOrder(ctx, order, "status", "paid_at", "expires_at"); err != nil {
		return err
	}

	ev := domain.NewEvent(models.DomainEventOrderCompleted, "Order completed", models.TableOrders, order.ID, &order.UserID,
		map[string]interface{}{"tickets": expected, "total_in_cents": Total(items)})
	if err := domain.Record(ctx, tx, ev); err != nil {
		return err
	}
	s.logger.LogOrder("order_paid", order.ID.String(), fmt.Sprintf("%d tickets issued to %s", expected, order.Beneficiary()))
	return nil
}

func (s *OrderService) setStatus(ctx context.Context, tx bun.IDB, order *models.Order, status models.OrderStatus) error {
	from := order.Status
	order.Status = status
	order.UpdatedAt = s.now()
	if err := orderdb.New(tx).UpdateOrder(ctx, order, "status"); err != nil {
		return err
	}
	ev := domain.NewEvent(models.DomainEventOrderStatusUpdated, fmt.Sprintf("Order status %s -> %s", from, status),
		models.TableOrders, order.ID, &order.UserID, map[string]interface{}{"from": from, "to": status})
	return domain.Record(ctx, tx, ev)
}

// MarkPendingPayment parks the order while an asynchronous provider settles.
func (s *OrderService) MarkPendingPayment(ctx context.Context, tx bun.IDB, order *models.Order) error {
	if order.Status == models.OrderStatusPendingPayment {
		return nil
	}
	return s.setStatus(ctx, tx, order, models.OrderStatusPendingPayment)
}

// ResetToDraft returns an order whose payment failed to the cart. When the
// user already started a new cart the order is cancelled instead and its
// tickets go back to the pool.
func (s *OrderService) ResetToDraft(ctx context.Context, tx bun.IDB, order *models.Order) error {
	if order.Status != models.OrderStatusPendingPayment {
		return nil
	}
	d := orderdb.New(tx)
	other, err := d.DraftCart(ctx, order.UserID)
	if err != nil {
		return err
	}
	items, err := d.Items(ctx, order.ID)
	if err != nil {
		return err
	}
	if other == nil {
		// The card fee is added again by the next checkout.
		var fees []uuid.UUID
		for _, it := range items {
			if it.ItemType == models.OrderItemTypeCreditCardFees {
				fees = append(fees, it.ID)
			}
		}
		if err := d.DeleteItems(ctx, fees); err != nil {
			return err
		}
		return s.setStatus(ctx, tx, order, models.OrderStatusDraft)
	}

	now := s.now()
	for _, id := range ticketItemIDs(items) {
		if _, err := inventory.Release(ctx, tx, id, 0, &order.UserID, now); err != nil {
			return err
		}
	}
	s.logger.LogOrder("order_cancelled", order.ID.String(), "Payment failed and a newer cart exists")
	return s.setStatus(ctx, tx, order, models.OrderStatusCancelled)
}

// Prolong extends the order's reservations while the buyer is away on a
// provider payment page.
func (s *OrderService) Prolong(ctx context.Context, tx bun.IDB, order *models.Order, by time.Duration) error {
	items, err := orderdb.New(tx).Items(ctx, order.ID)
	if err != nil {
		return err
	}
	now := s.now()
	until := now.Add(by)
	if err := inventory.Refresh(ctx, tx, ticketItemIDs(items), until, now); err != nil {
		return err
	}
	order.ExpiresAt = &until
	order.UpdatedAt = now
	return orderdb.New(tx).UpdateOrder(ctx, order, "expires_at")
}
