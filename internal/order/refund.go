package order

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
	orderdb "ms-ticket-commerce/internal/order/db"
	"ms-ticket-commerce/internal/utils"
)

type RefundItemRequest struct {
	OrderItemID      uuid.UUID  `json:"order_item_id" validate:"required"`
	TicketInstanceID *uuid.UUID `json:"ticket_instance_id"`
}

type RefundRequest struct {
	Items          []RefundItemRequest `json:"items" validate:"required,min=1,dive"`
	Reason         *string             `json:"reason"`
	ManualOverride bool                `json:"manual_override"`
}

// PaymentRefund is the share of a refund charged back to one payment.
type PaymentRefund struct {
	Payment       *models.Payment
	AmountInCents int64
}

type RefundResult struct {
	Refund          *models.Refund                 `json:"refund"`
	AmountRefunded  int64                          `json:"amount_refunded"`
	RefundBreakdown map[models.PaymentMethod]int64 `json:"refund_breakdown"`
	// Payments lists the provider refunds to issue once the transaction commits.
	Payments []PaymentRefund `json:"-"`
}

// Refund returns tickets and fees of a paid order inside tx. The refunded
// amount is spread over the order's completed payments, oldest first.
func (s *OrderService) Refund(ctx context.Context, tx bun.IDB, orderID, requestedBy uuid.UUID, req RefundRequest) (*RefundResult, error) {
	if err := apperr.ValidateStruct(req); err != nil {
		return nil, err
	}
	d := orderdb.New(tx)
	order, err := d.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPaid {
		return nil, apperr.Business("order_not_paid", "Only paid orders can be refunded")
	}
	items, err := d.Items(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*models.OrderItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	now := s.now()
	refund := &models.Refund{
		ID:             uuid.New(),
		OrderID:        order.ID,
		UserID:         requestedBy,
		Reason:         req.Reason,
		ManualOverride: req.ManualOverride,
		CreatedAt:      now,
	}

	counts := map[uuid.UUID]int64{}
	var instanceIDs []uuid.UUID
	var tickets []*models.RefundedTicket
	seen := map[uuid.UUID]bool{}
	v := apperr.NewValidation()

	for i, r := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		item, ok := byID[r.OrderItemID]
		if !ok {
			v.Add(field+".order_item_id", "not_found", "Order item not found")
			continue
		}

		switch item.ItemType {
		case models.OrderItemTypeTickets:
			if r.TicketInstanceID == nil {
				v.Add(field+".ticket_instance_id", "ticket_instance_required", "Ticket refunds must name the ticket")
				continue
			}
			ti, err := inventory.Get(ctx, tx, *r.TicketInstanceID)
			if err != nil && !apperr.Is(err, apperr.KindNotFound) {
				return nil, err
			}
			if ti == nil || seen[ti.ID] || ti.OrderItemID == nil || *ti.OrderItemID != item.ID ||
				ti.Status != models.TicketInstanceStatusPurchased {
				v.Add(field+".ticket_instance_id", "ticket_not_refundable", "Ticket cannot be refunded")
				continue
			}
			seen[ti.ID] = true
			transferred, err := inventory.WasTransferred(ctx, tx, ti.ID)
			if err != nil {
				return nil, err
			}
			if transferred && !req.ManualOverride {
				return nil, apperr.Business("ticket_transferred",
					fmt.Sprintf("Ticket %s was transferred and needs a manual override to refund", utils.TicketNumber(ti.ID)))
			}

			counts[item.ID]++
			for _, t := range []models.OrderItemType{models.OrderItemTypePerUnitFees, models.OrderItemTypeDiscount} {
				if child := childOf(items, item.ID, t); child != nil {
					counts[child.ID]++
				}
			}
			instanceIDs = append(instanceIDs, ti.ID)
			tickets = append(tickets, &models.RefundedTicket{
				ID:               uuid.New(),
				RefundID:         refund.ID,
				OrderItemID:      item.ID,
				TicketInstanceID: ti.ID,
				CreatedAt:        now,
			})
		case models.OrderItemTypeEventFees, models.OrderItemTypeCreditCardFees:
			counts[item.ID]++
		default:
			v.Add(field+".order_item_id", "refund_item_not_refundable", "This line is refunded with its ticket")
		}
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	for id, n := range counts {
		item := byID[id]
		if item.RefundedQuantity+n > item.Quantity {
			return nil, apperr.Business("refund_quantity_exceeded",
				fmt.Sprintf("Only %d of this line can still be refunded", item.Quantity-item.RefundedQuantity))
		}
	}

	for _, it := range items {
		n := counts[it.ID]
		if n == 0 {
			continue
		}
		amount := n * it.UnitPriceInCents
		refund.AmountInCents += amount
		refund.Items = append(refund.Items, &models.RefundItem{
			ID:            uuid.New(),
			RefundID:      refund.ID,
			OrderItemID:   it.ID,
			Quantity:      n,
			AmountInCents: amount,
			CreatedAt:     now,
		})
		it.RefundedQuantity += n
		it.UpdatedAt = now
		if err := d.UpdateItem(ctx, it); err != nil {
			return nil, err
		}
	}

	if err := inventory.ReturnToPool(ctx, tx, instanceIDs, &requestedBy, now); err != nil {
		return nil, err
	}
	if err := d.InsertRefund(ctx, refund, tickets); err != nil {
		return nil, err
	}

	result := &RefundResult{
		Refund:          refund,
		AmountRefunded:  refund.AmountInCents,
		RefundBreakdown: map[models.PaymentMethod]int64{},
	}
	if err := s.allocateRefund(ctx, d, order, refund, result); err != nil {
		return nil, err
	}

	ev := domain.NewEvent(models.DomainEventOrderRefund, "Order refunded", models.TableOrders, order.ID, &requestedBy,
		map[string]interface{}{
			"refund_id":       refund.ID,
			"amount_in_cents": refund.AmountInCents,
			"tickets":         len(instanceIDs),
			"manual_override": req.ManualOverride,
		})
	if err := domain.Record(ctx, tx, ev); err != nil {
		return nil, err
	}
	s.logger.LogOrder("order_refunded", order.ID.String(),
		fmt.Sprintf("Refunded %s over %d payments", FormatCents(refund.AmountInCents), len(result.Payments)))
	return result, nil
}

func (s *OrderService) allocateRefund(ctx context.Context, d *orderdb.DB, order *models.Order, refund *models.Refund, result *RefundResult) error {
	payments, err := d.Payments(ctx, order.ID)
	if err != nil {
		return err
	}
	remaining := refund.AmountInCents
	var events []*models.DomainEvent
	for _, p := range payments {
		if remaining == 0 {
			break
		}
		if !p.Settled() {
			continue
		}
		share := p.AmountInCents - p.RefundedInCents
		if share <= 0 {
			continue
		}
		if share > remaining {
			share = remaining
		}
		p.RefundedInCents += share
		p.UpdatedAt = refund.CreatedAt
		if err := d.UpdatePayment(ctx, p); err != nil {
			return err
		}
		remaining -= share
		result.RefundBreakdown[p.PaymentMethod] += share
		result.Payments = append(result.Payments, PaymentRefund{Payment: p, AmountInCents: share})
		events = append(events, domain.NewEvent(models.DomainEventPaymentRefund, "Payment refunded", models.TablePayments, p.ID,
			&refund.UserID, map[string]interface{}{"refund_id": refund.ID, "amount_in_cents": share}))
	}
	if remaining > 0 {
		return apperr.Internal(fmt.Sprintf("order %s payments cover %d cents less than the refund", order.ID, remaining), nil)
	}
	return domain.Record(ctx, d.Bun, events...)
}
