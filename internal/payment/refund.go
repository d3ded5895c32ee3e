package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/order"
)

// Refund refunds order lines and then returns the money through each
// card processor that took it. Other methods are settled by hand.
func (s *Service) Refund(ctx context.Context, orderID, requestedBy uuid.UUID, req order.RefundRequest) (*order.RefundResult, error) {
	var res *order.RefundResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		res, err = s.orders.Refund(ctx, tx, orderID, requestedBy, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, pr := range res.Payments {
		p := pr.Payment
		if p.PaymentMethod != models.PaymentMethodCreditCard || p.ExternalReference == nil {
			s.logger.LogPayment("manual_refund_due", p.ID.String(), fmt.Sprintf("%s to return by %s", order.FormatCents(pr.AmountInCents), p.PaymentMethod))
			continue
		}
		processor, err := s.processors.Card(p.Provider)
		if err != nil {
			s.logger.Error("PAYMENT", fmt.Sprintf("Refund of payment %s: %v", p.ID, err))
			continue
		}
		if _, err := processor.Refund(ctx, *p.ExternalReference, pr.AmountInCents); err != nil {
			s.logger.Error("PAYMENT", fmt.Sprintf("Processor refund of %s for payment %s failed, manual action needed: %v",
				order.FormatCents(pr.AmountInCents), p.ID, err))
			continue
		}
		s.logger.LogPayment("refunded", *p.ExternalReference, fmt.Sprintf("Returned %s", order.FormatCents(pr.AmountInCents)))
	}
	return res, nil
}
