package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/metrics"
	"ms-ticket-commerce/internal/models"
	orderdb "ms-ticket-commerce/internal/order/db"
)

// Callback handles the buyer returning from a provider page. It returns the
// front end URL to send them to.
func (s *Service) Callback(ctx context.Context, nonce string, orderID uuid.UUID, success bool) (string, error) {
	var err error
	for attempt := 1; attempt <= s.opts.CallbackAttempts; attempt++ {
		err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return s.callback(ctx, tx, nonce, orderID, success)
		})
		if !apperr.Is(err, apperr.KindConcurrency) {
			break
		}
		s.logger.Debug("PAYMENT", fmt.Sprintf("Callback for order %s lost the version race (attempt %d)", orderID, attempt))
	}
	if err != nil {
		return "", err
	}
	if success {
		return fmt.Sprintf("%s/orders/%s", s.opts.FrontEndURL, orderID), nil
	}
	return fmt.Sprintf("%s/cart?payment=cancelled", s.opts.FrontEndURL), nil
}

func (s *Service) callback(ctx context.Context, tx bun.Tx, nonce string, orderID uuid.UUID, success bool) error {
	d := orderdb.New(tx)
	o, err := d.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	now := s.now()
	if err := d.LockVersion(ctx, o.ID, o.Version, now); err != nil {
		return err
	}
	o.Version++

	p, err := d.PaymentByNonce(ctx, orderID, nonce)
	if err != nil {
		return err
	}
	if p.Status == models.PaymentStatusCompleted {
		return nil
	}

	if !success {
		p.Status = models.PaymentStatusCancelled
		p.UpdatedAt = now
		if err := d.UpdatePayment(ctx, p); err != nil {
			return err
		}
		s.logger.LogPayment("payment_cancelled", derefOr(p.ExternalReference, p.ID.String()), "Buyer cancelled on the provider page")
		return s.orders.ResetToDraft(ctx, tx, o)
	}

	if p.Status == models.PaymentStatusRequested {
		p.Status = models.PaymentStatusPendingIpn
		p.UpdatedAt = now
		if err := d.UpdatePayment(ctx, p); err != nil {
			return err
		}
	}
	if o.Status != models.OrderStatusPaid && o.IsExpired(now) {
		return s.orders.Prolong(ctx, tx, o, s.opts.ProviderHold)
	}
	return nil
}

// IPN is a provider notification as received, before verification.
type IPN struct {
	Provider  models.PaymentProvider
	RequestID string
	Status    string
	// OrderID is the custom payment id the request was created with.
	OrderID      *uuid.UUID
	TotalInCents int64
	Raw          map[string]interface{}
}

type ipnPayload struct {
	Provider     models.PaymentProvider `json:"provider"`
	RequestID    string                 `json:"request_id"`
	Status       string                 `json:"status"`
	OrderID      *uuid.UUID             `json:"order_id"`
	TotalInCents int64                  `json:"total_in_cents"`
}

// ReceiveIPN records a notification and queues it for processing. Repeats
// of an already seen (request, status) pair are dropped.
func (s *Service) ReceiveIPN(ctx context.Context, ipn IPN) error {
	seen := false
	if s.locks != nil {
		first, err := s.locks.FirstIPN(ctx, string(ipn.Provider), ipn.RequestID, ipn.Status, s.opts.IPNDedupeWindow)
		if err != nil {
			s.logger.Warn("REDIS", err.Error())
		} else if !first {
			metrics.IPN(string(ipn.Provider), "duplicate")
			return nil
		}
		seen = first
	}

	payload := map[string]interface{}{
		"provider":       ipn.Provider,
		"request_id":     ipn.RequestID,
		"status":         ipn.Status,
		"order_id":       ipn.OrderID,
		"total_in_cents": ipn.TotalInCents,
	}
	action := domain.NewAction(models.DomainActionPaymentProviderIPN, models.TableOrders, ipn.OrderID, payload)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		mainID := uuid.Nil
		if ipn.OrderID != nil {
			mainID = *ipn.OrderID
		}
		ev := domain.NewEvent(models.DomainEventPaymentProviderIPN, fmt.Sprintf("%s IPN %s", ipn.Provider, ipn.Status),
			models.TableOrders, mainID, nil, map[string]interface{}{"request_id": ipn.RequestID, "raw": ipn.Raw})
		if err := domain.Record(ctx, tx, ev); err != nil {
			return err
		}
		return domain.Enqueue(ctx, tx, action)
	})
	if err != nil {
		// The provider retries a failed delivery; it must not be taken for a duplicate.
		if seen {
			if ferr := s.locks.ForgetIPN(ctx, string(ipn.Provider), ipn.RequestID, ipn.Status); ferr != nil {
				s.logger.Error("REDIS", fmt.Sprintf("IPN %s %s stays marked as seen after a failed enqueue: %v", ipn.RequestID, ipn.Status, ferr))
			}
		}
		return err
	}
	metrics.IPN(string(ipn.Provider), "queued")
	if err := s.notifier.Notify(ctx, action); err != nil {
		s.logger.Warn("KAFKA", fmt.Sprintf("Could not nudge workers for action %s: %v", action.ID, err))
	}
	return nil
}

// MapStatus turns a provider request status into a PaymentStatus.
func MapStatus(status string) models.PaymentStatus {
	switch status {
	case "unpaid":
		return models.PaymentStatusUnpaid
	case "paid", "overpaid", "underpaid", "paid_late":
		return models.PaymentStatusPendingConfirmation
	case "confirmed", "completed":
		return models.PaymentStatusCompleted
	case "refunded":
		return models.PaymentStatusRefunded
	case "cancelled":
		return models.PaymentStatusCancelled
	case "draft":
		return models.PaymentStatusDraft
	default:
		return models.PaymentStatusUnknown
	}
}

// IPNExecutor processes queued PaymentProviderIPN actions.
func (s *Service) IPNExecutor() domain.Executor {
	return domain.ExecutorFunc(s.executeIPN)
}

func (s *Service) executeIPN(ctx context.Context, action *models.DomainAction) error {
	raw, err := json.Marshal(action.Payload)
	if err != nil {
		return err
	}
	var in ipnPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("bad IPN payload: %w", err)
	}

	processor, err := s.processors.Redirect(in.Provider)
	if err != nil {
		return err
	}
	if s.opts.VerifyIPN {
		pr, err := processor.GetPaymentRequest(ctx, in.RequestID)
		if err != nil {
			return fmt.Errorf("failed to verify IPN %s: %w", in.RequestID, err)
		}
		in.Status = pr.Status
		in.TotalInCents = pr.TotalInCents
		// Only the order the request was created for can be settled by it.
		claimed := in.OrderID
		in.OrderID = nil
		if id, err := uuid.Parse(pr.CustomPaymentID); err == nil {
			in.OrderID = &id
		}
		if claimed != nil && in.OrderID != nil && *claimed != *in.OrderID {
			metrics.IPN(string(in.Provider), "order_mismatch")
			s.logger.Warn("PAYMENT", fmt.Sprintf("IPN %s claimed order %s but was created for %s", in.RequestID, claimed, in.OrderID))
		}
	}
	if in.OrderID == nil {
		metrics.IPN(string(in.Provider), "orphaned")
		s.logger.Warn("PAYMENT", fmt.Sprintf("IPN %s carries no order", in.RequestID))
		return nil
	}

	status := MapStatus(in.Status)
	ref := processor.ExternalReference(in.RequestID)
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return s.applyIPN(ctx, tx, in, ref, status)
	})
	if err != nil {
		metrics.IPN(string(in.Provider), "failed")
		return err
	}
	return nil
}

func (s *Service) applyIPN(ctx context.Context, tx bun.Tx, in ipnPayload, ref string, status models.PaymentStatus) error {
	d := orderdb.New(tx)
	o, err := d.LockOrder(ctx, *in.OrderID)
	if err != nil {
		return err
	}
	p, err := d.PaymentByExternalReference(ctx, ref)
	if err != nil {
		return err
	}
	if p != nil && p.OrderID != o.ID {
		metrics.IPN(string(in.Provider), "order_mismatch")
		s.logger.Error("PAYMENT", fmt.Sprintf("IPN %s for order %s matches payment %s of order %s, ignored", ref, o.ID, p.ID, p.OrderID))
		return nil
	}
	if p != nil && p.Status == models.PaymentStatusCompleted {
		metrics.IPN(string(in.Provider), "replay")
		return nil
	}

	now := s.now()
	if p == nil {
		p = s.newPayment(o, o.UserID, models.PaymentMethodProvider, in.Provider, status, in.TotalInCents)
		p.ExternalReference = &ref
		if status == models.PaymentStatusCompleted {
			p.Status = models.PaymentStatusPendingConfirmation
		}
		if err := insertPayment(ctx, tx, p); err != nil {
			return err
		}
	} else if status != models.PaymentStatusCompleted {
		p.Status = status
		p.UpdatedAt = now
		if err := d.UpdatePayment(ctx, p); err != nil {
			return err
		}
	}

	switch status {
	case models.PaymentStatusCompleted:
		total, err := s.orders.CalculateTotal(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if total != in.TotalInCents {
			metrics.IPN(string(in.Provider), "amount_mismatch")
			s.logger.Error("PAYMENT", fmt.Sprintf("IPN %s paid %d for order %s totalling %d", ref, in.TotalInCents, o.ID, total))
			p.Status = models.PaymentStatusPendingConfirmation
			p.UpdatedAt = now
			return d.UpdatePayment(ctx, p)
		}
		p.AmountInCents = in.TotalInCents
		if err := s.settle(ctx, tx, p); err != nil {
			return err
		}
		if err := s.orders.Complete(ctx, tx, o); err != nil {
			return err
		}
		metrics.IPN(string(in.Provider), "completed")
		s.logger.LogPayment("ipn_completed", ref, fmt.Sprintf("Order %s paid", o.ID))
	case models.PaymentStatusCancelled:
		metrics.IPN(string(in.Provider), "cancelled")
		return s.orders.ResetToDraft(ctx, tx, o)
	default:
		metrics.IPN(string(in.Provider), string(status))
	}
	return nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
