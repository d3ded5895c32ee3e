package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/metrics"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/order"
	orderdb "ms-ticket-commerce/internal/order/db"
	orderredis "ms-ticket-commerce/internal/order/redis"
	"ms-ticket-commerce/internal/utils"
)

type CheckoutType string

const (
	CheckoutFree          CheckoutType = "Free"
	CheckoutExternal      CheckoutType = "External"
	CheckoutCard          CheckoutType = "Card"
	CheckoutProvider      CheckoutType = "Provider"
	CheckoutPaymentMethod CheckoutType = "PaymentMethod"
)

// CheckoutRequest is the checkout body. Type selects which of the other
// fields apply.
type CheckoutRequest struct {
	Type CheckoutType `json:"type" validate:"required,oneof=Free External Card Provider PaymentMethod"`

	ExternalPaymentType models.ExternalPaymentType `json:"external_payment_type" validate:"required_if=Type External,omitempty,oneof=Cash CreditCard Voucher"`
	FirstName           string                     `json:"first_name" validate:"required_if=Type External,max=255"`
	LastName            string                     `json:"last_name" validate:"required_if=Type External,max=255"`
	Email               *string                    `json:"email" validate:"omitempty,email"`
	Phone               *string                    `json:"phone" validate:"omitempty,max=50"`
	Reference           *string                    `json:"reference" validate:"omitempty,max=255"`
	Note                *string                    `json:"note" validate:"omitempty,max=1000"`

	Token             string                 `json:"token" validate:"required_if=Type Card"`
	Provider          models.PaymentProvider `json:"provider" validate:"required_if=Type Card,required_if=Type Provider"`
	SavePaymentMethod bool                   `json:"save_payment_method"`
	SetDefault        bool                   `json:"set_default"`
}

// Buyer is the authenticated caller of a checkout.
type Buyer struct {
	ID        uuid.UUID
	BoxOffice bool
}

// CheckoutResult is the order after checkout. RedirectURL is set when the
// buyer must finish paying on the provider's page.
type CheckoutResult struct {
	Order       *models.Order   `json:"order"`
	Payment     *models.Payment `json:"payment"`
	RedirectURL *string         `json:"redirect_url,omitempty"`
}

type Options struct {
	Currency       string
	CardFeeInCents int64
	APIBaseURL     string
	FrontEndURL    string
	// ProviderHold is how long reservations survive while the buyer is on a provider page.
	ProviderHold     time.Duration
	VerifyIPN        bool
	IPNDedupeWindow  time.Duration
	CallbackAttempts int
}

type Service struct {
	db         *bun.DB
	orders     *order.OrderService
	processors *Registry
	locks      *orderredis.Redis
	notifier   *domain.Notifier
	logger     *logger.Logger
	clock      utils.Clock
	opts       Options
}

// NewService wires the orchestrator. locks and notifier may be nil.
func NewService(db *bun.DB, orders *order.OrderService, processors *Registry, locks *orderredis.Redis, notifier *domain.Notifier, opts Options, log *logger.Logger) *Service {
	if opts.CallbackAttempts <= 0 {
		opts.CallbackAttempts = 5
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.ProviderHold <= 0 {
		opts.ProviderHold = 30 * time.Minute
	}
	return &Service{
		db:         db,
		orders:     orders,
		processors: processors,
		locks:      locks,
		notifier:   notifier,
		logger:     log,
		clock:      utils.Now,
		opts:       opts,
	}
}

func (s *Service) WithClock(clock utils.Clock) *Service {
	s.clock = clock
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// Checkout pays for the buyer's cart with the method in req.
func (s *Service) Checkout(ctx context.Context, buyer Buyer, orderID uuid.UUID, req CheckoutRequest) (*CheckoutResult, error) {
	if err := apperr.ValidateStruct(req); err != nil {
		return nil, err
	}

	if s.locks != nil {
		token, err := s.locks.LockCheckout(ctx, orderID)
		if err != nil {
			if errors.Is(err, orderredis.ErrCheckoutInProgress) {
				return nil, apperr.Concurrency("Checkout already in progress for this order")
			}
			return nil, apperr.Internal("checkout lock unavailable", err)
		}
		defer func() {
			if err := s.locks.UnlockCheckout(context.WithoutCancel(ctx), orderID, token); err != nil {
				s.logger.Warn("REDIS", err.Error())
			}
		}()
	}

	var (
		res *CheckoutResult
		err error
	)
	switch req.Type {
	case CheckoutFree:
		res, err = s.checkoutFree(ctx, buyer, orderID)
	case CheckoutExternal:
		res, err = s.checkoutExternal(ctx, buyer, orderID, req)
	case CheckoutCard:
		res, err = s.checkoutCard(ctx, buyer, orderID, req)
	case CheckoutProvider:
		res, err = s.checkoutProvider(ctx, buyer, orderID, req.Provider)
	case CheckoutPaymentMethod:
		res, err = s.checkoutPaymentMethod(ctx, buyer, orderID, req.Provider)
	}

	outcome := "success"
	if err != nil {
		outcome = "failed"
	} else if res.RedirectURL != nil {
		outcome = "redirected"
	}
	metrics.Checkout(string(req.Type), outcome)
	return res, err
}

func (s *Service) newPayment(o *models.Order, createdBy uuid.UUID, method models.PaymentMethod, provider models.PaymentProvider, status models.PaymentStatus, amount int64) *models.Payment {
	now := s.now()
	return &models.Payment{
		ID:            uuid.New(),
		OrderID:       o.ID,
		CreatedBy:     createdBy,
		Status:        status,
		PaymentMethod: method,
		Provider:      provider,
		AmountInCents: amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// insertPayment stores p with its PaymentCreated event.
func insertPayment(ctx context.Context, tx bun.IDB, p *models.Payment) error {
	if err := orderdb.New(tx).InsertPayment(ctx, p); err != nil {
		return err
	}
	ev := domain.NewEvent(models.DomainEventPaymentCreated, fmt.Sprintf("%s payment %s", p.Provider, p.Status),
		models.TablePayments, p.ID, &p.CreatedBy, map[string]interface{}{"order_id": p.OrderID, "amount_in_cents": p.AmountInCents})
	return domain.Record(ctx, tx, ev)
}

func (s *Service) settle(ctx context.Context, tx bun.IDB, p *models.Payment) error {
	p.Status = models.PaymentStatusCompleted
	p.UpdatedAt = s.now()
	if err := orderdb.New(tx).UpdatePayment(ctx, p); err != nil {
		return err
	}
	ev := domain.NewEvent(models.DomainEventPaymentCompleted, "Payment completed", models.TablePayments, p.ID, &p.CreatedBy,
		map[string]interface{}{"order_id": p.OrderID, "amount_in_cents": p.AmountInCents})
	return domain.Record(ctx, tx, ev)
}

func (s *Service) checkoutFree(ctx context.Context, buyer Buyer, orderID uuid.UUID) (*CheckoutResult, error) {
	res := &CheckoutResult{}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		co, err := s.orders.BeginCheckout(ctx, tx, orderID, buyer.ID)
		if err != nil {
			return err
		}
		if co.TotalInCents != 0 {
			return apperr.Business("free_payment_requires_zero_total", "Free checkout is only possible when the total is zero")
		}
		p := s.newPayment(co.Order, buyer.ID, models.PaymentMethodFree, models.PaymentProviderFree, models.PaymentStatusCompleted, 0)
		if err := insertPayment(ctx, tx, p); err != nil {
			return err
		}
		if err := s.orders.Complete(ctx, tx, co.Order); err != nil {
			return err
		}
		res.Order, res.Payment = co.Order, p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) checkoutExternal(ctx context.Context, buyer Buyer, orderID uuid.UUID, req CheckoutRequest) (*CheckoutResult, error) {
	if !buyer.BoxOffice {
		return nil, apperr.Business("box_office_required", "External payments can only be taken by the box office")
	}
	res := &CheckoutResult{}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		co, err := s.orders.BeginCheckout(ctx, tx, orderID, buyer.ID)
		if err != nil {
			return err
		}
		guest, err := s.guest(ctx, tx, req)
		if err != nil {
			return err
		}

		o := co.Order
		o.OnBehalfOfUserID = &guest.ID
		o.ExternalPaymentType = &req.ExternalPaymentType
		o.Note = req.Note
		if err := orderdb.New(tx).UpdateOrder(ctx, o, "on_behalf_of_user_id", "external_payment_type", "note"); err != nil {
			return err
		}

		p := s.newPayment(o, buyer.ID, models.PaymentMethodExternal, models.PaymentProviderExternal, models.PaymentStatusCompleted, co.TotalInCents)
		p.ExternalReference = req.Reference
		if err := insertPayment(ctx, tx, p); err != nil {
			return err
		}
		if err := s.orders.Complete(ctx, tx, o); err != nil {
			return err
		}
		res.Order, res.Payment = o, p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.LogPayment("external_payment", orderID.String(), fmt.Sprintf("Box office sale for %s %s", req.FirstName, req.LastName))
	return res, nil
}

// guest finds the box office customer by email or creates a stub user.
func (s *Service) guest(ctx context.Context, tx bun.IDB, req CheckoutRequest) (*models.User, error) {
	d := orderdb.New(tx)
	if req.Email != nil && *req.Email != "" {
		u, err := d.UserByEmail(ctx, *req.Email)
		if err != nil || u != nil {
			return u, err
		}
	}
	u := &models.User{
		ID:        uuid.New(),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		CreatedAt: s.now(),
	}
	if err := d.InsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) checkoutCard(ctx context.Context, buyer Buyer, orderID uuid.UUID, req CheckoutRequest) (*CheckoutResult, error) {
	return s.chargeCard(ctx, buyer, orderID, cardCharge{
		provider:   req.Provider,
		token:      req.Token,
		save:       req.SavePaymentMethod,
		setDefault: req.SetDefault,
	})
}

func (s *Service) checkoutPaymentMethod(ctx context.Context, buyer Buyer, orderID uuid.UUID, provider models.PaymentProvider) (*CheckoutResult, error) {
	d := orderdb.New(s.db)
	var (
		method *models.UserPaymentMethod
		err    error
	)
	if provider != "" {
		method, err = d.PaymentMethod(ctx, buyer.ID, provider)
	} else {
		method, err = d.DefaultPaymentMethod(ctx, buyer.ID)
	}
	if err != nil {
		return nil, err
	}
	if method == nil {
		return nil, apperr.Business("payment_method_not_found", "No stored payment method")
	}
	return s.chargeCard(ctx, buyer, orderID, cardCharge{provider: method.Provider, token: method.ExternalID, repeat: true})
}

type cardCharge struct {
	provider   models.PaymentProvider
	token      string
	repeat     bool
	save       bool
	setDefault bool
}

// chargeCard runs authorize and capture in separate transactions. Any
// processor-side money without a matching local record is refunded.
func (s *Service) chargeCard(ctx context.Context, buyer Buyer, orderID uuid.UUID, cc cardCharge) (*CheckoutResult, error) {
	processor, err := s.processors.Card(cc.provider)
	if err != nil {
		return nil, apperr.ValidationError("provider", "unsupported_provider", err.Error())
	}

	var co *order.Checkout
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if co, err = s.orders.BeginCheckout(ctx, tx, orderID, buyer.ID); err != nil {
			return err
		}
		if co.TotalInCents == 0 {
			return apperr.Business("zero_total_requires_free_checkout", "Orders with a zero total must use free checkout")
		}
		if err := s.orders.AddCreditCardFee(ctx, tx, co, s.opts.CardFeeInCents); err != nil {
			return err
		}
		return s.orders.MarkPendingPayment(ctx, tx, co.Order)
	})
	if err != nil {
		return nil, err
	}

	token := cc.token
	var method *models.UserPaymentMethod
	if cc.save && !cc.repeat {
		if method, err = s.repeatToken(ctx, processor, buyer.ID, cc); err != nil {
			s.resetToDraft(ctx, orderID)
			return nil, apperr.Processor("Could not store the card", false, err)
		}
		token = method.ExternalID
	}

	auth, err := processor.Auth(ctx, token, co.TotalInCents, s.opts.Currency, fmt.Sprintf("Order %s", orderID),
		map[string]string{"order_id": orderID.String(), "user_id": buyer.ID.String()})
	if err != nil {
		s.logger.Warn("PAYMENT", fmt.Sprintf("Authorization for order %s failed: %v", orderID, err))
		s.resetToDraft(ctx, orderID)
		return nil, apperr.Processor("Card authorization failed", false, err)
	}

	p := s.newPayment(co.Order, buyer.ID, models.PaymentMethodCreditCard, cc.provider, models.PaymentStatusAuthorized, co.TotalInCents)
	p.ExternalReference = &auth.ID
	p.RawData = auth.Raw
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := insertPayment(ctx, tx, p); err != nil {
			return err
		}
		if method != nil {
			return s.savePaymentMethod(ctx, tx, method)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("PAYMENT", fmt.Sprintf("Authorized %s for order %s but could not record it: %v", auth.ID, orderID, err))
		s.compensate(ctx, cc.provider, processor, auth.ID, co.TotalInCents)
		s.resetToDraft(ctx, orderID)
		return nil, err
	}

	charge, err := processor.CompleteAuthedCharge(ctx, auth.ID)
	if err != nil {
		s.logger.Error("PAYMENT", fmt.Sprintf("Capture of %s for order %s failed: %v", auth.ID, orderID, err))
		s.compensate(ctx, cc.provider, processor, auth.ID, co.TotalInCents)
		s.failPayment(ctx, p)
		return nil, apperr.Processor("Card capture failed", true, err)
	}

	res := &CheckoutResult{Payment: p}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		o, err := orderdb.New(tx).LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if charge.Raw != nil {
			p.RawData = charge.Raw
		}
		if err := s.settle(ctx, tx, p); err != nil {
			return err
		}
		if err := s.orders.Complete(ctx, tx, o); err != nil {
			return err
		}
		res.Order = o
		return nil
	})
	if err != nil {
		s.logger.Error("PAYMENT", fmt.Sprintf("Captured %s for order %s but could not complete it: %v", charge.ID, orderID, err))
		s.compensate(ctx, cc.provider, processor, charge.ID, co.TotalInCents)
		s.failPayment(ctx, p)
		return nil, err
	}
	s.logger.LogPayment("card_captured", charge.ID, fmt.Sprintf("Order %s paid %s", orderID, order.FormatCents(co.TotalInCents)))
	return res, nil
}

// repeatToken exchanges a one-off card token for a reusable one, updating
// the user's existing method for the provider when there is one.
func (s *Service) repeatToken(ctx context.Context, processor AuthThenComplete, userID uuid.UUID, cc cardCharge) (*models.UserPaymentMethod, error) {
	existing, err := orderdb.New(s.db).PaymentMethod(ctx, userID, cc.provider)
	if err != nil {
		return nil, err
	}
	description := fmt.Sprintf("user %s", userID)
	if existing != nil {
		repeat, err := processor.UpdateRepeatToken(ctx, existing.ExternalID, cc.token, description)
		if err != nil {
			return nil, err
		}
		existing.ExternalID = repeat
		existing.IsDefault = existing.IsDefault || cc.setDefault
		return existing, nil
	}
	repeat, err := processor.CreateTokenForRepeatCharges(ctx, cc.token, description)
	if err != nil {
		return nil, err
	}
	return &models.UserPaymentMethod{
		ID:         uuid.New(),
		UserID:     userID,
		Provider:   cc.provider,
		ExternalID: repeat,
		IsDefault:  cc.setDefault,
		CreatedAt:  s.now(),
	}, nil
}

func (s *Service) savePaymentMethod(ctx context.Context, tx bun.IDB, m *models.UserPaymentMethod) error {
	if err := orderdb.New(tx).SavePaymentMethod(ctx, m, s.now()); err != nil {
		return err
	}
	ev := domain.NewEvent(models.DomainEventPaymentMethodCreated, fmt.Sprintf("%s payment method saved", m.Provider),
		models.TablePaymentMethods, m.ID, &m.UserID, map[string]interface{}{"is_default": m.IsDefault})
	return domain.Record(ctx, tx, ev)
}

// compensate refunds money the processor holds that no local record accounts for.
func (s *Service) compensate(ctx context.Context, provider models.PaymentProvider, processor AuthThenComplete, chargeID string, amount int64) {
	ctx = context.WithoutCancel(ctx)
	if _, err := processor.Refund(ctx, chargeID, amount); err != nil {
		metrics.CompensatingRefund(string(provider), "failed")
		s.logger.Error("PAYMENT", fmt.Sprintf("Compensating refund of %s failed, manual action needed: %v", chargeID, err))
		return
	}
	metrics.CompensatingRefund(string(provider), "refunded")
	s.logger.LogPayment("compensating_refund", chargeID, fmt.Sprintf("Refunded %s", order.FormatCents(amount)))
}

// failPayment cancels p and hands the order back to the buyer.
func (s *Service) failPayment(ctx context.Context, p *models.Payment) {
	ctx = context.WithoutCancel(ctx)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		o, err := orderdb.New(tx).LockOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		p.Status = models.PaymentStatusCancelled
		p.UpdatedAt = s.now()
		if err := orderdb.New(tx).UpdatePayment(ctx, p); err != nil {
			return err
		}
		return s.orders.ResetToDraft(ctx, tx, o)
	})
	if err != nil {
		s.logger.Error("PAYMENT", fmt.Sprintf("Could not cancel payment %s: %v", p.ID, err))
	}
}

func (s *Service) resetToDraft(ctx context.Context, orderID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		o, err := orderdb.New(tx).LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return s.orders.ResetToDraft(ctx, tx, o)
	})
	if err != nil {
		s.logger.Error("ORDER", fmt.Sprintf("Could not reset order %s to draft: %v", orderID, err))
	}
}

func (s *Service) callbackURL(nonce string, orderID uuid.UUID, success bool) string {
	return fmt.Sprintf("%s/payments/callback/%s/%s?success=%t", s.opts.APIBaseURL, nonce, orderID, success)
}

func (s *Service) checkoutProvider(ctx context.Context, buyer Buyer, orderID uuid.UUID, provider models.PaymentProvider) (*CheckoutResult, error) {
	processor, err := s.processors.Redirect(provider)
	if err != nil {
		return nil, apperr.ValidationError("provider", "unsupported_provider", err.Error())
	}

	var co *order.Checkout
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if co, err = s.orders.BeginCheckout(ctx, tx, orderID, buyer.ID); err != nil {
			return err
		}
		if co.TotalInCents == 0 {
			return apperr.Business("zero_total_requires_free_checkout", "Orders with a zero total must use free checkout")
		}
		if err := s.orders.MarkPendingPayment(ctx, tx, co.Order); err != nil {
			return err
		}
		return s.orders.Prolong(ctx, tx, co.Order, s.opts.ProviderHold)
	})
	if err != nil {
		return nil, err
	}

	var email *string
	if u, err := orderdb.New(s.db).UserByID(ctx, buyer.ID); err == nil && u != nil {
		email = u.Email
	}

	nonce := utils.GenerateNonce()
	pr, err := processor.CreatePaymentRequest(ctx, RedirectRequest{
		AmountInCents:   co.TotalInCents,
		Currency:        s.opts.Currency,
		Email:           email,
		CustomPaymentID: orderID.String(),
		SuccessURL:      s.callbackURL(nonce, orderID, true),
		CancelURL:       s.callbackURL(nonce, orderID, false),
		IPNURL:          fmt.Sprintf("%s/ipn/%s", s.opts.APIBaseURL, strings.ToLower(string(provider))),
	})
	if err != nil {
		s.logger.Warn("PAYMENT", fmt.Sprintf("Payment request for order %s failed: %v", orderID, err))
		s.resetToDraft(ctx, orderID)
		return nil, apperr.Processor("Could not create the payment request", true, err)
	}

	p := s.newPayment(co.Order, buyer.ID, models.PaymentMethodProvider, provider, models.PaymentStatusRequested, co.TotalInCents)
	ref := processor.ExternalReference(pr.ID)
	p.ExternalReference = &ref
	p.URLNonce = &nonce
	p.RawData = pr.Raw
	if err := insertPayment(ctx, s.db, p); err != nil {
		s.resetToDraft(ctx, orderID)
		return nil, err
	}
	s.logger.LogPayment("payment_requested", ref, fmt.Sprintf("Order %s redirected to %s", orderID, provider))
	return &CheckoutResult{Order: co.Order, Payment: p, RedirectURL: &pr.RedirectURL}, nil
}
