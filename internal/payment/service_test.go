package payment_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/catalog"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/order"
	orderdb "ms-ticket-commerce/internal/order/db"
	orderredis "ms-ticket-commerce/internal/order/redis"
	"ms-ticket-commerce/internal/payment"
	"ms-ticket-commerce/internal/testutil"
)

const cardFee = 50

type cardProcessor struct{ mock.Mock }

func (m *cardProcessor) Auth(ctx context.Context, token string, amount int64, currency, description string, metadata map[string]string) (*payment.Charge, error) {
	args := m.Called(token, amount)
	if c := args.Get(0); c != nil {
		return c.(*payment.Charge), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *cardProcessor) CompleteAuthedCharge(ctx context.Context, authID string) (*payment.Charge, error) {
	args := m.Called(authID)
	if c := args.Get(0); c != nil {
		return c.(*payment.Charge), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *cardProcessor) Refund(ctx context.Context, chargeID string, amount int64) (*payment.Charge, error) {
	args := m.Called(chargeID, amount)
	if c := args.Get(0); c != nil {
		return c.(*payment.Charge), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *cardProcessor) CreateTokenForRepeatCharges(ctx context.Context, token, description string) (string, error) {
	args := m.Called(token)
	return args.String(0), args.Error(1)
}

func (m *cardProcessor) UpdateRepeatToken(ctx context.Context, repeatToken, token, description string) (string, error) {
	args := m.Called(repeatToken, token)
	return args.String(0), args.Error(1)
}

type redirectProcessor struct{ mock.Mock }

func (m *redirectProcessor) CreatePaymentRequest(ctx context.Context, req payment.RedirectRequest) (*payment.PaymentRequest, error) {
	args := m.Called(req)
	if pr := args.Get(0); pr != nil {
		return pr.(*payment.PaymentRequest), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *redirectProcessor) GetPaymentRequest(ctx context.Context, id string) (*payment.PaymentRequest, error) {
	args := m.Called(id)
	if pr := args.Get(0); pr != nil {
		return pr.(*payment.PaymentRequest), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *redirectProcessor) ExternalReference(id string) string { return "globee-" + id }

type harness struct {
	*testutil.Fixture
	orders   *order.OrderService
	svc      *payment.Service
	card     *cardProcessor
	redirect *redirectProcessor
	locks    *orderredis.Redis
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{Fixture: testutil.NewFixture(t), card: &cardProcessor{}, redirect: &redirectProcessor{}}
	h.clock = h.Now
	clock := func() time.Time { return h.clock }

	mr := miniredis.RunT(t)
	h.locks = orderredis.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute, logger.NewNop())

	cat := catalog.New(catalog.LocalRegistry{}, logger.NewNop())
	h.orders = order.NewOrderService(h.DB, cat, 15*time.Minute, logger.NewNop()).WithClock(clock)
	registry := payment.NewRegistry().
		RegisterCard(models.PaymentProviderStripe, h.card).
		RegisterRedirect(models.PaymentProviderGlobee, h.redirect)
	h.svc = payment.NewService(h.DB, h.orders, registry, h.locks, nil, payment.Options{
		Currency:        "USD",
		CardFeeInCents:  cardFee,
		APIBaseURL:      "https://api.example.com",
		FrontEndURL:     "https://tickets.example.com",
		ProviderHold:    30 * time.Minute,
		VerifyIPN:       true,
		IPNDedupeWindow: time.Hour,
	}, logger.NewNop()).WithClock(clock)
	return h
}

// cart fills a fresh cart for a new buyer.
func (h *harness) cart(t *testing.T, price, qty int64) (*models.User, *models.Order) {
	t.Helper()
	tt := h.AddTicketType(t, "GA", price, 10)
	user := h.AddUser(t)
	cart, err := h.orders.UpdateQuantities(context.Background(), user.ID, order.UpdateRequest{
		Items: []order.UpdateItem{{TicketTypeID: tt.ID, Quantity: qty}},
	}, true)
	require.NoError(t, err)
	return user, cart
}

func (h *harness) order(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	o, err := orderdb.New(h.DB).GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) payments(t *testing.T, orderID uuid.UUID) []*models.Payment {
	t.Helper()
	ps, err := orderdb.New(h.DB).Payments(context.Background(), orderID)
	require.NoError(t, err)
	return ps
}

func buyer(u *models.User) payment.Buyer { return payment.Buyer{ID: u.ID} }

func card() payment.CheckoutRequest {
	return payment.CheckoutRequest{Type: payment.CheckoutCard, Provider: models.PaymentProviderStripe, Token: "pm_card"}
}

func TestCheckoutFree(t *testing.T) {
	h := newHarness(t)
	user, cart := h.cart(t, 0, 2)

	res, err := h.svc.Checkout(context.Background(), buyer(user), cart.ID, payment.CheckoutRequest{Type: payment.CheckoutFree})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	assert.Equal(t, models.PaymentProviderFree, res.Payment.Provider)
	assert.Equal(t, models.PaymentStatusCompleted, res.Payment.Status)

	owned, err := inventory.OwnedBy(context.Background(), h.DB, user.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestCheckoutTotalGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, cart := h.cart(t, 100, 1)
	_, err := h.svc.Checkout(ctx, buyer(user), cart.ID, payment.CheckoutRequest{Type: payment.CheckoutFree})
	assert.True(t, apperr.HasReason(err, "free_payment_requires_zero_total"), "got %v", err)
	assert.Equal(t, models.OrderStatusDraft, h.order(t, cart.ID).Status)

	freeUser, freeCart := h.cart(t, 0, 1)
	_, err = h.svc.Checkout(ctx, buyer(freeUser), freeCart.ID, card())
	assert.True(t, apperr.HasReason(err, "zero_total_requires_free_checkout"), "got %v", err)
	_, err = h.svc.Checkout(ctx, buyer(freeUser), freeCart.ID, payment.CheckoutRequest{Type: payment.CheckoutProvider, Provider: models.PaymentProviderGlobee})
	assert.True(t, apperr.HasReason(err, "zero_total_requires_free_checkout"), "got %v", err)
	h.card.AssertNotCalled(t, "Auth", mock.Anything, mock.Anything)
}

func TestCheckoutCard_AuthThenCapture(t *testing.T) {
	h := newHarness(t)
	user, cart := h.cart(t, 100, 1)
	total := int64(100 + 20 + cardFee)

	h.card.On("Auth", "pm_card", total).Return(&payment.Charge{ID: "pi_1"}, nil).Once()
	h.card.On("CompleteAuthedCharge", "pi_1").Return(&payment.Charge{ID: "pi_1"}, nil).Once()

	res, err := h.svc.Checkout(context.Background(), buyer(user), cart.ID, card())
	require.NoError(t, err)
	h.card.AssertExpectations(t)

	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	ps := h.payments(t, cart.ID)
	require.Len(t, ps, 1)
	assert.Equal(t, models.PaymentStatusCompleted, ps[0].Status)
	assert.Equal(t, total, ps[0].AmountInCents)
	assert.Equal(t, "pi_1", *ps[0].ExternalReference)

	items, err := h.orders.Items(context.Background(), h.DB, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, total, order.Total(items))
}

func TestCheckoutCard_AuthFailureReturnsCart(t *testing.T) {
	h := newHarness(t)
	user, cart := h.cart(t, 100, 1)
	h.card.On("Auth", "pm_card", mock.Anything).Return(nil, errors.New("card declined")).Once()

	_, err := h.svc.Checkout(context.Background(), buyer(user), cart.ID, card())
	assert.True(t, apperr.Is(err, apperr.KindProcessor), "got %v", err)

	o := h.order(t, cart.ID)
	assert.Equal(t, models.OrderStatusDraft, o.Status)
	assert.Empty(t, h.payments(t, cart.ID))

	items, err := h.orders.Items(context.Background(), h.DB, cart.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, models.OrderItemTypeCreditCardFees, it.ItemType)
	}
}

func TestCheckoutCard_CaptureFailureRefunds(t *testing.T) {
	h := newHarness(t)
	user, cart := h.cart(t, 100, 1)
	total := int64(100 + 20 + cardFee)

	h.card.On("Auth", "pm_card", total).Return(&payment.Charge{ID: "pi_2"}, nil).Once()
	h.card.On("CompleteAuthedCharge", "pi_2").Return(nil, errors.New("gateway timeout")).Once()
	h.card.On("Refund", "pi_2", total).Return(&payment.Charge{ID: "pi_2"}, nil).Once()

	_, err := h.svc.Checkout(context.Background(), buyer(user), cart.ID, card())
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindProcessor, ae.Kind)
	assert.True(t, ae.Retryable)
	h.card.AssertExpectations(t)

	ps := h.payments(t, cart.ID)
	require.Len(t, ps, 1)
	assert.Equal(t, models.PaymentStatusCancelled, ps[0].Status)
	assert.Equal(t, models.OrderStatusDraft, h.order(t, cart.ID).Status)
}

func TestCheckoutCard_RecordFailureRefundsAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, cart := h.cart(t, 100, 1)
	total := int64(100 + 20 + cardFee)

	// The payments table disappears between authorization and recording.
	h.card.On("Auth", "pm_card", total).Return(&payment.Charge{ID: "pi_6"}, nil).Once().
		Run(func(mock.Arguments) {
			_, err := h.DB.ExecContext(ctx, "ALTER TABLE payments RENAME TO payments_gone")
			require.NoError(t, err)
		})
	h.card.On("Refund", "pi_6", total).Return(&payment.Charge{ID: "pi_6"}, nil).Once().
		Run(func(mock.Arguments) {
			_, err := h.DB.ExecContext(ctx, "ALTER TABLE payments_gone RENAME TO payments")
			require.NoError(t, err)
		})

	_, err := h.svc.Checkout(ctx, buyer(user), cart.ID, card())
	require.Error(t, err)
	h.card.AssertExpectations(t)
	h.card.AssertNotCalled(t, "CompleteAuthedCharge", mock.Anything)

	assert.Equal(t, models.OrderStatusDraft, h.order(t, cart.ID).Status)
	assert.Empty(t, h.payments(t, cart.ID))
}

func TestCheckoutCard_SavedMethodIsReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, cart := h.cart(t, 100, 1)

	h.card.On("CreateTokenForRepeatCharges", "pm_card").Return("pm_repeat", nil).Once()
	h.card.On("Auth", "pm_repeat", mock.Anything).Return(&payment.Charge{ID: "pi_3"}, nil).Once()
	h.card.On("Auth", "pm_repeat", mock.Anything).Return(&payment.Charge{ID: "pi_5"}, nil).Once()
	h.card.On("CompleteAuthedCharge", "pi_3").Return(&payment.Charge{ID: "pi_3"}, nil).Once()
	h.card.On("CompleteAuthedCharge", "pi_5").Return(&payment.Charge{ID: "pi_5"}, nil).Once()

	req := card()
	req.SavePaymentMethod = true
	req.SetDefault = true
	_, err := h.svc.Checkout(ctx, buyer(user), cart.ID, req)
	require.NoError(t, err)

	m, err := orderdb.New(h.DB).DefaultPaymentMethod(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "pm_repeat", m.ExternalID)

	tt := h.AddTicketType(t, "VIP", 200, 5)
	next, err := h.orders.UpdateQuantities(ctx, user.ID, order.UpdateRequest{
		Items: []order.UpdateItem{{TicketTypeID: tt.ID, Quantity: 1}},
	}, true)
	require.NoError(t, err)
	res, err := h.svc.Checkout(ctx, buyer(user), next.ID, payment.CheckoutRequest{Type: payment.CheckoutPaymentMethod})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	h.card.AssertExpectations(t)
}

func TestCheckoutPaymentMethod_NoneStored(t *testing.T) {
	h := newHarness(t)
	user, cart := h.cart(t, 100, 1)

	_, err := h.svc.Checkout(context.Background(), buyer(user), cart.ID, payment.CheckoutRequest{Type: payment.CheckoutPaymentMethod})
	assert.True(t, apperr.HasReason(err, "payment_method_not_found"), "got %v", err)
}

func TestCheckoutExternal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	clerk, cart := h.cart(t, 100, 2)
	email := "walkup@example.com"
	ref := "till-42"
	req := payment.CheckoutRequest{
		Type:                payment.CheckoutExternal,
		ExternalPaymentType: models.ExternalPaymentTypeCash,
		FirstName:           "Walk",
		LastName:            "Up",
		Email:               &email,
		Reference:           &ref,
	}

	_, err := h.svc.Checkout(ctx, buyer(clerk), cart.ID, req)
	assert.True(t, apperr.HasReason(err, "box_office_required"), "got %v", err)

	res, err := h.svc.Checkout(ctx, payment.Buyer{ID: clerk.ID, BoxOffice: true}, cart.ID, req)
	require.NoError(t, err)
	require.NotNil(t, res.Order.OnBehalfOfUserID)
	assert.Equal(t, models.ExternalPaymentTypeCash, *res.Order.ExternalPaymentType)
	assert.Equal(t, ref, *res.Payment.ExternalReference)

	guest, err := orderdb.New(h.DB).UserByEmail(ctx, email)
	require.NoError(t, err)
	require.NotNil(t, guest)
	assert.Equal(t, guest.ID, *res.Order.OnBehalfOfUserID)

	owned, err := inventory.OwnedBy(ctx, h.DB, guest.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestCheckoutExternal_RequiresGuestName(t *testing.T) {
	h := newHarness(t)
	clerk, cart := h.cart(t, 100, 1)

	_, err := h.svc.Checkout(context.Background(), payment.Buyer{ID: clerk.ID, BoxOffice: true}, cart.ID,
		payment.CheckoutRequest{Type: payment.CheckoutExternal, ExternalPaymentType: models.ExternalPaymentTypeCash})
	assert.True(t, apperr.HasFieldCode(err, "first_name", "required_if"), "got %v", err)
}

func TestCheckout_LockedOrder(t *testing.T) {
	h := newHarness(t)
	user, cart := h.cart(t, 0, 1)

	_, err := h.locks.LockCheckout(context.Background(), cart.ID)
	require.NoError(t, err)

	_, err = h.svc.Checkout(context.Background(), buyer(user), cart.ID, payment.CheckoutRequest{Type: payment.CheckoutFree})
	assert.True(t, apperr.Is(err, apperr.KindConcurrency), "got %v", err)
}

func TestRefund_ReturnsMoneyThroughProcessor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, cart := h.cart(t, 100, 2)

	h.card.On("Auth", "pm_card", mock.Anything).Return(&payment.Charge{ID: "pi_4"}, nil).Once()
	h.card.On("CompleteAuthedCharge", "pi_4").Return(&payment.Charge{ID: "pi_4"}, nil).Once()
	_, err := h.svc.Checkout(ctx, buyer(user), cart.ID, card())
	require.NoError(t, err)

	owned, err := inventory.OwnedBy(ctx, h.DB, user.ID)
	require.NoError(t, err)
	items, err := h.orders.Items(ctx, h.DB, cart.ID)
	require.NoError(t, err)
	var ticketLine *models.OrderItem
	for _, it := range items {
		if it.ItemType == models.OrderItemTypeTickets {
			ticketLine = it
		}
	}
	require.NotNil(t, ticketLine)

	h.card.On("Refund", "pi_4", int64(120)).Return(&payment.Charge{ID: "re_1"}, nil).Once()
	res, err := h.svc.Refund(ctx, cart.ID, user.ID, order.RefundRequest{
		Items: []order.RefundItemRequest{{OrderItemID: ticketLine.ID, TicketInstanceID: &owned[0].ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(120), res.AmountRefunded)
	assert.Equal(t, map[models.PaymentMethod]int64{models.PaymentMethodCreditCard: 120}, res.RefundBreakdown)
	h.card.AssertExpectations(t)
}

func (h *harness) redirectCheckout(t *testing.T, requestID string) (*models.User, *models.Order, *payment.CheckoutResult) {
	t.Helper()
	user, cart := h.cart(t, 100, 1)
	h.redirect.On("CreatePaymentRequest", mock.MatchedBy(func(req payment.RedirectRequest) bool {
		return req.AmountInCents == 120 && req.CustomPaymentID == cart.ID.String()
	})).Return(&payment.PaymentRequest{ID: requestID, RedirectURL: "https://globee.example/pay/" + requestID}, nil).Once()

	res, err := h.svc.Checkout(context.Background(), buyer(user), cart.ID,
		payment.CheckoutRequest{Type: payment.CheckoutProvider, Provider: models.PaymentProviderGlobee})
	require.NoError(t, err)
	return user, cart, res
}

func nonceOf(t *testing.T, p *models.Payment) string {
	t.Helper()
	require.NotNil(t, p.URLNonce)
	return *p.URLNonce
}

func TestCheckoutProvider_Redirects(t *testing.T) {
	h := newHarness(t)
	_, cart, res := h.redirectCheckout(t, "gb1")

	require.NotNil(t, res.RedirectURL)
	assert.Equal(t, "https://globee.example/pay/gb1", *res.RedirectURL)
	assert.Equal(t, models.PaymentStatusRequested, res.Payment.Status)
	assert.Equal(t, "globee-gb1", *res.Payment.ExternalReference)
	assert.Equal(t, models.OrderStatusPendingPayment, h.order(t, cart.ID).Status)

	req := h.redirect.Calls[0].Arguments.Get(0).(payment.RedirectRequest)
	success, err := url.Parse(req.SuccessURL)
	require.NoError(t, err)
	assert.Equal(t, "true", success.Query().Get("success"))
	assert.True(t, strings.HasPrefix(req.SuccessURL, "https://api.example.com/payments/callback/"+nonceOf(t, res.Payment)+"/"+cart.ID.String()))
	assert.Equal(t, "https://api.example.com/ipn/globee", req.IPNURL)
}

func TestCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, cart, res := h.redirectCheckout(t, "gb1")
	target, err := h.svc.Callback(ctx, nonceOf(t, res.Payment), cart.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "https://tickets.example.com/orders/"+cart.ID.String(), target)
	assert.Equal(t, models.PaymentStatusPendingIpn, h.payments(t, cart.ID)[0].Status)

	_, err = h.svc.Callback(ctx, "wrong-nonce", cart.ID, true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)

	_, cancelled, res2 := h.redirectCheckout(t, "gb2")
	_, err = h.svc.Callback(ctx, nonceOf(t, res2.Payment), cancelled.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, h.payments(t, cancelled.ID)[0].Status)
	assert.Equal(t, models.OrderStatusDraft, h.order(t, cancelled.ID).Status)
}

func (h *harness) pendingIPNs(t *testing.T) []*models.DomainAction {
	t.Helper()
	var actions []*models.DomainAction
	err := h.DB.NewSelect().Model(&actions).
		Where("domain_action_type = ?", models.DomainActionPaymentProviderIPN).
		OrderExpr("created_at ASC").
		Scan(context.Background())
	require.NoError(t, err)
	return actions
}

func TestIPN_CompletesOrderOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, cart, _ := h.redirectCheckout(t, "gb1")

	ipn := payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: "gb1", Status: "confirmed", OrderID: &cart.ID, TotalInCents: 1}
	require.NoError(t, h.svc.ReceiveIPN(ctx, ipn))
	require.NoError(t, h.svc.ReceiveIPN(ctx, ipn))
	actions := h.pendingIPNs(t)
	require.Len(t, actions, 1, "duplicate notification is dropped")

	// The claimed total is ignored in favour of the provider's.
	h.redirect.On("GetPaymentRequest", "gb1").
		Return(&payment.PaymentRequest{ID: "gb1", Status: "confirmed", TotalInCents: 120, CustomPaymentID: cart.ID.String()}, nil)
	require.NoError(t, h.svc.IPNExecutor().Execute(ctx, actions[0]))

	assert.Equal(t, models.OrderStatusPaid, h.order(t, cart.ID).Status)
	ps := h.payments(t, cart.ID)
	require.Len(t, ps, 1)
	assert.Equal(t, models.PaymentStatusCompleted, ps[0].Status)

	require.NoError(t, h.svc.IPNExecutor().Execute(ctx, actions[0]))
	owned, err := inventory.OwnedBy(ctx, h.DB, user.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestIPN_AmountMismatchDoesNotComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cart, _ := h.redirectCheckout(t, "gb1")

	require.NoError(t, h.svc.ReceiveIPN(ctx, payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: "gb1", Status: "confirmed", OrderID: &cart.ID}))
	h.redirect.On("GetPaymentRequest", "gb1").
		Return(&payment.PaymentRequest{ID: "gb1", Status: "confirmed", TotalInCents: 99, CustomPaymentID: cart.ID.String()}, nil)
	require.NoError(t, h.svc.IPNExecutor().Execute(ctx, h.pendingIPNs(t)[0]))

	assert.Equal(t, models.OrderStatusPendingPayment, h.order(t, cart.ID).Status)
	assert.Equal(t, models.PaymentStatusPendingConfirmation, h.payments(t, cart.ID)[0].Status)
}

func TestIPN_CancelledResetsCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cart, _ := h.redirectCheckout(t, "gb1")

	require.NoError(t, h.svc.ReceiveIPN(ctx, payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: "gb1", Status: "cancelled", OrderID: &cart.ID}))
	h.redirect.On("GetPaymentRequest", "gb1").
		Return(&payment.PaymentRequest{ID: "gb1", Status: "cancelled", TotalInCents: 120, CustomPaymentID: cart.ID.String()}, nil)
	require.NoError(t, h.svc.IPNExecutor().Execute(ctx, h.pendingIPNs(t)[0]))

	assert.Equal(t, models.OrderStatusDraft, h.order(t, cart.ID).Status)
	assert.Equal(t, models.PaymentStatusCancelled, h.payments(t, cart.ID)[0].Status)
}

func TestIPN_SettlesTheOrderTheRequestWasCreatedFor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, orderA, _ := h.redirectCheckout(t, "gb1")
	_, orderB, _ := h.redirectCheckout(t, "gb2")

	// A notification for gb1 that names order B.
	require.NoError(t, h.svc.ReceiveIPN(ctx, payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: "gb1", Status: "confirmed", OrderID: &orderB.ID}))
	h.redirect.On("GetPaymentRequest", "gb1").
		Return(&payment.PaymentRequest{ID: "gb1", Status: "confirmed", TotalInCents: 120, CustomPaymentID: orderA.ID.String()}, nil)
	require.NoError(t, h.svc.IPNExecutor().Execute(ctx, h.pendingIPNs(t)[0]))

	assert.Equal(t, models.OrderStatusPaid, h.order(t, orderA.ID).Status)
	assert.Equal(t, models.PaymentStatusCompleted, h.payments(t, orderA.ID)[0].Status)

	assert.Equal(t, models.OrderStatusPendingPayment, h.order(t, orderB.ID).Status)
	psB := h.payments(t, orderB.ID)
	require.Len(t, psB, 1)
	assert.Equal(t, "globee-gb2", *psB[0].ExternalReference)
	assert.Equal(t, models.PaymentStatusRequested, psB[0].Status)
}

func TestIPN_PaymentOfAnotherOrderIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, orderA, _ := h.redirectCheckout(t, "gb1")
	_, orderB, _ := h.redirectCheckout(t, "gb2")

	require.NoError(t, h.svc.ReceiveIPN(ctx, payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: "gb1", Status: "confirmed", OrderID: &orderB.ID}))
	h.redirect.On("GetPaymentRequest", "gb1").
		Return(&payment.PaymentRequest{ID: "gb1", Status: "confirmed", TotalInCents: 120, CustomPaymentID: orderB.ID.String()}, nil)
	require.NoError(t, h.svc.IPNExecutor().Execute(ctx, h.pendingIPNs(t)[0]))

	for _, id := range []uuid.UUID{orderA.ID, orderB.ID} {
		assert.Equal(t, models.OrderStatusPendingPayment, h.order(t, id).Status)
		ps := h.payments(t, id)
		require.Len(t, ps, 1)
		assert.Equal(t, models.PaymentStatusRequested, ps[0].Status)
	}
}

func TestIPN_WithoutVerifiedOrderIsOrphaned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cart, _ := h.redirectCheckout(t, "gb1")

	require.NoError(t, h.svc.ReceiveIPN(ctx, payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: "gb1", Status: "confirmed", OrderID: &cart.ID}))
	h.redirect.On("GetPaymentRequest", "gb1").
		Return(&payment.PaymentRequest{ID: "gb1", Status: "confirmed", TotalInCents: 120}, nil)
	require.NoError(t, h.svc.IPNExecutor().Execute(ctx, h.pendingIPNs(t)[0]))

	assert.Equal(t, models.OrderStatusPendingPayment, h.order(t, cart.ID).Status)
}

func TestReceiveIPN_FailedEnqueueIsNotADuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cart, _ := h.redirectCheckout(t, "gb1")
	ipn := payment.IPN{Provider: models.PaymentProviderGlobee, RequestID: "gb1", Status: "confirmed", OrderID: &cart.ID}

	_, err := h.DB.ExecContext(ctx, "ALTER TABLE domain_actions RENAME TO domain_actions_gone")
	require.NoError(t, err)
	require.Error(t, h.svc.ReceiveIPN(ctx, ipn))
	_, err = h.DB.ExecContext(ctx, "ALTER TABLE domain_actions_gone RENAME TO domain_actions")
	require.NoError(t, err)

	require.NoError(t, h.svc.ReceiveIPN(ctx, ipn))
	assert.Len(t, h.pendingIPNs(t), 1)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]models.PaymentStatus{
		"unpaid":    models.PaymentStatusUnpaid,
		"paid":      models.PaymentStatusPendingConfirmation,
		"overpaid":  models.PaymentStatusPendingConfirmation,
		"underpaid": models.PaymentStatusPendingConfirmation,
		"paid_late": models.PaymentStatusPendingConfirmation,
		"confirmed": models.PaymentStatusCompleted,
		"completed": models.PaymentStatusCompleted,
		"refunded":  models.PaymentStatusRefunded,
		"cancelled": models.PaymentStatusCancelled,
		"draft":     models.PaymentStatusDraft,
		"weird":     models.PaymentStatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, payment.MapStatus(in), in)
	}
}
