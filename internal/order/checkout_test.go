package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/order"
	"ms-ticket-commerce/internal/testutil"
)

// pay checks the cart out and completes it with one settled payment.
func (h *harness) pay(t *testing.T, userID, orderID uuid.UUID, method models.PaymentMethod) *order.Checkout {
	t.Helper()
	var co *order.Checkout
	err := h.DB.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if co, err = h.svc.BeginCheckout(ctx, tx, orderID, userID); err != nil {
			return err
		}
		_, err = tx.NewInsert().Model(&models.Payment{
			ID:            uuid.New(),
			OrderID:       orderID,
			CreatedBy:     userID,
			Status:        models.PaymentStatusCompleted,
			PaymentMethod: method,
			Provider:      models.PaymentProviderExternal,
			AmountInCents: co.TotalInCents,
			CreatedAt:     h.clock,
			UpdatedAt:     h.clock,
		}).Exec(ctx)
		if err != nil {
			return err
		}
		return h.svc.Complete(ctx, tx, co.Order)
	})
	require.NoError(t, err)
	return co
}

func TestBeginCheckout_RejectsEmptyCart(t *testing.T) {
	h := newHarness(t)
	user := h.AddUser(t)
	ctx := context.Background()

	cart, err := h.svc.FindOrCreateCart(ctx, user.ID)
	require.NoError(t, err)

	_, err = h.svc.BeginCheckout(ctx, h.DB, cart.ID, user.ID)
	assert.True(t, apperr.HasReason(err, "cart_empty"), "got %v", err)
}

func TestBeginCheckout_RejectsLapsedCart(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)

	cart, err := h.update(t, user.ID, true, line(tt, 2))
	require.NoError(t, err)
	h.advance(cartExpiry + time.Second)

	_, err = h.svc.BeginCheckout(context.Background(), h.DB, cart.ID, user.ID)
	assert.True(t, apperr.HasReason(err, "cart_items_invalid"), "got %v", err)
}

func TestBeginCheckout_OnlyOwner(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)
	stranger := h.AddUser(t)

	cart, err := h.update(t, user.ID, true, line(tt, 1))
	require.NoError(t, err)

	_, err = h.svc.BeginCheckout(context.Background(), h.DB, cart.ID, stranger.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func TestBeginCheckout_BumpsVersion(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)

	cart, err := h.update(t, user.ID, true, line(tt, 1))
	require.NoError(t, err)

	co, err := h.svc.BeginCheckout(context.Background(), h.DB, cart.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.Version+1, co.Order.Version)
	assert.Equal(t, int64(120), co.TotalInCents)
}

func TestComplete_IssuesTicketsToBeneficiary(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)
	ctx := context.Background()

	cart, err := h.update(t, user.ID, true, line(tt, 3))
	require.NoError(t, err)
	co := h.pay(t, user.ID, cart.ID, models.PaymentMethodExternal)

	paid, err := h.svc.Order(ctx, cart.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	assert.NotNil(t, paid.PaidAt)
	assert.Nil(t, paid.ExpiresAt)

	owned, err := inventory.OwnedBy(ctx, h.DB, user.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 3)
	for _, ti := range owned {
		assert.Equal(t, models.TicketInstanceStatusPurchased, ti.Status)
	}

	// A second completion is a no-op.
	require.NoError(t, h.svc.Complete(ctx, h.DB, co.Order))

	next, err := h.svc.FindOrCreateCart(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, cart.ID, next.ID)
}

func TestResetToDraft_CancelsWhenNewerCartExists(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10)
	user := h.AddUser(t)
	ctx := context.Background()

	cart, err := h.update(t, user.ID, true, line(tt, 2))
	require.NoError(t, err)

	co, err := h.svc.BeginCheckout(ctx, h.DB, cart.ID, user.ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkPendingPayment(ctx, h.DB, co.Order))

	_, err = h.svc.FindOrCreateCart(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, h.svc.ResetToDraft(ctx, h.DB, co.Order))
	assert.Equal(t, models.OrderStatusCancelled, co.Order.Status)

	free, err := inventory.AvailableCount(ctx, h.DB, tt.ID, nil, h.clock)
	require.NoError(t, err)
	assert.Equal(t, int64(10), free)
}

func TestResetToDraft_ReturnsToCart(t *testing.T) {
	h := newHarness(t)
	tt := h.AddTicketType(t, "GA", 100, 10, testutil.TicketTypeOpts{})
	user := h.AddUser(t)
	ctx := context.Background()

	cart, err := h.update(t, user.ID, true, line(tt, 2))
	require.NoError(t, err)
	co, err := h.svc.BeginCheckout(ctx, h.DB, cart.ID, user.ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkPendingPayment(ctx, h.DB, co.Order))
	require.NoError(t, h.svc.ResetToDraft(ctx, h.DB, co.Order))

	again, err := h.svc.FindOrCreateCart(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, again.ID)
	assert.Equal(t, models.OrderStatusDraft, again.Status)
}
