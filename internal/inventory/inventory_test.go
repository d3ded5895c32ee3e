package inventory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/testutil"
)

func reserve(t *testing.T, db bun.IDB, tt *models.TicketType, itemID uuid.UUID, qty int64, now time.Time) ([]models.TicketInstance, error) {
	t.Helper()
	return inventory.Reserve(context.Background(), db, inventory.ReserveRequest{
		TicketTypeID:   tt.ID,
		TicketTypeName: tt.Name,
		OrderItemID:    itemID,
		Quantity:       qty,
		ReservedUntil:  now.Add(15 * time.Minute),
		Now:            now,
	})
}

func assertConserved(t *testing.T, f *testutil.Fixture, tt *models.TicketType, total int64, at time.Time) map[models.TicketInstanceStatus]int64 {
	t.Helper()
	counts, err := inventory.StatusCounts(context.Background(), f.DB, tt.ID, at)
	require.NoError(t, err)
	var sum int64
	for _, n := range counts {
		sum += n
	}
	assert.Equal(t, total, sum)
	return counts
}

func TestReserve_ClaimsLowestTokensAndConserves(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 10)
	item := uuid.New()

	got, err := reserve(t, f.DB, tt, item, 4, f.Now)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, ti := range got {
		assert.Equal(t, int64(i+1), ti.TokenID)
		assert.Equal(t, models.TicketInstanceStatusReserved, ti.Status)
		assert.Equal(t, item, *ti.OrderItemID)
	}

	counts := assertConserved(t, f, tt, 10, f.Now)
	assert.Equal(t, int64(6), counts[models.TicketInstanceStatusAvailable])
	assert.Equal(t, int64(4), counts[models.TicketInstanceStatusReserved])
}

func TestReserve_ShortfallFailsWithoutSideEffects(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 3)

	_, err := reserve(t, f.DB, tt, uuid.New(), 4, f.Now)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInsufficientInventory, ae.Kind)
	assert.Equal(t, tt.ID, ae.TicketTypeID)
	assert.Equal(t, int64(4), ae.Requested)
	assert.Equal(t, int64(3), ae.Available)

	counts := assertConserved(t, f, tt, 3, f.Now)
	assert.Equal(t, int64(3), counts[models.TicketInstanceStatusAvailable])
}

func TestReserve_IgnoresUnregisteredAssets(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 5, testutil.TicketTypeOpts{Unregistered: true})

	_, err := reserve(t, f.DB, tt, uuid.New(), 1, f.Now)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientInventory))
}

func TestReserve_ReclaimsLapsedReservations(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 2)
	first := uuid.New()

	_, err := reserve(t, f.DB, tt, first, 2, f.Now)
	require.NoError(t, err)

	_, err = reserve(t, f.DB, tt, uuid.New(), 1, f.Now.Add(time.Minute))
	require.Error(t, err)

	later := f.Now.Add(16 * time.Minute)
	counts := assertConserved(t, f, tt, 2, later)
	assert.Equal(t, int64(2), counts[models.TicketInstanceStatusAvailable])

	second := uuid.New()
	got, err := reserve(t, f.DB, tt, second, 2, later)
	require.NoError(t, err)
	require.Len(t, got, 2)

	linked, err := inventory.LinkedCounts(context.Background(), f.DB, []uuid.UUID{first, second})
	require.NoError(t, err)
	assert.Equal(t, int64(0), linked[first])
	assert.Equal(t, int64(2), linked[second])
}

func TestReserve_ConcurrentCartsNeverShareAnInstance(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 10)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
		failed  int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
				got, err := reserve(t, tx, tt, uuid.New(), 2, f.Now)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, ti := range got {
					claimed[ti.ID]++
				}
				mu.Unlock()
				return nil
			})
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 10)
	for _, n := range claimed {
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, 1, failed)
	assertConserved(t, f, tt, 10, f.Now)
}

func TestRelease_ReturnsToAvailable(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 5)
	item := uuid.New()
	ctx := context.Background()

	_, err := reserve(t, f.DB, tt, item, 4, f.Now)
	require.NoError(t, err)

	n, err := inventory.Release(ctx, f.DB, item, 1, nil, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := inventory.ForItems(ctx, f.DB, []uuid.UUID{item})
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	// Highest token goes back first.
	assert.Equal(t, int64(3), remaining[len(remaining)-1].TokenID)

	n, err = inventory.Release(ctx, f.DB, item, 0, nil, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	counts := assertConserved(t, f, tt, 5, f.Now)
	assert.Equal(t, int64(5), counts[models.TicketInstanceStatusAvailable])
}

func TestRelease_NullifiesWhenTicketTypeCancelled(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 5)
	item := uuid.New()
	ctx := context.Background()

	reserved, err := reserve(t, f.DB, tt, item, 2, f.Now)
	require.NoError(t, err)

	_, err = f.DB.NewUpdate().Model((*models.TicketType)(nil)).
		Set("status = ?", models.TicketTypeStatusCancelled).
		Set("cancelled_at = ?", f.Now).
		Where("id = ?", tt.ID).
		Exec(ctx)
	require.NoError(t, err)

	n, err := inventory.Release(ctx, f.DB, item, 0, nil, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, ti := range reserved {
		got, err := inventory.Get(ctx, f.DB, ti.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TicketInstanceStatusNullified, got.Status)

		events, err := domain.Find(ctx, f.DB, models.TableTicketInstances, ti.ID, models.DomainEventTicketInstanceNullified)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	}
	counts := assertConserved(t, f, tt, 5, f.Now)
	assert.Equal(t, int64(2), counts[models.TicketInstanceStatusNullified])
}

func TestRefreshAndValidCounts(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 5)
	item := uuid.New()
	ctx := context.Background()

	_, err := reserve(t, f.DB, tt, item, 3, f.Now)
	require.NoError(t, err)

	later := f.Now.Add(20 * time.Minute)
	valid, err := inventory.ValidCounts(ctx, f.DB, []uuid.UUID{item}, later)
	require.NoError(t, err)
	assert.Equal(t, int64(0), valid[item])

	require.NoError(t, inventory.Refresh(ctx, f.DB, []uuid.UUID{item}, later.Add(15*time.Minute), later))
	valid, err = inventory.ValidCounts(ctx, f.DB, []uuid.UUID{item}, later)
	require.NoError(t, err)
	assert.Equal(t, int64(3), valid[item])
}

func purchase(t *testing.T, f *testutil.Fixture, tt *models.TicketType, owner uuid.UUID, qty int64) []models.TicketInstance {
	t.Helper()
	ctx := context.Background()
	item := uuid.New()
	_, err := reserve(t, f.DB, tt, item, qty, f.Now)
	require.NoError(t, err)
	n, err := inventory.MarkPurchased(ctx, f.DB, []uuid.UUID{item}, uuid.New(), owner, f.Now)
	require.NoError(t, err)
	require.Equal(t, int(qty), n)
	got, err := inventory.ForItems(ctx, f.DB, []uuid.UUID{item})
	require.NoError(t, err)
	return got
}

func TestMarkPurchased_AssignsKeysAndEvents(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 3)
	owner := f.AddUser(t)

	tickets := purchase(t, f, tt, owner.ID, 2)
	for _, ti := range tickets {
		assert.Equal(t, models.TicketInstanceStatusPurchased, ti.Status)
		assert.Equal(t, owner.ID, *ti.OwnerUserID)
		require.NotNil(t, ti.RedeemKey)
		assert.Len(t, *ti.RedeemKey, 9)
		assert.Nil(t, ti.ReservedUntil)

		events, err := domain.Find(context.Background(), f.DB, models.TableTicketInstances, ti.ID, models.DomainEventTicketInstancePurchased)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	}

	owned, err := inventory.OwnedBy(context.Background(), f.DB, owner.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestRedeem(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 1)
	owner := f.AddUser(t)
	scanner := f.AddUser(t)
	ctx := context.Background()

	ti := purchase(t, f, tt, owner.ID, 1)[0]

	result, err := inventory.Redeem(ctx, f.DB, ti.ID, "WRONGKEY1", scanner.ID, f.Now)
	require.NoError(t, err)
	assert.Equal(t, models.RedeemResultInvalid, result)
	events, err := domain.Find(ctx, f.DB, models.TableTicketInstances, ti.ID, models.DomainEventTicketInstanceRedeemed)
	require.NoError(t, err)
	assert.Empty(t, events)

	result, err = inventory.Redeem(ctx, f.DB, ti.ID, *ti.RedeemKey, scanner.ID, f.Now)
	require.NoError(t, err)
	assert.Equal(t, models.RedeemResultSuccess, result)

	result, err = inventory.Redeem(ctx, f.DB, ti.ID, *ti.RedeemKey, scanner.ID, f.Now)
	require.NoError(t, err)
	assert.Equal(t, models.RedeemResultAlreadyRedeemed, result)

	events, err = domain.Find(ctx, f.DB, models.TableTicketInstances, ti.ID, models.DomainEventTicketInstanceRedeemed)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	stored, err := inventory.Get(ctx, f.DB, ti.ID)
	require.NoError(t, err)
	assert.Equal(t, scanner.ID, *stored.RedeemedByUserID)
}

func TestTransfer_BlocksRedeemAndRotatesKey(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 1)
	sender := f.AddUser(t)
	receiver := f.AddUser(t)
	ctx := context.Background()

	ti := purchase(t, f, tt, sender.ID, 1)[0]
	oldKey := *ti.RedeemKey

	tr, err := inventory.CreateTransfer(ctx, f.DB, ti.ID, sender.ID, f.Now)
	require.NoError(t, err)

	_, err = inventory.CreateTransfer(ctx, f.DB, ti.ID, sender.ID, f.Now)
	assert.True(t, apperr.HasReason(err, "transfer_in_progress"))

	result, err := inventory.Redeem(ctx, f.DB, ti.ID, oldKey, sender.ID, f.Now)
	require.NoError(t, err)
	assert.Equal(t, models.RedeemResultTransferInProgress, result)

	_, err = inventory.CompleteTransfer(ctx, f.DB, tr.TransferKey, receiver.ID, f.Now)
	require.NoError(t, err)

	moved, err := inventory.Get(ctx, f.DB, ti.ID)
	require.NoError(t, err)
	assert.Equal(t, receiver.ID, *moved.OwnerUserID)
	assert.NotEqual(t, oldKey, *moved.RedeemKey)

	transferred, err := inventory.WasTransferred(ctx, f.DB, ti.ID)
	require.NoError(t, err)
	assert.True(t, transferred)

	result, err = inventory.Redeem(ctx, f.DB, ti.ID, oldKey, sender.ID, f.Now)
	require.NoError(t, err)
	assert.Equal(t, models.RedeemResultInvalid, result)
}

func TestCancelTransfer_OnlySender(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 1)
	sender := f.AddUser(t)
	ctx := context.Background()

	ti := purchase(t, f, tt, sender.ID, 1)[0]
	tr, err := inventory.CreateTransfer(ctx, f.DB, ti.ID, sender.ID, f.Now)
	require.NoError(t, err)

	_, err = inventory.CancelTransfer(ctx, f.DB, tr.TransferKey, uuid.New(), f.Now)
	assert.True(t, apperr.HasReason(err, "not_transfer_owner"))

	cancelled, err := inventory.CancelTransfer(ctx, f.DB, tr.TransferKey, sender.ID, f.Now)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusCancelled, cancelled.Status)

	result, err := inventory.Redeem(ctx, f.DB, ti.ID, *ti.RedeemKey, sender.ID, f.Now)
	require.NoError(t, err)
	assert.Equal(t, models.RedeemResultSuccess, result)
}

func TestReturnToPool(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 2)
	owner := f.AddUser(t)
	ctx := context.Background()

	tickets := purchase(t, f, tt, owner.ID, 2)
	require.NoError(t, inventory.ReturnToPool(ctx, f.DB, []uuid.UUID{tickets[0].ID}, nil, f.Now))

	back, err := inventory.Get(ctx, f.DB, tickets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketInstanceStatusAvailable, back.Status)
	assert.Nil(t, back.OwnerUserID)
	assert.Nil(t, back.RedeemKey)

	err = inventory.ReturnToPool(ctx, f.DB, []uuid.UUID{tickets[0].ID}, nil, f.Now)
	assert.True(t, apperr.HasReason(err, "ticket_not_refundable"))

	counts := assertConserved(t, f, tt, 2, f.Now)
	assert.Equal(t, int64(1), counts[models.TicketInstanceStatusAvailable])
	assert.Equal(t, int64(1), counts[models.TicketInstanceStatusPurchased])
}

func TestNullifyFree_SparesLiveReservations(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 5)
	ctx := context.Background()

	_, err := reserve(t, f.DB, tt, uuid.New(), 2, f.Now)
	require.NoError(t, err)

	n, err := inventory.NullifyFree(ctx, f.DB, tt.ID, nil, f.Now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts := assertConserved(t, f, tt, 5, f.Now)
	assert.Equal(t, int64(3), counts[models.TicketInstanceStatusNullified])
	assert.Equal(t, int64(2), counts[models.TicketInstanceStatusReserved])
}

func TestHoldPool(t *testing.T) {
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 1000, 10)
	ctx := context.Background()
	hold := uuid.New()

	require.NoError(t, inventory.AssignToHold(ctx, f.DB, tt, hold, 4, nil, f.Now))
	err := inventory.AssignToHold(ctx, f.DB, tt, uuid.New(), 7, nil, f.Now)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientInventory))

	general, err := inventory.AvailableCount(ctx, f.DB, tt.ID, nil, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(6), general)

	held, err := inventory.AvailableCount(ctx, f.DB, tt.ID, []uuid.UUID{hold}, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), held)

	_, err = inventory.Reserve(ctx, f.DB, inventory.ReserveRequest{
		TicketTypeID:  tt.ID,
		OrderItemID:   uuid.New(),
		Quantity:      1,
		HoldPool:      []uuid.UUID{hold},
		HoldID:        &hold,
		ReservedUntil: f.Now.Add(time.Minute),
		Now:           f.Now,
	})
	require.NoError(t, err)

	consumed, err := inventory.ConsumedCounts(ctx, f.DB, []uuid.UUID{hold}, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), consumed[hold])

	allocated, err := inventory.AllocatedCount(ctx, f.DB, []uuid.UUID{hold})
	require.NoError(t, err)
	assert.Equal(t, int64(4), allocated)

	released, err := inventory.ReleaseFromHold(ctx, f.DB, []uuid.UUID{hold}, hold, 0, nil, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), released)

	general, err = inventory.AvailableCount(ctx, f.DB, tt.ID, nil, f.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(9), general)
}
