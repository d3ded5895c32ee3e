package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/pricing"
	"ms-ticket-commerce/internal/testutil"
)

func period(name string, price int64, start, end time.Time, boxOffice bool) pricing.PeriodInput {
	return pricing.PeriodInput{Name: name, PriceInCents: price, StartDate: start, EndDate: end, IsBoxOfficeOnly: boxOffice}
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 150, 5)

	q, err := pricing.Resolve(ctx, f.DB, tt, f.Now, false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(150), q.UnitPriceInCents)
	assert.Equal(t, models.TicketPricingStatusDefault, q.Pricing.Status)

	again, err := pricing.Resolve(ctx, f.DB, tt, f.Now.Add(time.Minute), false, nil)
	require.NoError(t, err)
	assert.Equal(t, q.UnitPriceInCents, again.UnitPriceInCents)
	assert.Equal(t, q.Pricing.ID, again.Pricing.ID)
}

func TestResolve_ActivePeriodAndBoxOffice(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 150, 5)

	_, err := pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{}, []pricing.PeriodInput{
		period("Early bird", 100, f.Now.Add(-time.Hour), f.Now.Add(time.Hour), false),
		period("Door", 120, f.Now.Add(-time.Hour), f.Now.Add(time.Hour), true),
	}, nil)
	require.NoError(t, err)

	q, err := pricing.Resolve(ctx, f.DB, tt, f.Now, false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.UnitPriceInCents)

	q, err = pricing.Resolve(ctx, f.DB, tt, f.Now, true, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(120), q.UnitPriceInCents)

	// After the window the default applies again.
	q, err = pricing.Resolve(ctx, f.DB, tt, f.Now.Add(2*time.Hour), false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(150), q.UnitPriceInCents)
}

func TestCurrent_MultipleActiveRowsIsAnIntegrityError(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 150, 5)

	for _, price := range []int64{90, 95} {
		testutil.Insert(t, f.DB, &models.TicketPricing{
			ID:           uuid.New(),
			TicketTypeID: tt.ID,
			Name:         "dup",
			Status:       models.TicketPricingStatusPublished,
			PriceInCents: price,
			StartDate:    f.Now.Add(-time.Hour),
			EndDate:      f.Now.Add(time.Hour),
			CreatedAt:    f.Now,
			UpdatedAt:    f.Now,
		})
	}

	_, err := pricing.Current(ctx, f.DB, tt.ID, f.Now, false)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInternal))
}

func TestResolve_Redemptions(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 150, 5)

	discount := int64(10)
	q, err := pricing.Resolve(ctx, f.DB, tt, f.Now, false, &pricing.Redemption{
		Hold: &models.Hold{HoldType: models.HoldTypeDiscount, DiscountInCents: &discount},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(140), q.UnitPriceInCents)
	assert.Equal(t, int64(150), q.BasePriceInCents)

	q, err = pricing.Resolve(ctx, f.DB, tt, f.Now, false, &pricing.Redemption{
		Hold: &models.Hold{HoldType: models.HoldTypeComp},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.UnitPriceInCents)

	pct := int64(20)
	q, err = pricing.Resolve(ctx, f.DB, tt, f.Now, false, &pricing.Redemption{
		Code: &models.Code{CodeType: models.CodeTypeDiscount, DiscountAsPercentage: &pct},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), q.UnitPriceInCents)
	assert.Equal(t, int64(30), q.CodeDiscountInCents)
	assert.Equal(t, int64(120), q.EffectivePriceInCents())

	q, err = pricing.Resolve(ctx, f.DB, tt, f.Now, false, &pricing.Redemption{
		Code: &models.Code{CodeType: models.CodeTypeAccess},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), q.EffectivePriceInCents())
}

func TestCodeDiscount_NeverExceedsPrice(t *testing.T) {
	big := int64(500)
	assert.Equal(t, int64(150), pricing.CodeDiscount(&models.Code{DiscountInCents: &big}, 150))
}

func TestValidatePeriods(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 150, 1)

	_, err := pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{}, []pricing.PeriodInput{
		period("A", 100, f.Now, f.Now.Add(2*time.Hour), false),
	}, nil)
	require.NoError(t, err)

	// Overlaps the stored row.
	_, err = pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{}, []pricing.PeriodInput{
		period("B", 100, f.Now.Add(time.Hour), f.Now.Add(3*time.Hour), false),
	}, nil)
	assert.True(t, apperr.HasFieldCode(err, "ticket_pricing", "ticket_pricing_overlapping_periods"))

	// A box office row may overlap a regular one.
	_, err = pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{}, []pricing.PeriodInput{
		period("Door", 100, f.Now.Add(time.Hour), f.Now.Add(3*time.Hour), true),
	}, nil)
	assert.NoError(t, err)

	start := f.Now.Add(10 * time.Hour)
	end := f.Now.Add(20 * time.Hour)
	_, err = pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{Start: &start, End: &end}, []pricing.PeriodInput{
		period("C", -5, f.Now.Add(5*time.Hour), f.Now.Add(time.Hour), false),
	}, nil)
	assert.True(t, apperr.HasFieldCode(err, "ticket_pricing.start_date", "start_date_must_be_before_end_date"))
	assert.True(t, apperr.HasFieldCode(err, "ticket_pricing.price_in_cents", "number_must_be_positive"))
	assert.True(t, apperr.HasFieldCode(err, "ticket_pricing", "ticket_pricing_overlapping_ticket_type_start_date"))

	_, err = pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{Start: &start, End: &end}, []pricing.PeriodInput{
		period("D", 10, start, end.Add(time.Hour), false),
	}, nil)
	assert.True(t, apperr.HasFieldCode(err, "ticket_pricing", "ticket_pricing_overlapping_ticket_type_end_date"))

	// Two new periods that overlap each other.
	_, err = pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{}, []pricing.PeriodInput{
		period("E", 10, f.Now.Add(50*time.Hour), f.Now.Add(60*time.Hour), false),
		period("F", 10, f.Now.Add(55*time.Hour), f.Now.Add(65*time.Hour), false),
	}, nil)
	assert.True(t, apperr.HasFieldCode(err, "ticket_pricing", "ticket_pricing_overlapping_periods"))
}

func TestSupersedeKeepsHistory(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 150, 1)

	old, err := pricing.Default(ctx, f.DB, tt.ID)
	require.NoError(t, err)

	next, err := pricing.Supersede(ctx, f.DB, old.ID, 175, nil)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, next.ID)
	assert.Equal(t, models.TicketPricingStatusDefault, next.Status)

	var retired models.TicketPricing
	require.NoError(t, f.DB.NewSelect().Model(&retired).Where("id = ?", old.ID).Scan(ctx))
	assert.Equal(t, models.TicketPricingStatusDeleted, retired.Status)
	assert.Equal(t, int64(150), retired.PriceInCents)

	q, err := pricing.Resolve(ctx, f.DB, tt, f.Now, false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(175), q.UnitPriceInCents)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	tt := f.AddTicketType(t, "GA", 150, 1)

	periods, err := pricing.CreatePeriods(ctx, f.DB, tt.ID, pricing.Window{}, []pricing.PeriodInput{
		period("Unused", 100, f.Now, f.Now.Add(time.Hour), false),
		period("Used", 100, f.Now.Add(2*time.Hour), f.Now.Add(3*time.Hour), false),
	}, nil)
	require.NoError(t, err)

	testutil.Insert(t, f.DB, &models.OrderItem{
		ID:               uuid.New(),
		OrderID:          uuid.New(),
		ItemType:         models.OrderItemTypeTickets,
		Quantity:         1,
		UnitPriceInCents: 100,
		TicketPricingID:  &periods[1].ID,
		CreatedAt:        f.Now,
		UpdatedAt:        f.Now,
	})

	require.NoError(t, pricing.Destroy(ctx, f.DB, periods[0].ID, nil))
	require.NoError(t, pricing.Destroy(ctx, f.DB, periods[1].ID, nil))

	count, err := f.DB.NewSelect().Model((*models.TicketPricing)(nil)).Where("id = ?", periods[0].ID).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	var used models.TicketPricing
	require.NoError(t, f.DB.NewSelect().Model(&used).Where("id = ?", periods[1].ID).Scan(ctx))
	assert.Equal(t, models.TicketPricingStatusDeleted, used.Status)

	def, err := pricing.Default(ctx, f.DB, tt.ID)
	require.NoError(t, err)
	err = pricing.Destroy(ctx, f.DB, def.ID, nil)
	assert.True(t, apperr.HasReason(err, "default_pricing_required"))
}
