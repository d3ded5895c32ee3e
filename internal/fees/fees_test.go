package fees_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/fees"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/testutil"
)

func ranges() []*models.FeeScheduleRange {
	return []*models.FeeScheduleRange{
		{MinPriceInCents: 1000, FeeInCents: 100, CompanyFeeInCents: 60, ClientFeeInCents: 40},
		{MinPriceInCents: 0, FeeInCents: 20, CompanyFeeInCents: 10, ClientFeeInCents: 10},
		{MinPriceInCents: 5000, FeeInCents: 250, CompanyFeeInCents: 150, ClientFeeInCents: 100},
	}
}

func TestBracketFor(t *testing.T) {
	cases := []struct {
		price int64
		want  int64
	}{
		{1, 20},
		{150, 20},
		{999, 20},
		{1000, 100},
		{4999, 100},
		{5000, 250},
		{100000, 250},
	}
	for _, c := range cases {
		r := fees.BracketFor(ranges(), c.price)
		require.NotNil(t, r, "price %d", c.price)
		assert.Equal(t, c.want, r.FeeInCents, "price %d", c.price)
	}
	assert.Nil(t, fees.BracketFor(ranges()[:1], 10))
}

func TestTicketFee(t *testing.T) {
	fee := fees.TicketFee(ranges(), 150, 0)
	assert.Equal(t, int64(20), fee.UnitInCents)
	assert.Equal(t, int64(10), fee.CompanyInCents)
	assert.Equal(t, int64(10), fee.ClientInCents)

	fee = fees.TicketFee(ranges(), 1500, 25)
	assert.Equal(t, int64(125), fee.UnitInCents)
	assert.Equal(t, int64(60), fee.CompanyInCents)
	assert.Equal(t, int64(65), fee.ClientInCents)

	// Comps only carry the flat additional fee.
	fee = fees.TicketFee(ranges(), 0, 0)
	assert.True(t, fee.IsZero())
	fee = fees.TicketFee(ranges(), 0, 30)
	assert.Equal(t, int64(30), fee.UnitInCents)
	assert.Nil(t, fee.Range)
}

func TestEventFee(t *testing.T) {
	org := &models.Organization{EventFeeInCents: 150, CompanyEventFeeInCents: 100, ClientEventFeeInCents: 50}

	fee := fees.EventFee(org, &models.Event{})
	assert.Equal(t, int64(150), fee.UnitInCents)
	assert.Equal(t, int64(100), fee.CompanyInCents)

	override := int64(80)
	fee = fees.EventFee(org, &models.Event{FeeInCents: &override})
	assert.Equal(t, int64(80), fee.UnitInCents)
	assert.Equal(t, int64(80), fee.CompanyInCents)
	assert.Equal(t, int64(0), fee.ClientInCents)
}

func TestValidateRanges(t *testing.T) {
	err := fees.ValidateRanges([]fees.RangeInput{{MinPriceInCents: 100}, {MinPriceInCents: 50}})
	assert.True(t, apperr.HasFieldCode(err, "ranges", "fee_schedule_ranges_unordered"))
	assert.True(t, apperr.HasFieldCode(err, "ranges", "fee_schedule_first_range_not_zero"))

	assert.NoError(t, fees.ValidateRanges([]fees.RangeInput{{MinPriceInCents: 0}, {MinPriceInCents: 500}}))
}

func TestCreateSchedule_AttachesToOrganization(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	schedule, err := fees.CreateSchedule(ctx, f.DB, f.Organization.ID, "Tiered", []fees.RangeInput{
		{MinPriceInCents: 0, CompanyFeeInCents: 5, ClientFeeInCents: 5},
		{MinPriceInCents: 2000, CompanyFeeInCents: 50, ClientFeeInCents: 25},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), schedule.Version)
	require.Len(t, schedule.Ranges, 2)
	assert.Equal(t, int64(75), schedule.Ranges[1].FeeInCents)

	var org models.Organization
	require.NoError(t, f.DB.NewSelect().Model(&org).Where("id = ?", f.Organization.ID).Scan(ctx))
	require.NotNil(t, org.FeeScheduleID)
	assert.Equal(t, schedule.ID, *org.FeeScheduleID)

	loaded, err := fees.Ranges(ctx, f.DB, &org)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, int64(10), fees.TicketFee(loaded, 150, 0).UnitInCents)
}
