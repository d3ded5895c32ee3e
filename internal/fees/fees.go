// Package fees prices per-ticket and per-event fees from an organization's
// tiered fee schedule.
package fees

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// Fee is one computed fee with its company/client split.
type Fee struct {
	Range          *models.FeeScheduleRange
	UnitInCents    int64
	CompanyInCents int64
	ClientInCents  int64
}

func (f Fee) IsZero() bool { return f.UnitInCents == 0 }

// BracketFor returns the range with the greatest min price not above price.
// Ranges need not be sorted.
func BracketFor(ranges []*models.FeeScheduleRange, priceInCents int64) *models.FeeScheduleRange {
	var best *models.FeeScheduleRange
	for _, r := range ranges {
		if r.MinPriceInCents > priceInCents {
			continue
		}
		if best == nil || r.MinPriceInCents > best.MinPriceInCents {
			best = r
		}
	}
	return best
}

// TicketFee is the per-unit fee for a ticket line at its effective unit price.
// Free tickets skip the bracket fee but still pay the ticket type's additional fee.
func TicketFee(ranges []*models.FeeScheduleRange, unitPriceInCents, additionalFeeInCents int64) Fee {
	fee := Fee{
		UnitInCents:   additionalFeeInCents,
		ClientInCents: additionalFeeInCents,
	}
	if unitPriceInCents <= 0 {
		return fee
	}
	r := BracketFor(ranges, unitPriceInCents)
	if r == nil {
		return fee
	}
	fee.Range = r
	fee.UnitInCents += r.FeeInCents
	fee.CompanyInCents += r.CompanyFeeInCents
	fee.ClientInCents += r.ClientFeeInCents
	return fee
}

// EventFee is the flat per-order fee for one event. An event-level amount
// overrides the organization's; the company share is capped by the total.
func EventFee(org *models.Organization, event *models.Event) Fee {
	if event.FeeInCents == nil {
		return Fee{
			UnitInCents:    org.EventFeeInCents,
			CompanyInCents: org.CompanyEventFeeInCents,
			ClientInCents:  org.ClientEventFeeInCents,
		}
	}
	total := *event.FeeInCents
	company := org.CompanyEventFeeInCents
	if company > total {
		company = total
	}
	return Fee{UnitInCents: total, CompanyInCents: company, ClientInCents: total - company}
}

// ---------------- SCHEDULES ----------------

type RangeInput struct {
	MinPriceInCents   int64 `json:"min_price_in_cents" validate:"gte=0"`
	CompanyFeeInCents int64 `json:"company_fee_in_cents" validate:"gte=0"`
	ClientFeeInCents  int64 `json:"client_fee_in_cents" validate:"gte=0"`
}

// Ranges loads the schedule ranges for an organization. An organization
// without a schedule charges no bracket fees.
func Ranges(ctx context.Context, db bun.IDB, org *models.Organization) ([]*models.FeeScheduleRange, error) {
	if org.FeeScheduleID == nil {
		return nil, nil
	}
	var ranges []*models.FeeScheduleRange
	err := db.NewSelect().Model(&ranges).
		Where("fee_schedule_id = ?", *org.FeeScheduleID).
		OrderExpr("min_price_in_cents ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load fee schedule ranges: %w", err)
	}
	return ranges, nil
}

// CreateSchedule stores a new schedule version and points the organization at it.
func CreateSchedule(ctx context.Context, db bun.IDB, orgID uuid.UUID, name string, ranges []RangeInput) (*models.FeeSchedule, error) {
	if err := ValidateRanges(ranges); err != nil {
		return nil, err
	}

	var version int64
	err := db.NewSelect().Model((*models.FeeSchedule)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Where("organization_id = ?", orgID).
		Scan(ctx, &version)
	if err != nil {
		return nil, fmt.Errorf("failed to read fee schedule version: %w", err)
	}

	now := utils.Now()
	schedule := &models.FeeSchedule{
		ID:             uuid.New(),
		Name:           name,
		OrganizationID: &orgID,
		Version:        version + 1,
		CreatedAt:      now,
	}
	if _, err := db.NewInsert().Model(schedule).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create fee schedule: %w", err)
	}

	for _, in := range ranges {
		r := &models.FeeScheduleRange{
			ID:                uuid.New(),
			FeeScheduleID:     schedule.ID,
			MinPriceInCents:   in.MinPriceInCents,
			FeeInCents:        in.CompanyFeeInCents + in.ClientFeeInCents,
			CompanyFeeInCents: in.CompanyFeeInCents,
			ClientFeeInCents:  in.ClientFeeInCents,
			CreatedAt:         now,
		}
		if _, err := db.NewInsert().Model(r).Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to create fee schedule range: %w", err)
		}
		schedule.Ranges = append(schedule.Ranges, r)
	}

	_, err = db.NewUpdate().Model((*models.Organization)(nil)).
		Set("fee_schedule_id = ?", schedule.ID).
		Set("updated_at = ?", now).
		Where("id = ?", orgID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to attach fee schedule: %w", err)
	}
	return schedule, nil
}

// ValidateRanges requires a first range at 0 and strictly increasing minimums.
func ValidateRanges(ranges []RangeInput) error {
	v := apperr.NewValidation()
	if len(ranges) == 0 {
		return v.Add("ranges", "required", "At least one fee range is required").OrNil()
	}
	sorted := sort.SliceIsSorted(ranges, func(i, j int) bool {
		return ranges[i].MinPriceInCents < ranges[j].MinPriceInCents
	})
	if !sorted {
		v.Add("ranges", "fee_schedule_ranges_unordered", "Fee ranges must be ordered by minimum price")
	}
	if ranges[0].MinPriceInCents != 0 {
		v.Add("ranges", "fee_schedule_first_range_not_zero", "The first fee range must start at 0")
	}
	for i := 1; i < len(ranges); i++ {
		if ranges[i].MinPriceInCents == ranges[i-1].MinPriceInCents {
			v.Add(fmt.Sprintf("ranges[%d].min_price_in_cents", i), "fee_schedule_duplicate_range", "Fee range minimums must be unique")
		}
	}
	for i, r := range ranges {
		if r.CompanyFeeInCents < 0 || r.ClientFeeInCents < 0 {
			v.Add(fmt.Sprintf("ranges[%d]", i), "number_must_be_positive", "Fees cannot be negative")
		}
	}
	return v.OrNil()
}
