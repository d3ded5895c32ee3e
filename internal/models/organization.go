package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Organization struct {
	bun.BaseModel `bun:"table:organizations"`

	ID                      uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Name                    string     `bun:"name,notnull" json:"name"`
	FeeScheduleID           *uuid.UUID `bun:"fee_schedule_id,type:uuid" json:"fee_schedule_id"`
	EventFeeInCents         int64      `bun:"event_fee_in_cents,notnull" json:"event_fee_in_cents"`
	CompanyEventFeeInCents  int64      `bun:"company_event_fee_in_cents,notnull" json:"company_event_fee_in_cents"`
	ClientEventFeeInCents   int64      `bun:"client_event_fee_in_cents,notnull" json:"client_event_fee_in_cents"`
	MaxAdditionalFeeInCents int64      `bun:"max_additional_fee_in_cents,notnull" json:"max_additional_fee_in_cents"`
	Currency                string     `bun:"currency,notnull" json:"currency"`
	CreatedAt               time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt               time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

type FeeSchedule struct {
	bun.BaseModel `bun:"table:fee_schedules"`

	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Name           string     `bun:"name,notnull" json:"name"`
	OrganizationID *uuid.UUID `bun:"organization_id,type:uuid" json:"organization_id"`
	Version        int64      `bun:"version,notnull" json:"version"`
	CreatedAt      time.Time  `bun:"created_at,notnull" json:"created_at"`

	Ranges []*FeeScheduleRange `bun:"rel:has-many,join:id=fee_schedule_id" json:"ranges,omitempty"`
}

// FeeScheduleRange applies to unit prices at or above MinPriceInCents until the next range.
type FeeScheduleRange struct {
	bun.BaseModel `bun:"table:fee_schedule_ranges"`

	ID                uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	FeeScheduleID     uuid.UUID `bun:"fee_schedule_id,notnull,type:uuid" json:"fee_schedule_id"`
	MinPriceInCents   int64     `bun:"min_price_in_cents,notnull" json:"min_price_in_cents"`
	FeeInCents        int64     `bun:"fee_in_cents,notnull" json:"fee_in_cents"`
	CompanyFeeInCents int64     `bun:"company_fee_in_cents,notnull" json:"company_fee_in_cents"`
	ClientFeeInCents  int64     `bun:"client_fee_in_cents,notnull" json:"client_fee_in_cents"`
	CreatedAt         time.Time `bun:"created_at,notnull" json:"created_at"`
}
