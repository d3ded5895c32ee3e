package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID             uuid.UUID   `bun:"id,pk,type:uuid" json:"id"`
	OrganizationID uuid.UUID   `bun:"organization_id,notnull,type:uuid" json:"organization_id"`
	Name           string      `bun:"name,notnull" json:"name"`
	Status         EventStatus `bun:"status,notnull" json:"status"`
	EventStart     *time.Time  `bun:"event_start" json:"event_start"`
	DoorTime       *time.Time  `bun:"door_time" json:"door_time"`
	EventEnd       *time.Time  `bun:"event_end" json:"event_end"`
	FeeInCents     *int64      `bun:"fee_in_cents" json:"fee_in_cents"`
	PublishedAt    *time.Time  `bun:"published_at" json:"published_at"`
	CancelledAt    *time.Time  `bun:"cancelled_at" json:"cancelled_at"`
	DeletedAt      *time.Time  `bun:"deleted_at" json:"deleted_at"`
	CreatedAt      time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time   `bun:"updated_at,notnull" json:"updated_at"`

	Organization *Organization `bun:"rel:belongs-to,join:organization_id=id" json:"-"`
}

// OnSale reports whether tickets for the event may be bought at all.
func (e *Event) OnSale() bool {
	return e.Status == EventStatusPublished && e.CancelledAt == nil && e.DeletedAt == nil
}

type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types"`

	ID                   uuid.UUID             `bun:"id,pk,type:uuid" json:"id"`
	EventID              uuid.UUID             `bun:"event_id,notnull,type:uuid" json:"event_id"`
	Name                 string                `bun:"name,notnull" json:"name"`
	Description          string                `bun:"description" json:"description,omitempty"`
	Status               TicketTypeStatus      `bun:"status,notnull" json:"status"`
	StartDate            *time.Time            `bun:"start_date" json:"start_date"`
	EndDate              *time.Time            `bun:"end_date" json:"end_date"`
	EndDateType          TicketTypeEndDateType `bun:"end_date_type,notnull" json:"end_date_type"`
	Increment            int64                 `bun:"increment,notnull" json:"increment"`
	LimitPerPerson       int64                 `bun:"limit_per_person,notnull" json:"limit_per_person"`
	Visibility           TicketTypeVisibility  `bun:"visibility,notnull" json:"visibility"`
	ParentID             *uuid.UUID            `bun:"parent_id,type:uuid" json:"parent_id"`
	AdditionalFeeInCents int64                 `bun:"additional_fee_in_cents,notnull" json:"additional_fee_in_cents"`
	PriceInCents         int64                 `bun:"price_in_cents,notnull" json:"price_in_cents"`
	Rank                 int64                 `bun:"rank,notnull" json:"rank"`
	CancelledAt          *time.Time            `bun:"cancelled_at" json:"cancelled_at"`
	DeletedAt            *time.Time            `bun:"deleted_at" json:"deleted_at"`
	CreatedAt            time.Time             `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt            time.Time             `bun:"updated_at,notnull" json:"updated_at"`
}

func (tt *TicketType) IsCancelled() bool {
	return tt.Status == TicketTypeStatusCancelled || tt.CancelledAt != nil
}

type TicketPricing struct {
	bun.BaseModel `bun:"table:ticket_pricing"`

	ID              uuid.UUID           `bun:"id,pk,type:uuid" json:"id"`
	TicketTypeID    uuid.UUID           `bun:"ticket_type_id,notnull,type:uuid" json:"ticket_type_id"`
	Name            string              `bun:"name,notnull" json:"name"`
	Status          TicketPricingStatus `bun:"status,notnull" json:"status"`
	PriceInCents    int64               `bun:"price_in_cents,notnull" json:"price_in_cents"`
	StartDate       time.Time           `bun:"start_date,notnull" json:"start_date"`
	EndDate         time.Time           `bun:"end_date,notnull" json:"end_date"`
	IsBoxOfficeOnly bool                `bun:"is_box_office_only,notnull" json:"is_box_office_only"`
	CreatedAt       time.Time           `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time           `bun:"updated_at,notnull" json:"updated_at"`
}

// Asset is a batch of fungible ticket instances registered on the asset ledger.
type Asset struct {
	bun.BaseModel `bun:"table:assets"`

	ID                uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	TicketTypeID      uuid.UUID `bun:"ticket_type_id,notnull,type:uuid" json:"ticket_type_id"`
	Name              string    `bun:"name,notnull" json:"name"`
	BlockchainName    string    `bun:"blockchain_name,notnull" json:"blockchain_name"`
	BlockchainAssetID *string   `bun:"blockchain_asset_id" json:"blockchain_asset_id"`
	CreatedAt         time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type TicketTypeCode struct {
	bun.BaseModel `bun:"table:ticket_type_codes"`

	ID           uuid.UUID `bun:"id,pk,type:uuid"`
	TicketTypeID uuid.UUID `bun:"ticket_type_id,notnull,type:uuid"`
	CodeID       uuid.UUID `bun:"code_id,notnull,type:uuid"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
}
