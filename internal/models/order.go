package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Order is both the mutable cart (Draft) and the purchased order.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID                  uuid.UUID            `bun:"id,pk,type:uuid" json:"id"`
	UserID              uuid.UUID            `bun:"user_id,notnull,type:uuid" json:"user_id"`
	OnBehalfOfUserID    *uuid.UUID           `bun:"on_behalf_of_user_id,type:uuid" json:"on_behalf_of_user_id"`
	Status              OrderStatus          `bun:"status,notnull" json:"status"`
	OrderType           OrderType            `bun:"order_type,notnull" json:"order_type"`
	ExpiresAt           *time.Time           `bun:"expires_at" json:"expires_at"`
	Version             int64                `bun:"version,notnull" json:"version"`
	BoxOfficePricing    bool                 `bun:"box_office_pricing,notnull" json:"box_office_pricing"`
	ExternalPaymentType *ExternalPaymentType `bun:"external_payment_type" json:"external_payment_type"`
	Note                *string              `bun:"note" json:"note"`
	OrderDate           time.Time            `bun:"order_date,notnull" json:"order_date"`
	PaidAt              *time.Time           `bun:"paid_at" json:"paid_at"`
	CreatedAt           time.Time            `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt           time.Time            `bun:"updated_at,notnull" json:"updated_at"`
}

// Beneficiary is the user the purchased tickets belong to.
func (o *Order) Beneficiary() uuid.UUID {
	if o.OnBehalfOfUserID != nil {
		return *o.OnBehalfOfUserID
	}
	return o.UserID
}

func (o *Order) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID                 uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	OrderID            uuid.UUID     `bun:"order_id,notnull,type:uuid" json:"order_id"`
	ItemType           OrderItemType `bun:"item_type,notnull" json:"item_type"`
	TicketTypeID       *uuid.UUID    `bun:"ticket_type_id,type:uuid" json:"ticket_type_id"`
	EventID            *uuid.UUID    `bun:"event_id,type:uuid" json:"event_id"`
	Quantity           int64         `bun:"quantity,notnull" json:"quantity"`
	UnitPriceInCents   int64         `bun:"unit_price_in_cents,notnull" json:"unit_price_in_cents"`
	TicketPricingID    *uuid.UUID    `bun:"ticket_pricing_id,type:uuid" json:"ticket_pricing_id"`
	FeeScheduleRangeID *uuid.UUID    `bun:"fee_schedule_range_id,type:uuid" json:"fee_schedule_range_id"`
	ParentID           *uuid.UUID    `bun:"parent_id,type:uuid" json:"parent_id"`
	HoldID             *uuid.UUID    `bun:"hold_id,type:uuid" json:"hold_id"`
	CodeID             *uuid.UUID    `bun:"code_id,type:uuid" json:"code_id"`
	CompanyFeeInCents  int64         `bun:"company_fee_in_cents,notnull" json:"company_fee_in_cents"`
	ClientFeeInCents   int64         `bun:"client_fee_in_cents,notnull" json:"client_fee_in_cents"`
	RefundedQuantity   int64         `bun:"refunded_quantity,notnull" json:"refunded_quantity"`
	CreatedAt          time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt          time.Time     `bun:"updated_at,notnull" json:"updated_at"`
}

// Total is the gross amount still owed for the item after refunds.
func (oi *OrderItem) Total() int64 {
	return (oi.Quantity - oi.RefundedQuantity) * oi.UnitPriceInCents
}
