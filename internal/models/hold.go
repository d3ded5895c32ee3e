package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Hold carves inventory out of a ticket type behind a redemption code.
// Root holds own physically assigned ticket instances; child holds only
// record the quantity they were split off with.
type Hold struct {
	bun.BaseModel `bun:"table:holds"`

	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Name            string     `bun:"name,notnull" json:"name"`
	EventID         uuid.UUID  `bun:"event_id,notnull,type:uuid" json:"event_id"`
	TicketTypeID    uuid.UUID  `bun:"ticket_type_id,notnull,type:uuid" json:"ticket_type_id"`
	ParentHoldID    *uuid.UUID `bun:"parent_hold_id,type:uuid" json:"parent_hold_id"`
	RedemptionCode  string     `bun:"redemption_code,notnull" json:"redemption_code"`
	HoldType        HoldType   `bun:"hold_type,notnull" json:"hold_type"`
	DiscountInCents *int64     `bun:"discount_in_cents" json:"discount_in_cents"`
	EndAt           *time.Time `bun:"end_at" json:"end_at"`
	MaxPerOrder     *int64     `bun:"max_per_order" json:"max_per_order"`
	SplitQuantity   int64      `bun:"split_quantity,notnull" json:"-"`
	DeletedAt       *time.Time `bun:"deleted_at" json:"deleted_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

func (h *Hold) IsRoot() bool { return h.ParentHoldID == nil }

// Expired reports whether the hold can no longer be redeemed at now.
func (h *Hold) Expired(now time.Time) bool {
	return h.DeletedAt != nil || (h.EndAt != nil && now.After(*h.EndAt))
}

// Code is an event-level redemption code that does not own inventory.
type Code struct {
	bun.BaseModel `bun:"table:codes"`

	ID                   uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Name                 string     `bun:"name,notnull" json:"name"`
	EventID              uuid.UUID  `bun:"event_id,notnull,type:uuid" json:"event_id"`
	CodeType             CodeType   `bun:"code_type,notnull" json:"code_type"`
	RedemptionCode       string     `bun:"redemption_code,notnull" json:"redemption_code"`
	MaxUses              int64      `bun:"max_uses,notnull" json:"max_uses"`
	DiscountInCents      *int64     `bun:"discount_in_cents" json:"discount_in_cents"`
	DiscountAsPercentage *int64     `bun:"discount_as_percentage" json:"discount_as_percentage"`
	MaxTicketsPerUser    *int64     `bun:"max_tickets_per_user" json:"max_tickets_per_user"`
	StartDate            time.Time  `bun:"start_date,notnull" json:"start_date"`
	EndDate              time.Time  `bun:"end_date,notnull" json:"end_date"`
	DeletedAt            *time.Time `bun:"deleted_at" json:"deleted_at"`
	CreatedAt            time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt            time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// ActiveAt reports whether the code window contains now.
func (c *Code) ActiveAt(now time.Time) bool {
	return c.DeletedAt == nil && !now.Before(c.StartDate) && now.Before(c.EndDate)
}
