package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TicketInstance is one physical, sellable ticket.
type TicketInstance struct {
	bun.BaseModel `bun:"table:ticket_instances"`

	ID               uuid.UUID            `bun:"id,pk,type:uuid" json:"id"`
	AssetID          uuid.UUID            `bun:"asset_id,notnull,type:uuid" json:"asset_id"`
	TicketTypeID     uuid.UUID            `bun:"ticket_type_id,notnull,type:uuid" json:"ticket_type_id"`
	TokenID          int64                `bun:"token_id,notnull" json:"token_id"`
	HoldID           *uuid.UUID           `bun:"hold_id,type:uuid" json:"hold_id"`
	OrderItemID      *uuid.UUID           `bun:"order_item_id,type:uuid" json:"order_item_id"`
	OwnerUserID      *uuid.UUID           `bun:"owner_user_id,type:uuid" json:"owner_user_id"`
	Status           TicketInstanceStatus `bun:"status,notnull" json:"status"`
	ReservedUntil    *time.Time           `bun:"reserved_until" json:"reserved_until"`
	RedeemKey        *string              `bun:"redeem_key" json:"-"`
	RedeemedAt       *time.Time           `bun:"redeemed_at" json:"redeemed_at"`
	RedeemedByUserID *uuid.UUID           `bun:"redeemed_by_user_id,type:uuid" json:"redeemed_by_user_id"`
	CreatedAt        time.Time            `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt        time.Time            `bun:"updated_at,notnull" json:"updated_at"`
}

// ReservationLapsed reports a Reserved ticket whose claim has run out.
func (t *TicketInstance) ReservationLapsed(now time.Time) bool {
	return t.Status == TicketInstanceStatusReserved && t.ReservedUntil != nil && t.ReservedUntil.Before(now)
}

type Transfer struct {
	bun.BaseModel `bun:"table:transfers"`

	ID                uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	TicketInstanceID  uuid.UUID      `bun:"ticket_instance_id,notnull,type:uuid" json:"ticket_instance_id"`
	SourceUserID      uuid.UUID      `bun:"source_user_id,notnull,type:uuid" json:"source_user_id"`
	DestinationUserID *uuid.UUID     `bun:"destination_user_id,type:uuid" json:"destination_user_id"`
	TransferKey       uuid.UUID      `bun:"transfer_key,notnull,type:uuid" json:"transfer_key"`
	Status            TransferStatus `bun:"status,notnull" json:"status"`
	CreatedAt         time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time      `bun:"updated_at,notnull" json:"updated_at"`
}

type RefundedTicket struct {
	bun.BaseModel `bun:"table:refunded_tickets"`

	ID               uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	RefundID         uuid.UUID `bun:"refund_id,notnull,type:uuid" json:"refund_id"`
	OrderItemID      uuid.UUID `bun:"order_item_id,notnull,type:uuid" json:"order_item_id"`
	TicketInstanceID uuid.UUID `bun:"ticket_instance_id,notnull,type:uuid" json:"ticket_instance_id"`
	CreatedAt        time.Time `bun:"created_at,notnull" json:"created_at"`
}
