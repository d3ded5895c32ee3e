package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID                uuid.UUID              `bun:"id,pk,type:uuid" json:"id"`
	OrderID           uuid.UUID              `bun:"order_id,notnull,type:uuid" json:"order_id"`
	CreatedBy         uuid.UUID              `bun:"created_by,notnull,type:uuid" json:"created_by"`
	Status            PaymentStatus          `bun:"status,notnull" json:"status"`
	PaymentMethod     PaymentMethod          `bun:"payment_method,notnull" json:"payment_method"`
	Provider          PaymentProvider        `bun:"provider,notnull" json:"provider"`
	ExternalReference *string                `bun:"external_reference" json:"external_reference"`
	AmountInCents     int64                  `bun:"amount_in_cents,notnull" json:"amount_in_cents"`
	RefundedInCents   int64                  `bun:"refunded_in_cents,notnull" json:"refunded_in_cents"`
	URLNonce          *string                `bun:"url_nonce" json:"-"`
	RawData           map[string]interface{} `bun:"raw_data,type:jsonb" json:"-"`
	CreatedAt         time.Time              `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time              `bun:"updated_at,notnull" json:"updated_at"`
}

// Settled reports whether the payment counts towards the order total.
func (p *Payment) Settled() bool {
	return p.Status == PaymentStatusCompleted
}

// UserPaymentMethod stores an opaque repeat-charge token with a provider.
type UserPaymentMethod struct {
	bun.BaseModel `bun:"table:payment_methods"`

	ID         uuid.UUID       `bun:"id,pk,type:uuid" json:"id"`
	UserID     uuid.UUID       `bun:"user_id,notnull,type:uuid" json:"user_id"`
	Provider   PaymentProvider `bun:"provider,notnull" json:"provider"`
	ExternalID string          `bun:"external_id,notnull" json:"-"`
	IsDefault  bool            `bun:"is_default,notnull" json:"is_default"`
	CreatedAt  time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt  time.Time       `bun:"updated_at,notnull" json:"updated_at"`
}

type Refund struct {
	bun.BaseModel `bun:"table:refunds"`

	ID             uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	OrderID        uuid.UUID `bun:"order_id,notnull,type:uuid" json:"order_id"`
	UserID         uuid.UUID `bun:"user_id,notnull,type:uuid" json:"user_id"`
	Reason         *string   `bun:"reason" json:"reason"`
	ManualOverride bool      `bun:"manual_override,notnull" json:"manual_override"`
	AmountInCents  int64     `bun:"amount_in_cents,notnull" json:"amount_in_cents"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`

	Items []*RefundItem `bun:"rel:has-many,join:id=refund_id" json:"items,omitempty"`
}

type RefundItem struct {
	bun.BaseModel `bun:"table:refund_items"`

	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	RefundID      uuid.UUID `bun:"refund_id,notnull,type:uuid" json:"refund_id"`
	OrderItemID   uuid.UUID `bun:"order_item_id,notnull,type:uuid" json:"order_item_id"`
	Quantity      int64     `bun:"quantity,notnull" json:"quantity"`
	AmountInCents int64     `bun:"amount_in_cents,notnull" json:"amount_in_cents"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}
