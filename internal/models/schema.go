package models

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// All lists every table model in dependency order.
var All = []interface{}{
	(*Organization)(nil),
	(*FeeSchedule)(nil),
	(*FeeScheduleRange)(nil),
	(*User)(nil),
	(*Event)(nil),
	(*TicketType)(nil),
	(*TicketPricing)(nil),
	(*Asset)(nil),
	(*Hold)(nil),
	(*Code)(nil),
	(*TicketTypeCode)(nil),
	(*Order)(nil),
	(*OrderItem)(nil),
	(*TicketInstance)(nil),
	(*Transfer)(nil),
	(*Payment)(nil),
	(*UserPaymentMethod)(nil),
	(*Refund)(nil),
	(*RefundItem)(nil),
	(*RefundedTicket)(nil),
	(*DomainEvent)(nil),
	(*DomainAction)(nil),
}

// indexes carries the constraints the engine relies on. Partial unique
// indexes work on both postgres and sqlite.
var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_one_draft_cart_per_user ON orders (user_id) WHERE status = 'Draft' AND order_type = 'Cart'`,
	`CREATE INDEX IF NOT EXISTS ticket_instances_type_status ON ticket_instances (ticket_type_id, status)`,
	`CREATE INDEX IF NOT EXISTS ticket_instances_order_item ON ticket_instances (order_item_id)`,
	`CREATE INDEX IF NOT EXISTS ticket_instances_hold ON ticket_instances (hold_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS holds_event_redemption_code ON holds (event_id, redemption_code) WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS codes_event_redemption_code ON codes (event_id, redemption_code) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS order_items_order ON order_items (order_id)`,
	`CREATE INDEX IF NOT EXISTS payments_order ON payments (order_id)`,
	`CREATE INDEX IF NOT EXISTS domain_events_unpublished ON domain_events (created_at) WHERE published_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS domain_actions_due ON domain_actions (status, scheduled_at)`,
}

// CreateSchema builds every table straight from the models. Production
// databases are managed by the SQL migrations; this is for tests and local runs.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, m := range All {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", m, err)
		}
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
