package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/models"
)

// AssignToHold moves quantity unheld Available instances into a hold.
func AssignToHold(ctx context.Context, db bun.IDB, tt *models.TicketType, holdID uuid.UUID, quantity int64, userID *uuid.UUID, now time.Time) error {
	if quantity <= 0 {
		return nil
	}
	var free []models.TicketInstance
	q := db.NewSelect().Model(&free).Column("id").
		Where("ticket_type_id = ?", tt.ID).
		Where("status = ?", models.TicketInstanceStatusAvailable).
		Where("hold_id IS NULL").
		OrderExpr("token_id ASC").
		Limit(int(quantity))
	if err := database.SkipLocked(db, q).Scan(ctx); err != nil {
		return fmt.Errorf("failed to select instances for hold: %w", err)
	}
	if int64(len(free)) < quantity {
		return apperr.InsufficientInventory(tt.ID, tt.Name, quantity, int64(len(free)))
	}

	ids := make([]uuid.UUID, 0, len(free))
	for _, ti := range free {
		ids = append(ids, ti.ID)
	}
	_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("hold_id = ?", holdID).
		Set("updated_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to assign instances to hold: %w", err)
	}
	return domain.Record(ctx, db, domain.NewEvent(models.DomainEventTicketInstanceAddedToHold,
		fmt.Sprintf("%d tickets added to hold", len(ids)), models.TableHolds, holdID, userID,
		map[string]interface{}{"quantity": len(ids), "ticket_instance_ids": ids}))
}

// ReleaseFromHold hands up to quantity Available instances held anywhere in
// pool back to the general pool, or all of them when quantity <= 0. The event
// is recorded against holdID.
func ReleaseFromHold(ctx context.Context, db bun.IDB, pool []uuid.UUID, holdID uuid.UUID, quantity int64, userID *uuid.UUID, now time.Time) (int64, error) {
	if len(pool) == 0 {
		return 0, nil
	}
	var held []models.TicketInstance
	q := db.NewSelect().Model(&held).Column("id").
		Where("hold_id IN (?)", bun.In(pool)).
		Where("status = ?", models.TicketInstanceStatusAvailable).
		OrderExpr("token_id DESC")
	if quantity > 0 {
		q = q.Limit(int(quantity))
	}
	if err := database.SkipLocked(db, q).Scan(ctx); err != nil {
		return 0, fmt.Errorf("failed to select held instances: %w", err)
	}
	if len(held) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, 0, len(held))
	for _, ti := range held {
		ids = append(ids, ti.ID)
	}
	_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("hold_id = NULL").
		Set("updated_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to release held instances: %w", err)
	}
	err = domain.Record(ctx, db, domain.NewEvent(models.DomainEventTicketInstanceReleasedFromHold,
		fmt.Sprintf("%d tickets released from hold", len(ids)), models.TableHolds, holdID, userID,
		map[string]interface{}{"quantity": len(ids), "ticket_instance_ids": ids}))
	return int64(len(ids)), err
}

// AllocatedCount counts live instances tagged with any hold in pool.
func AllocatedCount(ctx context.Context, db bun.IDB, pool []uuid.UUID) (int64, error) {
	if len(pool) == 0 {
		return 0, nil
	}
	n, err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("hold_id IN (?)", bun.In(pool)).
		Where("status <> ?", models.TicketInstanceStatusNullified).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count held instances: %w", err)
	}
	return int64(n), nil
}

// ConsumedCounts counts, per hold, instances taken through it: live
// reservations plus sold tickets.
func ConsumedCounts(ctx context.Context, db bun.IDB, holdIDs []uuid.UUID, now time.Time) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(holdIDs))
	if len(holdIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		HoldID uuid.UUID `bun:"hold_id"`
		Count  int64     `bun:"count"`
	}
	err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Column("hold_id").
		ColumnExpr("COUNT(*) AS count").
		Where("hold_id IN (?)", bun.In(holdIDs)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("status IN (?)", bun.In([]models.TicketInstanceStatus{
				models.TicketInstanceStatusPurchased,
				models.TicketInstanceStatusRedeemed,
			})).WhereOr("status = ? AND reserved_until >= ?", models.TicketInstanceStatusReserved, now)
		}).
		Group("hold_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count hold usage: %w", err)
	}
	for _, r := range rows {
		counts[r.HoldID] = r.Count
	}
	return counts, nil
}
