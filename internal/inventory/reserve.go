// Package inventory moves ticket instances through their lifecycle:
// Available, Reserved, Purchased, Redeemed, with Nullified as the dead end.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/metrics"
	"ms-ticket-commerce/internal/models"
)

// ReserveRequest claims instances of one ticket type for a cart line.
type ReserveRequest struct {
	TicketTypeID   uuid.UUID
	TicketTypeName string
	OrderItemID    uuid.UUID
	Quantity       int64
	// HoldPool limits selection to instances held by these holds. Empty
	// means the general pool of unheld instances.
	HoldPool []uuid.UUID
	// HoldID is stamped on every reserved instance when set.
	HoldID        *uuid.UUID
	ReservedUntil time.Time
	Now           time.Time
}

// freeAt restricts q to instances a new reservation may take: Available, or
// Reserved with a lapsed reserved_until. The lapsed rows are reclaimed here,
// under the same row lock, instead of by a sweeper.
func freeAt(q *bun.SelectQuery, now time.Time) *bun.SelectQuery {
	return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("status = ?", models.TicketInstanceStatusAvailable).
			WhereOr("status = ? AND reserved_until < ?", models.TicketInstanceStatusReserved, now)
	})
}

func poolFilter(q *bun.SelectQuery, pool []uuid.UUID) *bun.SelectQuery {
	if len(pool) == 0 {
		return q.Where("hold_id IS NULL")
	}
	return q.Where("hold_id IN (?)", bun.In(pool))
}

// Reserve locks and claims exactly Quantity instances or fails with an
// insufficient inventory error naming the ticket type. Concurrent callers skip
// each other's locked rows, so no instance is handed out twice.
func Reserve(ctx context.Context, db bun.IDB, req ReserveRequest) ([]models.TicketInstance, error) {
	if req.Quantity <= 0 {
		return nil, nil
	}

	registered := db.NewSelect().Model((*models.Asset)(nil)).
		Column("id").
		Where("ticket_type_id = ?", req.TicketTypeID).
		Where("blockchain_asset_id IS NOT NULL")

	var candidates []models.TicketInstance
	q := db.NewSelect().Model(&candidates).
		Where("ticket_type_id = ?", req.TicketTypeID).
		Where("asset_id IN (?)", registered).
		OrderExpr("token_id ASC").
		Limit(int(req.Quantity))
	q = poolFilter(freeAt(q, req.Now), req.HoldPool)
	if err := database.SkipLocked(db, q).Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to select ticket instances: %w", err)
	}

	if int64(len(candidates)) < req.Quantity {
		metrics.ReservationFailed()
		return nil, apperr.InsufficientInventory(req.TicketTypeID, req.TicketTypeName, req.Quantity, int64(len(candidates)))
	}

	ids := make([]uuid.UUID, 0, len(candidates))
	for i := range candidates {
		ids = append(ids, candidates[i].ID)
		candidates[i].Status = models.TicketInstanceStatusReserved
		candidates[i].ReservedUntil = &req.ReservedUntil
		candidates[i].OrderItemID = &req.OrderItemID
		if req.HoldID != nil {
			candidates[i].HoldID = req.HoldID
		}
	}

	upd := db.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("status = ?", models.TicketInstanceStatusReserved).
		Set("reserved_until = ?", req.ReservedUntil).
		Set("order_item_id = ?", req.OrderItemID).
		Set("updated_at = ?", req.Now).
		Where("id IN (?)", bun.In(ids))
	if req.HoldID != nil {
		upd = upd.Set("hold_id = ?", *req.HoldID)
	}
	if _, err := upd.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to reserve ticket instances: %w", err)
	}

	metrics.TicketsReserved(req.TicketTypeID.String(), len(ids))
	return candidates, nil
}

// Release gives back up to quantity instances linked to an order item, or all
// of them when quantity <= 0. Whether they return to Available or are
// nullified depends on the ticket type's status right now.
func Release(ctx context.Context, db bun.IDB, orderItemID uuid.UUID, quantity int64, userID *uuid.UUID, now time.Time) (int64, error) {
	var linked []models.TicketInstance
	q := db.NewSelect().Model(&linked).
		Where("order_item_id = ?", orderItemID).
		Where("status IN (?)", bun.In([]models.TicketInstanceStatus{
			models.TicketInstanceStatusReserved,
			models.TicketInstanceStatusNullified,
		})).
		// Already-dead rows go first, then the highest tokens.
		OrderExpr("CASE WHEN status = ? THEN 0 ELSE 1 END ASC", models.TicketInstanceStatusNullified).
		OrderExpr("token_id DESC")
	if quantity > 0 {
		q = q.Limit(int(quantity))
	}
	if err := database.ForUpdate(db, q).Scan(ctx); err != nil {
		return 0, fmt.Errorf("failed to select reserved instances: %w", err)
	}
	if len(linked) == 0 {
		return 0, nil
	}

	var dead, live []uuid.UUID
	for _, ti := range linked {
		if ti.Status == models.TicketInstanceStatusNullified {
			dead = append(dead, ti.ID)
		} else {
			live = append(live, ti.ID)
		}
	}

	if len(dead) > 0 {
		_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
			Set("order_item_id = NULL").
			Set("updated_at = ?", now).
			Where("id IN (?)", bun.In(dead)).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to unlink nullified instances: %w", err)
		}
	}

	if len(live) > 0 {
		cancelled, err := ticketTypeCancelled(ctx, db, linked[0].TicketTypeID)
		if err != nil {
			return 0, err
		}
		if cancelled {
			if err := nullify(ctx, db, live, userID, now); err != nil {
				return 0, err
			}
			metrics.TicketsReleased(string(models.TicketInstanceStatusNullified), len(live))
		} else {
			_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
				Set("status = ?", models.TicketInstanceStatusAvailable).
				Set("order_item_id = NULL").
				Set("reserved_until = NULL").
				Set("updated_at = ?", now).
				Where("id IN (?)", bun.In(live)).
				Exec(ctx)
			if err != nil {
				return 0, fmt.Errorf("failed to release instances: %w", err)
			}
			metrics.TicketsReleased(string(models.TicketInstanceStatusAvailable), len(live))
		}
	}
	return int64(len(linked)), nil
}

// Refresh extends every reservation still linked to the items, including
// lapsed ones nobody has taken yet.
func Refresh(ctx context.Context, db bun.IDB, orderItemIDs []uuid.UUID, until, now time.Time) error {
	if len(orderItemIDs) == 0 {
		return nil
	}
	_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("reserved_until = ?", until).
		Set("updated_at = ?", now).
		Where("order_item_id IN (?)", bun.In(orderItemIDs)).
		Where("status = ?", models.TicketInstanceStatusReserved).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh reservations: %w", err)
	}
	return nil
}

// LinkedCounts counts Reserved instances per order item, lapsed or not.
func LinkedCounts(ctx context.Context, db bun.IDB, orderItemIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	return countByItem(ctx, db, orderItemIDs, nil)
}

// ValidCounts counts Reserved instances per order item whose claim has not lapsed at now.
func ValidCounts(ctx context.Context, db bun.IDB, orderItemIDs []uuid.UUID, now time.Time) (map[uuid.UUID]int64, error) {
	return countByItem(ctx, db, orderItemIDs, &now)
}

func countByItem(ctx context.Context, db bun.IDB, orderItemIDs []uuid.UUID, validAt *time.Time) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(orderItemIDs))
	if len(orderItemIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		OrderItemID uuid.UUID `bun:"order_item_id"`
		Count       int64     `bun:"count"`
	}
	q := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Column("order_item_id").
		ColumnExpr("COUNT(*) AS count").
		Where("order_item_id IN (?)", bun.In(orderItemIDs)).
		Where("status = ?", models.TicketInstanceStatusReserved).
		Group("order_item_id")
	if validAt != nil {
		q = q.Where("reserved_until >= ?", *validAt)
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to count reservations: %w", err)
	}
	for _, r := range rows {
		counts[r.OrderItemID] = r.Count
	}
	return counts, nil
}

// NullifiedCounts counts instances linked to each item that were nullified under the cart.
func NullifiedCounts(ctx context.Context, db bun.IDB, orderItemIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(orderItemIDs))
	if len(orderItemIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		OrderItemID uuid.UUID `bun:"order_item_id"`
		Count       int64     `bun:"count"`
	}
	err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Column("order_item_id").
		ColumnExpr("COUNT(*) AS count").
		Where("order_item_id IN (?)", bun.In(orderItemIDs)).
		Where("status = ?", models.TicketInstanceStatusNullified).
		Group("order_item_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count nullified instances: %w", err)
	}
	for _, r := range rows {
		counts[r.OrderItemID] = r.Count
	}
	return counts, nil
}

func ticketTypeCancelled(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID) (bool, error) {
	var tt models.TicketType
	err := db.NewSelect().Model(&tt).Column("id", "status", "cancelled_at").Where("id = ?", ticketTypeID).Scan(ctx)
	if err != nil {
		return false, apperr.Internal("ticket type missing for instance", err)
	}
	return tt.IsCancelled(), nil
}
