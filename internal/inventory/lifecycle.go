package inventory

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

const redeemKeyLength = 9

// CreateInstances mints quantity Available instances for an asset, numbering
// tokens from startToken.
func CreateInstances(ctx context.Context, db bun.IDB, asset *models.Asset, quantity, startToken int64, now time.Time) error {
	if quantity <= 0 {
		return nil
	}
	batch := make([]models.TicketInstance, 0, quantity)
	for i := int64(0); i < quantity; i++ {
		batch = append(batch, models.TicketInstance{
			ID:           uuid.New(),
			AssetID:      asset.ID,
			TicketTypeID: asset.TicketTypeID,
			TokenID:      startToken + i,
			Status:       models.TicketInstanceStatusAvailable,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if _, err := db.NewInsert().Model(&batch).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create ticket instances: %w", err)
	}
	return nil
}

// MaxTokenID returns the highest token minted for an asset, or 0.
func MaxTokenID(ctx context.Context, db bun.IDB, assetID uuid.UUID) (int64, error) {
	var max sql.NullInt64
	err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		ColumnExpr("MAX(token_id)").
		Where("asset_id = ?", assetID).
		Scan(ctx, &max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max token: %w", err)
	}
	return max.Int64, nil
}

func Get(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.TicketInstance, error) {
	var ti models.TicketInstance
	if err := db.NewSelect().Model(&ti).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Ticket not found")
		}
		return nil, fmt.Errorf("failed to load ticket instance: %w", err)
	}
	return &ti, nil
}

// ForItems lists the instances linked to order items in token order.
func ForItems(ctx context.Context, db bun.IDB, orderItemIDs []uuid.UUID) ([]models.TicketInstance, error) {
	var out []models.TicketInstance
	if len(orderItemIDs) == 0 {
		return out, nil
	}
	err := db.NewSelect().Model(&out).
		Where("order_item_id IN (?)", bun.In(orderItemIDs)).
		OrderExpr("token_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket instances: %w", err)
	}
	return out, nil
}

// OwnedBy lists the tickets a user holds, purchased or redeemed.
func OwnedBy(ctx context.Context, db bun.IDB, userID uuid.UUID) ([]models.TicketInstance, error) {
	var out []models.TicketInstance
	err := db.NewSelect().Model(&out).
		Where("owner_user_id = ?", userID).
		Where("status IN (?)", bun.In([]models.TicketInstanceStatus{
			models.TicketInstanceStatusPurchased,
			models.TicketInstanceStatusRedeemed,
		})).
		OrderExpr("created_at ASC, token_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owned tickets: %w", err)
	}
	return out, nil
}

// MarkPurchased turns every reservation linked to the items into an owned
// ticket with a fresh redeem key.
func MarkPurchased(ctx context.Context, db bun.IDB, orderItemIDs []uuid.UUID, orderID, owner uuid.UUID, now time.Time) (int, error) {
	var reserved []models.TicketInstance
	q := db.NewSelect().Model(&reserved).
		Where("order_item_id IN (?)", bun.In(orderItemIDs)).
		Where("status = ?", models.TicketInstanceStatusReserved)
	if err := database.ForUpdate(db, q).Scan(ctx); err != nil {
		return 0, fmt.Errorf("failed to load reservations: %w", err)
	}

	events := make([]*models.DomainEvent, 0, len(reserved))
	for _, ti := range reserved {
		key := utils.GenerateRedeemKey(redeemKeyLength)
		_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
			Set("status = ?", models.TicketInstanceStatusPurchased).
			Set("owner_user_id = ?", owner).
			Set("redeem_key = ?", key).
			Set("reserved_until = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", ti.ID).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to mark ticket purchased: %w", err)
		}
		events = append(events, domain.NewEvent(models.DomainEventTicketInstancePurchased, "Ticket purchased",
			models.TableTicketInstances, ti.ID, &owner, map[string]interface{}{
				"order_id":      orderID,
				"order_item_id": ti.OrderItemID,
				"redeem_key":    key,
			}))
	}
	if err := domain.Record(ctx, db, events...); err != nil {
		return 0, err
	}
	return len(reserved), nil
}

// Nullify retires instances for good, one event each.
func Nullify(ctx context.Context, db bun.IDB, ids []uuid.UUID, userID *uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return nullify(ctx, db, ids, userID, now)
}

func nullify(ctx context.Context, db bun.IDB, ids []uuid.UUID, userID *uuid.UUID, now time.Time) error {
	_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("status = ?", models.TicketInstanceStatusNullified).
		Set("updated_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to nullify ticket instances: %w", err)
	}
	events := make([]*models.DomainEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, domain.NewEvent(models.DomainEventTicketInstanceNullified, "Ticket nullified",
			models.TableTicketInstances, id, userID, nil))
	}
	return domain.Record(ctx, db, events...)
}

// NullifyFree retires every instance of a ticket type nobody holds a live
// claim on. Valid reservations survive until their cart lets go of them.
func NullifyFree(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, userID *uuid.UUID, now time.Time) (int, error) {
	var free []models.TicketInstance
	q := freeAt(db.NewSelect().Model(&free).Column("id").Where("ticket_type_id = ?", ticketTypeID), now)
	if err := database.SkipLocked(db, q).Scan(ctx); err != nil {
		return 0, fmt.Errorf("failed to select free instances: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(free))
	for _, ti := range free {
		ids = append(ids, ti.ID)
	}
	return len(ids), Nullify(ctx, db, ids, userID, now)
}

// Redeem checks a ticket in at the door. Keys are compared case-insensitively
// in constant time.
func Redeem(ctx context.Context, db bun.IDB, instanceID uuid.UUID, key string, userID uuid.UUID, now time.Time) (models.RedeemResult, error) {
	var ti models.TicketInstance
	q := db.NewSelect().Model(&ti).Where("id = ?", instanceID)
	if err := database.ForUpdate(db, q).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RedeemResultInvalid, nil
		}
		return "", fmt.Errorf("failed to load ticket instance: %w", err)
	}

	pending, err := hasPendingTransfer(ctx, db, ti.ID)
	if err != nil {
		return "", err
	}
	if pending {
		return models.RedeemResultTransferInProgress, nil
	}

	if ti.Status == models.TicketInstanceStatusPurchased && keyMatches(ti.RedeemKey, key) {
		_, err := db.NewUpdate().Model((*models.TicketInstance)(nil)).
			Set("status = ?", models.TicketInstanceStatusRedeemed).
			Set("redeemed_at = ?", now).
			Set("redeemed_by_user_id = ?", userID).
			Set("updated_at = ?", now).
			Where("id = ?", ti.ID).
			Exec(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to redeem ticket: %w", err)
		}
		ev := domain.NewEvent(models.DomainEventTicketInstanceRedeemed, "Ticket redeemed",
			models.TableTicketInstances, ti.ID, &userID, nil)
		if err := domain.Record(ctx, db, ev); err != nil {
			return "", err
		}
		return models.RedeemResultSuccess, nil
	}
	if ti.Status == models.TicketInstanceStatusRedeemed {
		return models.RedeemResultAlreadyRedeemed, nil
	}
	return models.RedeemResultInvalid, nil
}

func keyMatches(stored *string, given string) bool {
	if stored == nil || given == "" {
		return false
	}
	a := []byte(strings.ToUpper(*stored))
	b := []byte(strings.ToUpper(strings.TrimSpace(given)))
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ReturnToPool puts refunded tickets back on sale, or nullifies them when the
// ticket type has since been cancelled. Hold membership is kept.
func ReturnToPool(ctx context.Context, db bun.IDB, ids []uuid.UUID, userID *uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	var instances []models.TicketInstance
	q := db.NewSelect().Model(&instances).Where("id IN (?)", bun.In(ids))
	if err := database.ForUpdate(db, q).Scan(ctx); err != nil {
		return fmt.Errorf("failed to load refunded tickets: %w", err)
	}

	byType := map[uuid.UUID][]uuid.UUID{}
	for _, ti := range instances {
		if ti.Status != models.TicketInstanceStatusPurchased {
			return apperr.Business("ticket_not_refundable", fmt.Sprintf("Ticket %s is %s", utils.TicketNumber(ti.ID), ti.Status))
		}
		byType[ti.TicketTypeID] = append(byType[ti.TicketTypeID], ti.ID)
	}

	for ttID, group := range byType {
		cancelled, err := ticketTypeCancelled(ctx, db, ttID)
		if err != nil {
			return err
		}
		status := models.TicketInstanceStatusAvailable
		if cancelled {
			status = models.TicketInstanceStatusNullified
		}
		_, err = db.NewUpdate().Model((*models.TicketInstance)(nil)).
			Set("status = ?", status).
			Set("owner_user_id = NULL").
			Set("order_item_id = NULL").
			Set("redeem_key = NULL").
			Set("reserved_until = NULL").
			Set("updated_at = ?", now).
			Where("id IN (?)", bun.In(group)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to return tickets to pool: %w", err)
		}
		if cancelled {
			events := make([]*models.DomainEvent, 0, len(group))
			for _, id := range group {
				events = append(events, domain.NewEvent(models.DomainEventTicketInstanceNullified, "Ticket nullified",
					models.TableTicketInstances, id, userID, nil))
			}
			if err := domain.Record(ctx, db, events...); err != nil {
				return err
			}
		}
	}
	return nil
}

// StatusCounts tallies a ticket type's instances by status. Lapsed
// reservations are reported as Available since any cart may take them.
func StatusCounts(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, now time.Time) (map[models.TicketInstanceStatus]int64, error) {
	var rows []struct {
		Bucket models.TicketInstanceStatus `bun:"bucket"`
		Count  int64                       `bun:"count"`
	}
	err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		ColumnExpr("CASE WHEN status = ? AND reserved_until < ? THEN ? ELSE status END AS bucket",
			models.TicketInstanceStatusReserved, now, models.TicketInstanceStatusAvailable).
		ColumnExpr("COUNT(*) AS count").
		Where("ticket_type_id = ?", ticketTypeID).
		GroupExpr("bucket").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count ticket instances: %w", err)
	}
	counts := make(map[models.TicketInstanceStatus]int64, len(models.AllTicketInstanceStatuses))
	for _, s := range models.AllTicketInstanceStatuses {
		counts[s] = 0
	}
	for _, r := range rows {
		counts[r.Bucket] += r.Count
	}
	return counts, nil
}

// AvailableCount is how many instances a reservation against pool could take
// at now. An empty pool means the unheld general pool.
func AvailableCount(ctx context.Context, db bun.IDB, ticketTypeID uuid.UUID, pool []uuid.UUID, now time.Time) (int64, error) {
	q := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("ticket_type_id = ?", ticketTypeID)
	n, err := poolFilter(freeAt(q, now), pool).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count available instances: %w", err)
	}
	return int64(n), nil
}
