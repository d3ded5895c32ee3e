package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

func hasPendingTransfer(ctx context.Context, db bun.IDB, instanceID uuid.UUID) (bool, error) {
	return db.NewSelect().Model((*models.Transfer)(nil)).
		Where("ticket_instance_id = ?", instanceID).
		Where("status = ?", models.TransferStatusPending).
		Exists(ctx)
}

// WasTransferred reports whether the ticket ever changed hands.
func WasTransferred(ctx context.Context, db bun.IDB, instanceID uuid.UUID) (bool, error) {
	return db.NewSelect().Model((*models.Transfer)(nil)).
		Where("ticket_instance_id = ?", instanceID).
		Where("status = ?", models.TransferStatusCompleted).
		Exists(ctx)
}

// CreateTransfer opens a transfer the owner can hand to someone else by key.
// Redemption is blocked while it is pending.
func CreateTransfer(ctx context.Context, db bun.IDB, instanceID, sourceUserID uuid.UUID, now time.Time) (*models.Transfer, error) {
	var ti models.TicketInstance
	q := db.NewSelect().Model(&ti).Where("id = ?", instanceID)
	if err := database.ForUpdate(db, q).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Ticket not found")
		}
		return nil, fmt.Errorf("failed to load ticket instance: %w", err)
	}
	if ti.Status != models.TicketInstanceStatusPurchased || ti.OwnerUserID == nil || *ti.OwnerUserID != sourceUserID {
		return nil, apperr.Business("ticket_not_transferable", "Only the owner of a purchased ticket can transfer it")
	}
	pending, err := hasPendingTransfer(ctx, db, ti.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, apperr.Business("transfer_in_progress", "Ticket already has a pending transfer")
	}

	tr := &models.Transfer{
		ID:               uuid.New(),
		TicketInstanceID: ti.ID,
		SourceUserID:     sourceUserID,
		TransferKey:      uuid.New(),
		Status:           models.TransferStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := db.NewInsert().Model(tr).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}
	ev := domain.NewEvent(models.DomainEventTransferTicketStarted, "Transfer started",
		models.TableTransfers, tr.ID, &sourceUserID, map[string]interface{}{"ticket_instance_id": ti.ID})
	return tr, domain.Record(ctx, db, ev)
}

func pendingTransferByKey(ctx context.Context, db bun.IDB, key uuid.UUID) (*models.Transfer, error) {
	var tr models.Transfer
	q := db.NewSelect().Model(&tr).
		Where("transfer_key = ?", key).
		Where("status = ?", models.TransferStatusPending)
	if err := database.ForUpdate(db, q).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Transfer not found")
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	return &tr, nil
}

// CompleteTransfer moves the ticket to the receiver and rotates its redeem key
// so the sender's copy stops working.
func CompleteTransfer(ctx context.Context, db bun.IDB, key, destinationUserID uuid.UUID, now time.Time) (*models.Transfer, error) {
	tr, err := pendingTransferByKey(ctx, db, key)
	if err != nil {
		return nil, err
	}
	if tr.SourceUserID == destinationUserID {
		return nil, apperr.Business("transfer_to_self", "Cannot transfer a ticket to yourself")
	}

	_, err = db.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("owner_user_id = ?", destinationUserID).
		Set("redeem_key = ?", utils.GenerateRedeemKey(redeemKeyLength)).
		Set("updated_at = ?", now).
		Where("id = ?", tr.TicketInstanceID).
		Where("status = ?", models.TicketInstanceStatusPurchased).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to move ticket: %w", err)
	}

	tr.Status = models.TransferStatusCompleted
	tr.DestinationUserID = &destinationUserID
	tr.UpdatedAt = now
	if _, err := db.NewUpdate().Model(tr).Column("status", "destination_user_id", "updated_at").WherePK().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to complete transfer: %w", err)
	}
	ev := domain.NewEvent(models.DomainEventTransferTicketCompleted, "Transfer completed",
		models.TableTransfers, tr.ID, &destinationUserID, map[string]interface{}{"ticket_instance_id": tr.TicketInstanceID})
	return tr, domain.Record(ctx, db, ev)
}

// CancelTransfer withdraws a pending transfer; only the sender may do it.
func CancelTransfer(ctx context.Context, db bun.IDB, key, userID uuid.UUID, now time.Time) (*models.Transfer, error) {
	tr, err := pendingTransferByKey(ctx, db, key)
	if err != nil {
		return nil, err
	}
	if tr.SourceUserID != userID {
		return nil, apperr.Business("not_transfer_owner", "Only the sender can cancel a transfer")
	}
	tr.Status = models.TransferStatusCancelled
	tr.UpdatedAt = now
	if _, err := db.NewUpdate().Model(tr).Column("status", "updated_at").WherePK().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to cancel transfer: %w", err)
	}
	ev := domain.NewEvent(models.DomainEventTransferTicketCancelled, "Transfer cancelled",
		models.TableTransfers, tr.ID, &userID, nil)
	return tr, domain.Record(ctx, db, ev)
}
