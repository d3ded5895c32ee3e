package holds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/pricing"
)

const codeField = "redemption_code"

// Lookup resolves a redemption code within an event to a hold or a code.
// Unknown or lapsed codes are validation failures on redemption_code.
func Lookup(ctx context.Context, db bun.IDB, eventID uuid.UUID, code string, now time.Time) (*pricing.Redemption, error) {
	code = normalize(code)

	var h models.Hold
	err := db.NewSelect().Model(&h).
		Where("event_id = ?", eventID).
		Where("redemption_code = ?", code).
		Where("deleted_at IS NULL").
		Limit(1).
		Scan(ctx)
	switch {
	case err == nil:
		if h.Expired(now) {
			return nil, apperr.ValidationError(codeField, "hold_expired", "Hold has expired")
		}
		return &pricing.Redemption{Hold: &h}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to look up hold: %w", err)
	}

	var c models.Code
	err = db.NewSelect().Model(&c).
		Where("event_id = ?", eventID).
		Where("redemption_code = ?", code).
		Where("deleted_at IS NULL").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ValidationError(codeField, "redemption_code_not_found", "Redemption code not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up code: %w", err)
	}
	if !c.ActiveAt(now) {
		return nil, apperr.ValidationError(codeField, "code_expired", "Code is not active")
	}
	return &pricing.Redemption{Code: &c}, nil
}

// Applies reports whether the redemption may be used for the ticket type.
func Applies(ctx context.Context, db bun.IDB, r *pricing.Redemption, ticketTypeID uuid.UUID) (bool, error) {
	switch {
	case r == nil:
		return false, nil
	case r.Hold != nil:
		return r.Hold.TicketTypeID == ticketTypeID, nil
	case r.Code != nil:
		return db.NewSelect().Model((*models.TicketTypeCode)(nil)).
			Where("code_id = ?", r.Code.ID).
			Where("ticket_type_id = ?", ticketTypeID).
			Exists(ctx)
	}
	return false, nil
}

// Revalidate reports why a previously accepted redemption can no longer be used at now.
func Revalidate(ctx context.Context, db bun.IDB, holdID, codeID *uuid.UUID, now time.Time) (models.CartItemStatus, error) {
	if holdID != nil {
		h, err := Get(ctx, db, *holdID)
		if err != nil {
			return "", err
		}
		if h.Expired(now) {
			return models.CartItemStatusHoldExpired, nil
		}
	}
	if codeID != nil {
		c, err := GetCode(ctx, db, *codeID)
		if err != nil {
			return "", err
		}
		if !c.ActiveAt(now) {
			return models.CartItemStatusCodeExpired, nil
		}
	}
	return models.CartItemStatusValid, nil
}
