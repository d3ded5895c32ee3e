package holds

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// ReleaseExecutor returns the unsold inventory of an ended hold tree to the
// general pool. It runs as the ReleaseHoldInventory domain action.
type ReleaseExecutor struct {
	db    *bun.DB
	log   *logger.Logger
	clock utils.Clock
}

func NewReleaseExecutor(db *bun.DB, log *logger.Logger) *ReleaseExecutor {
	return &ReleaseExecutor{db: db, log: log, clock: utils.Now}
}

var _ domain.Executor = (*ReleaseExecutor)(nil)

func (e *ReleaseExecutor) Execute(ctx context.Context, action *models.DomainAction) error {
	raw, _ := action.Payload["hold_id"].(string)
	holdID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid hold_id in payload: %w", err)
	}
	now := e.clock()

	return e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		h, err := LockForReservation(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if !h.Expired(now) {
			// end_at was pushed back after scheduling; a later action covers it.
			e.log.Info("HOLDS", fmt.Sprintf("Hold %s still active, nothing to release", h.ID))
			return nil
		}
		pool, err := PoolIDs(ctx, tx, h)
		if err != nil {
			return err
		}
		n, err := inventory.ReleaseFromHold(ctx, tx, pool, h.ID, 0, nil, now)
		if err != nil {
			return err
		}
		e.log.LogInventory("release_hold", h.ID.String(), fmt.Sprintf("Released %d tickets", n))
		return nil
	})
}
