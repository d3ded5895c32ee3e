// Package tickets serves purchased tickets to their owners and the door:
// listing, QR codes, redemption and transfers.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/tickets/qr"
	"ms-ticket-commerce/internal/utils"
)

const qrSize = 256

type TicketService struct {
	db     *bun.DB
	qr     *qr.Generator
	logger *logger.Logger
	clock  utils.Clock
}

func NewTicketService(db *bun.DB, gen *qr.Generator, log *logger.Logger) *TicketService {
	return &TicketService{db: db, qr: gen, logger: log, clock: utils.Now}
}

func (s *TicketService) WithClock(clock utils.Clock) *TicketService {
	s.clock = clock
	return s
}

// Owned lists the caller's purchased and redeemed tickets.
func (s *TicketService) Owned(ctx context.Context, userID uuid.UUID) ([]models.TicketInstance, error) {
	return inventory.OwnedBy(ctx, s.db, userID)
}

func (s *TicketService) Ticket(ctx context.Context, id uuid.UUID) (*models.TicketInstance, error) {
	return inventory.Get(ctx, s.db, id)
}

// owned loads a ticket only if userID holds it.
func (s *TicketService) owned(ctx context.Context, id, userID uuid.UUID) (*models.TicketInstance, error) {
	ti, err := inventory.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if ti.OwnerUserID == nil || *ti.OwnerUserID != userID {
		return nil, apperr.NotFound("Ticket not found")
	}
	return ti, nil
}

// QRCode renders the sealed redeem data of a purchased ticket.
func (s *TicketService) QRCode(ctx context.Context, id, userID uuid.UUID) ([]byte, error) {
	ti, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if ti.Status != models.TicketInstanceStatusPurchased || ti.RedeemKey == nil {
		return nil, apperr.Business("ticket_not_redeemable", "Only purchased tickets have a code")
	}
	return s.qr.PNG(qr.Payload{TicketID: ti.ID, RedeemKey: *ti.RedeemKey, IssuedAt: s.clock().Unix()}, qrSize)
}

// Redeem checks a ticket in with its key.
func (s *TicketService) Redeem(ctx context.Context, id uuid.UUID, key string, by uuid.UUID) (models.RedeemResult, error) {
	var result models.RedeemResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, err = inventory.Redeem(ctx, tx, id, key, by, s.clock())
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.LogInventory("redeem", id.String(), string(result))
	return result, nil
}

// Checkin redeems the ticket a scanned QR code names.
func (s *TicketService) Checkin(ctx context.Context, code string, by uuid.UUID) (uuid.UUID, models.RedeemResult, error) {
	p, err := s.qr.Open(code)
	if errors.Is(err, qr.ErrInvalidCode) {
		s.logger.LogSecurity("invalid_qr", fmt.Sprintf("scanned by %s", by))
		return uuid.Nil, models.RedeemResultInvalid, nil
	}
	if err != nil {
		return uuid.Nil, "", err
	}
	result, err := s.Redeem(ctx, p.TicketID, p.RedeemKey, by)
	return p.TicketID, result, err
}

func (s *TicketService) StartTransfer(ctx context.Context, id, userID uuid.UUID) (*models.Transfer, error) {
	return s.transfer(ctx, "transfer_started", func(ctx context.Context, tx bun.Tx, now time.Time) (*models.Transfer, error) {
		return inventory.CreateTransfer(ctx, tx, id, userID, now)
	})
}

func (s *TicketService) AcceptTransfer(ctx context.Context, key, userID uuid.UUID) (*models.Transfer, error) {
	return s.transfer(ctx, "transfer_completed", func(ctx context.Context, tx bun.Tx, now time.Time) (*models.Transfer, error) {
		return inventory.CompleteTransfer(ctx, tx, key, userID, now)
	})
}

func (s *TicketService) CancelTransfer(ctx context.Context, key, userID uuid.UUID) (*models.Transfer, error) {
	return s.transfer(ctx, "transfer_cancelled", func(ctx context.Context, tx bun.Tx, now time.Time) (*models.Transfer, error) {
		return inventory.CancelTransfer(ctx, tx, key, userID, now)
	})
}

func (s *TicketService) transfer(ctx context.Context, action string, fn func(ctx context.Context, tx bun.Tx, now time.Time) (*models.Transfer, error)) (*models.Transfer, error) {
	var tr *models.Transfer
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		tr, err = fn(ctx, tx, s.clock())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.LogInventory(action, tr.TicketInstanceID.String(), fmt.Sprintf("transfer %s", tr.ID))
	return tr, nil
}

// Counts tallies a ticket type's instances by status.
func (s *TicketService) Counts(ctx context.Context, ticketTypeID uuid.UUID) (map[models.TicketInstanceStatus]int64, error) {
	return inventory.StatusCounts(ctx, s.db, ticketTypeID, s.clock())
}
