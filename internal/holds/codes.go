package holds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/models"
)

type CodeInput struct {
	Name                 string          `json:"name" validate:"required"`
	RedemptionCode       string          `json:"redemption_code" validate:"required,min=3"`
	CodeType             models.CodeType `json:"code_type" validate:"oneof=Discount Access"`
	MaxUses              int64           `json:"max_uses" validate:"gte=0"`
	DiscountInCents      *int64          `json:"discount_in_cents" validate:"omitempty,gte=0"`
	DiscountAsPercentage *int64          `json:"discount_as_percentage" validate:"omitempty,gte=0,lte=100"`
	MaxTicketsPerUser    *int64          `json:"max_tickets_per_user" validate:"omitempty,gte=1"`
	StartDate            time.Time       `json:"start_date" validate:"required"`
	EndDate              time.Time       `json:"end_date" validate:"required"`
	TicketTypeIDs        []uuid.UUID     `json:"ticket_type_ids" validate:"required,min=1"`
}

func (in *CodeInput) validate() *apperr.Validation {
	v := apperr.NewValidation().Struct(in)
	if !in.StartDate.Before(in.EndDate) {
		v.Add("start_date", "start_date_must_be_before_end_date", "Start date must be before end date")
	}
	switch in.CodeType {
	case models.CodeTypeDiscount:
		if in.DiscountInCents == nil && in.DiscountAsPercentage == nil {
			v.Add("discount_in_cents", "required", "Discount required for code type Discount")
		}
		if in.DiscountInCents != nil && in.DiscountAsPercentage != nil {
			v.Add("discount_as_percentage", "only_single_discount_type_allowed", "Use either a fixed or a percentage discount")
		}
	case models.CodeTypeAccess:
		if in.DiscountInCents != nil || in.DiscountAsPercentage != nil {
			v.Add("discount_in_cents", "access_code_has_no_discount", "Access codes cannot carry a discount")
		}
	}
	return v
}

// CreateCode stores an event-level code and links it to its ticket types.
func CreateCode(ctx context.Context, db bun.IDB, eventID uuid.UUID, in CodeInput, userID *uuid.UUID, now time.Time) (*models.Code, error) {
	v := in.validate()
	if err := checkCodeFree(ctx, db, eventID, in.RedemptionCode, v); err != nil {
		return nil, err
	}
	if len(in.TicketTypeIDs) > 0 {
		n, err := db.NewSelect().Model((*models.TicketType)(nil)).
			Where("id IN (?)", bun.In(in.TicketTypeIDs)).
			Where("event_id = ?", eventID).
			Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check code ticket types: %w", err)
		}
		if n != len(in.TicketTypeIDs) {
			v.Add("ticket_type_ids", "ticket_type_not_in_event", "Every ticket type must belong to the event")
		}
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	c := &models.Code{
		ID:                   uuid.New(),
		Name:                 in.Name,
		EventID:              eventID,
		CodeType:             in.CodeType,
		RedemptionCode:       normalize(in.RedemptionCode),
		MaxUses:              in.MaxUses,
		DiscountInCents:      in.DiscountInCents,
		DiscountAsPercentage: in.DiscountAsPercentage,
		MaxTicketsPerUser:    in.MaxTicketsPerUser,
		StartDate:            in.StartDate,
		EndDate:              in.EndDate,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if _, err := db.NewInsert().Model(c).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create code: %w", err)
	}

	links := make([]models.TicketTypeCode, 0, len(in.TicketTypeIDs))
	for _, id := range in.TicketTypeIDs {
		links = append(links, models.TicketTypeCode{ID: uuid.New(), TicketTypeID: id, CodeID: c.ID, CreatedAt: now})
	}
	if _, err := db.NewInsert().Model(&links).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to link code to ticket types: %w", err)
	}

	ev := domain.NewEvent(models.DomainEventCodeCreated, "Code created", models.TableCodes, c.ID, userID,
		map[string]interface{}{"code_type": c.CodeType, "ticket_type_ids": in.TicketTypeIDs})
	return c, domain.Record(ctx, db, ev)
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// checkCodeFree adds redemption_code_taken to v when any live hold or code of
// the event already uses code.
func checkCodeFree(ctx context.Context, db bun.IDB, eventID uuid.UUID, code string, v *apperr.Validation) error {
	code = normalize(code)
	if code == "" {
		return nil
	}
	holdTaken, err := db.NewSelect().Model((*models.Hold)(nil)).
		Where("event_id = ?", eventID).
		Where("redemption_code = ?", code).
		Where("deleted_at IS NULL").
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check redemption code: %w", err)
	}
	codeTaken, err := db.NewSelect().Model((*models.Code)(nil)).
		Where("event_id = ?", eventID).
		Where("redemption_code = ?", code).
		Where("deleted_at IS NULL").
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check redemption code: %w", err)
	}
	if holdTaken || codeTaken {
		v.Add("redemption_code", "redemption_code_taken", "Redemption code is already in use for this event")
	}
	return nil
}

func GetCode(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.Code, error) {
	var c models.Code
	if err := db.NewSelect().Model(&c).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Code not found")
		}
		return nil, fmt.Errorf("failed to load code: %w", err)
	}
	return &c, nil
}

// CodeUses counts paid orders that redeemed the code.
func CodeUses(ctx context.Context, db bun.IDB, codeID uuid.UUID) (int64, error) {
	var n int64
	err := db.NewSelect().
		TableExpr("order_items AS oi").
		Join("JOIN orders AS o ON o.id = oi.order_id").
		ColumnExpr("COUNT(DISTINCT oi.order_id)").
		Where("oi.code_id = ?", codeID).
		Where("o.status = ?", models.OrderStatusPaid).
		Scan(ctx, &n)
	if err != nil {
		return 0, fmt.Errorf("failed to count code uses: %w", err)
	}
	return n, nil
}

// CodeTicketsForUser sums the unrefunded tickets a user bought with the code.
func CodeTicketsForUser(ctx context.Context, db bun.IDB, codeID, userID uuid.UUID) (int64, error) {
	var n sql.NullInt64
	err := db.NewSelect().
		TableExpr("order_items AS oi").
		Join("JOIN orders AS o ON o.id = oi.order_id").
		ColumnExpr("SUM(oi.quantity - oi.refunded_quantity)").
		Where("oi.code_id = ?", codeID).
		Where("oi.item_type = ?", models.OrderItemTypeTickets).
		Where("o.status = ?", models.OrderStatusPaid).
		Where("COALESCE(o.on_behalf_of_user_id, o.user_id) = ?", userID).
		Scan(ctx, &n)
	if err != nil {
		return 0, fmt.Errorf("failed to count code tickets: %w", err)
	}
	return n.Int64, nil
}
