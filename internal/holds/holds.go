// Package holds manages inventory carve-outs behind redemption codes: holds
// (with child holds split off them) and event-level discount or access codes.
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
	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/inventory"
	"ms-ticket-commerce/internal/models"
)

type HoldInput struct {
	Name            string          `json:"name" validate:"required"`
	RedemptionCode  string          `json:"redemption_code" validate:"required,min=3"`
	HoldType        models.HoldType `json:"hold_type" validate:"oneof=Discount Comp"`
	DiscountInCents *int64          `json:"discount_in_cents" validate:"omitempty,gte=0"`
	EndAt           *time.Time      `json:"end_at"`
	MaxPerOrder     *int64          `json:"max_per_order" validate:"omitempty,gte=1"`
	Quantity        int64           `json:"quantity" validate:"gte=0"`
}

func (in *HoldInput) validate() *apperr.Validation {
	v := apperr.NewValidation().Struct(in)
	if in.HoldType == models.HoldTypeDiscount && in.DiscountInCents == nil {
		v.Add("discount_in_cents", "required", "Discount required for hold type Discount")
	}
	return v
}

func (in *HoldInput) toHold(eventID, ticketTypeID uuid.UUID, parent *uuid.UUID, now time.Time) *models.Hold {
	h := &models.Hold{
		ID:              uuid.New(),
		Name:            in.Name,
		EventID:         eventID,
		TicketTypeID:    ticketTypeID,
		ParentHoldID:    parent,
		RedemptionCode:  strings.ToUpper(strings.TrimSpace(in.RedemptionCode)),
		HoldType:        in.HoldType,
		DiscountInCents: in.DiscountInCents,
		EndAt:           in.EndAt,
		MaxPerOrder:     in.MaxPerOrder,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if h.HoldType == models.HoldTypeComp {
		h.DiscountInCents = nil
	}
	if parent != nil {
		h.SplitQuantity = in.Quantity
	}
	return h
}

// Create makes a root hold and moves quantity instances of the ticket type into it.
func Create(ctx context.Context, db bun.IDB, tt *models.TicketType, in HoldInput, userID *uuid.UUID, now time.Time) (*models.Hold, error) {
	v := in.validate()
	if err := checkCodeFree(ctx, db, tt.EventID, in.RedemptionCode, v); err != nil {
		return nil, err
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	h := in.toHold(tt.EventID, tt.ID, nil, now)
	if _, err := db.NewInsert().Model(h).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create hold: %w", err)
	}
	if err := inventory.AssignToHold(ctx, db, tt, h.ID, in.Quantity, userID, now); err != nil {
		return nil, err
	}
	if err := created(ctx, db, h, in.Quantity, userID); err != nil {
		return nil, err
	}
	return h, nil
}

// Split carves a child hold out of parent's available quantity. No instance
// moves until something is reserved through the child's code.
func Split(ctx context.Context, db bun.IDB, parentID uuid.UUID, in HoldInput, userID *uuid.UUID, now time.Time) (*models.Hold, error) {
	parent, err := LockForReservation(ctx, db, parentID)
	if err != nil {
		return nil, err
	}

	v := in.validate()
	if err := checkCodeFree(ctx, db, parent.EventID, in.RedemptionCode, v); err != nil {
		return nil, err
	}
	q, err := Quantities(ctx, db, parent, now)
	if err != nil {
		return nil, err
	}
	if in.Quantity > q.Available {
		v.AddWithParams("quantity", "hold_split_exceeds_available", "Not enough tickets left in the parent hold",
			map[string]interface{}{"available": q.Available})
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	h := in.toHold(parent.EventID, parent.TicketTypeID, &parent.ID, now)
	if _, err := db.NewInsert().Model(h).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create child hold: %w", err)
	}
	if err := created(ctx, db, h, in.Quantity, userID); err != nil {
		return nil, err
	}
	return h, nil
}

func created(ctx context.Context, db bun.IDB, h *models.Hold, quantity int64, userID *uuid.UUID) error {
	ev := domain.NewEvent(models.DomainEventHoldCreated, "Hold created", models.TableHolds, h.ID, userID,
		map[string]interface{}{"quantity": quantity, "parent_hold_id": h.ParentHoldID})
	if err := domain.Record(ctx, db, ev); err != nil {
		return err
	}
	if h.EndAt == nil {
		return nil
	}
	action := domain.NewAction(models.DomainActionReleaseHoldInventory, models.TableHolds, &h.ID,
		map[string]interface{}{"hold_id": h.ID.String()})
	action.ScheduledAt = *h.EndAt
	action.ExpiresAt = h.EndAt.Add(7 * 24 * time.Hour)
	return domain.Enqueue(ctx, db, action)
}

func Get(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.Hold, error) {
	var h models.Hold
	if err := db.NewSelect().Model(&h).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Hold not found")
		}
		return nil, fmt.Errorf("failed to load hold: %w", err)
	}
	return &h, nil
}

// LockForReservation loads a hold with its row locked so concurrent carts
// check its remaining quantity one at a time.
func LockForReservation(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.Hold, error) {
	var h models.Hold
	q := db.NewSelect().Model(&h).Where("id = ?", id)
	if err := database.ForUpdate(db, q).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Hold not found")
		}
		return nil, fmt.Errorf("failed to lock hold: %w", err)
	}
	return &h, nil
}

// Root walks up to the hold that owns the physical instances.
func Root(ctx context.Context, db bun.IDB, h *models.Hold) (*models.Hold, error) {
	cur := h
	for cur.ParentHoldID != nil {
		parent, err := Get(ctx, db, *cur.ParentHoldID)
		if err != nil {
			return nil, apperr.Internal("hold parent missing", err)
		}
		cur = parent
	}
	return cur, nil
}

// subtree returns id and every hold below it, id first.
func subtree(ctx context.Context, db bun.IDB, h *models.Hold) ([]models.Hold, error) {
	var all []models.Hold
	err := db.NewSelect().Model(&all).
		Where("ticket_type_id = ?", h.TicketTypeID).
		Where("parent_hold_id IS NOT NULL").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load child holds: %w", err)
	}
	children := map[uuid.UUID][]models.Hold{}
	for _, c := range all {
		children[*c.ParentHoldID] = append(children[*c.ParentHoldID], c)
	}
	out := []models.Hold{*h}
	for i := 0; i < len(out); i++ {
		out = append(out, children[out[i].ID]...)
	}
	return out, nil
}

// PoolIDs lists every hold sharing h's physical inventory: its root and all
// descendants of that root.
func PoolIDs(ctx context.Context, db bun.IDB, h *models.Hold) ([]uuid.UUID, error) {
	root, err := Root(ctx, db, h)
	if err != nil {
		return nil, err
	}
	tree, err := subtree(ctx, db, root)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(tree))
	for _, t := range tree {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// Quantity is a hold's computed size. Total excludes what child holds were
// split off with; Available further excludes live reservations and sales
// made through this hold's own code.
type Quantity struct {
	Total     int64 `json:"quantity"`
	Available int64 `json:"available"`
}

func Quantities(ctx context.Context, db bun.IDB, h *models.Hold, now time.Time) (Quantity, error) {
	tree, err := subtree(ctx, db, h)
	if err != nil {
		return Quantity{}, err
	}

	var allocated int64
	if h.IsRoot() {
		ids := make([]uuid.UUID, 0, len(tree))
		for _, t := range tree {
			ids = append(ids, t.ID)
		}
		if allocated, err = inventory.AllocatedCount(ctx, db, ids); err != nil {
			return Quantity{}, err
		}
	} else {
		allocated = h.SplitQuantity
	}

	var children int64
	for _, t := range tree[1:] {
		if t.ParentHoldID != nil && *t.ParentHoldID == h.ID && t.DeletedAt == nil {
			children += t.SplitQuantity
		}
	}

	consumed, err := inventory.ConsumedCounts(ctx, db, []uuid.UUID{h.ID}, now)
	if err != nil {
		return Quantity{}, err
	}

	q := Quantity{Total: allocated - children}
	q.Available = q.Total - consumed[h.ID]
	if q.Available < 0 {
		q.Available = 0
	}
	return q, nil
}

// SetQuantity resizes a hold. Roots gain or lose physical instances; child
// holds only change the quantity they draw from their parent.
func SetQuantity(ctx context.Context, db bun.IDB, holdID uuid.UUID, quantity int64, userID *uuid.UUID, now time.Time) error {
	if quantity < 0 {
		return apperr.ValidationError("quantity", "number_must_be_positive", "Quantity cannot be negative")
	}
	h, err := LockForReservation(ctx, db, holdID)
	if err != nil {
		return err
	}
	q, err := Quantities(ctx, db, h, now)
	if err != nil {
		return err
	}
	if quantity == q.Total {
		return nil
	}

	used := q.Total - q.Available
	if quantity < used {
		return apperr.NewValidation().AddWithParams("quantity", "hold_quantity_below_used",
			"Quantity cannot drop below tickets already taken through the hold",
			map[string]interface{}{"used": used}).OrNil()
	}

	if h.IsRoot() {
		tt, err := ticketType(ctx, db, h.TicketTypeID)
		if err != nil {
			return err
		}
		if quantity > q.Total {
			err = inventory.AssignToHold(ctx, db, tt, h.ID, quantity-q.Total, userID, now)
		} else {
			err = shrinkRoot(ctx, db, h, q.Total-quantity, userID, now)
		}
		if err != nil {
			return err
		}
	} else {
		if quantity > q.Total {
			parent, err := LockForReservation(ctx, db, *h.ParentHoldID)
			if err != nil {
				return err
			}
			pq, err := Quantities(ctx, db, parent, now)
			if err != nil {
				return err
			}
			if quantity-q.Total > pq.Available {
				return apperr.NewValidation().AddWithParams("quantity", "hold_split_exceeds_available",
					"Not enough tickets left in the parent hold", map[string]interface{}{"available": pq.Available}).OrNil()
			}
		}
		splitOff := h.SplitQuantity - q.Total
		_, err := db.NewUpdate().Model((*models.Hold)(nil)).
			Set("split_quantity = ?", quantity+splitOff).
			Set("updated_at = ?", now).
			Where("id = ?", h.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to resize hold: %w", err)
		}
	}

	return domain.Record(ctx, db, domain.NewEvent(models.DomainEventHoldQuantityChanged, "Hold quantity changed",
		models.TableHolds, h.ID, userID, map[string]interface{}{"from": q.Total, "to": quantity}))
}

func shrinkRoot(ctx context.Context, db bun.IDB, h *models.Hold, by int64, userID *uuid.UUID, now time.Time) error {
	pool, err := PoolIDs(ctx, db, h)
	if err != nil {
		return err
	}
	released, err := inventory.ReleaseFromHold(ctx, db, pool, h.ID, by, userID, now)
	if err != nil {
		return err
	}
	if released < by {
		return apperr.Business("hold_inventory_in_use", "Some held tickets are still reserved by carts")
	}
	return nil
}

func ticketType(ctx context.Context, db bun.IDB, id uuid.UUID) (*models.TicketType, error) {
	var tt models.TicketType
	if err := db.NewSelect().Model(&tt).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, apperr.Internal("ticket type missing for hold", err)
	}
	return &tt, nil
}
