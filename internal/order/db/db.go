// Package db holds the order, order item, payment and payment method queries
// shared by the cart engine and the payment flows. Every method runs on the
// bun.IDB it was built with, so callers pass a transaction when they have one.
package db

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
	"ms-ticket-commerce/internal/models"
)

type DB struct {
	Bun bun.IDB
}

func New(idb bun.IDB) *DB {
	return &DB{Bun: idb}
}

// ---------------- ORDERS ----------------

// GetOrderByID → fetch one order by its ID
func (d *DB) GetOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().Model(&order).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Order not found")
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

// LockOrder loads an order with its row locked for the rest of the transaction.
func (d *DB) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	q := d.Bun.NewSelect().Model(&order).Where("id = ?", id)
	if err := database.ForUpdate(d.Bun, q).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Order not found")
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

// DraftCart returns the user's open cart, or nil when there is none.
func (d *DB) DraftCart(ctx context.Context, userID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().Model(&order).
		Where("user_id = ?", userID).
		Where("status = ?", models.OrderStatusDraft).
		Where("order_type = ?", models.OrderTypeCart).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	return &order, nil
}

// CreateDraftCart inserts a cart unless the user already has one. The
// one-draft-per-user unique index decides races; the loser inserts nothing.
func (d *DB) CreateDraftCart(ctx context.Context, order *models.Order) (bool, error) {
	res, err := d.Bun.NewInsert().Model(order).On("CONFLICT DO NOTHING").Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to create cart: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create cart: %w", err)
	}
	return n == 1, nil
}

// LockVersion bumps the order version if it still equals version. A stale
// version means another request changed the order first.
func (d *DB) LockVersion(ctx context.Context, id uuid.UUID, version int64, now time.Time) error {
	res, err := d.Bun.NewUpdate().Model((*models.Order)(nil)).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("version = ?", version).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock order version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to lock order version: %w", err)
	}
	if n == 0 {
		return apperr.Concurrency("The order was changed by another request, please try again")
	}
	return nil
}

// UpdateOrder → write the mutable columns of an order
func (d *DB) UpdateOrder(ctx context.Context, order *models.Order, columns ...string) error {
	columns = append(columns, "updated_at")
	_, err := d.Bun.NewUpdate().Model(order).
		Column(columns...).
		Where("id = ?", order.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// CreateOrder → insert new order
func (d *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	if _, err := d.Bun.NewInsert().Model(order).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// OrdersForUser lists a user's non-cart orders, newest first.
func (d *DB) OrdersForUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().Model(&orders).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("user_id = ?", userID).WhereOr("on_behalf_of_user_id = ?", userID)
		}).
		Where("status <> ?", models.OrderStatusDraft).
		OrderExpr("order_date DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// ---------------- ITEMS ----------------

// Items → every line of an order, parents before the fee and discount lines
// created for them.
func (d *DB) Items(ctx context.Context, orderID uuid.UUID) ([]*models.OrderItem, error) {
	var items []*models.OrderItem
	err := d.Bun.NewSelect().Model(&items).
		Where("order_id = ?", orderID).
		OrderExpr("created_at ASC").
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return items, nil
}

func (d *DB) InsertItem(ctx context.Context, item *models.OrderItem) error {
	if _, err := d.Bun.NewInsert().Model(item).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create order item: %w", err)
	}
	return nil
}

// UpdateItem writes the priced columns of an item.
func (d *DB) UpdateItem(ctx context.Context, item *models.OrderItem) error {
	_, err := d.Bun.NewUpdate().Model(item).
		Column("quantity", "unit_price_in_cents", "ticket_pricing_id", "fee_schedule_range_id",
			"company_fee_in_cents", "client_fee_in_cents", "refunded_quantity", "updated_at").
		Where("id = ?", item.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update order item: %w", err)
	}
	return nil
}

func (d *DB) DeleteItems(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.Bun.NewDelete().Model((*models.OrderItem)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}
	return nil
}

// PurchasedQuantity counts tickets of a type already bought for the user and not refunded.
func (d *DB) PurchasedQuantity(ctx context.Context, userID, ticketTypeID uuid.UUID) (int64, error) {
	paid := d.Bun.NewSelect().Model((*models.Order)(nil)).
		Column("id").
		Where("status = ?", models.OrderStatusPaid).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("on_behalf_of_user_id = ?", userID).
				WhereOr("on_behalf_of_user_id IS NULL AND user_id = ?", userID)
		})

	var n int64
	err := d.Bun.NewSelect().Model((*models.OrderItem)(nil)).
		ColumnExpr("COALESCE(SUM(quantity - refunded_quantity), 0)").
		Where("item_type = ?", models.OrderItemTypeTickets).
		Where("ticket_type_id = ?", ticketTypeID).
		Where("order_id IN (?)", paid).
		Scan(ctx, &n)
	if err != nil {
		return 0, fmt.Errorf("failed to count purchased tickets: %w", err)
	}
	return n, nil
}

// ---------------- PAYMENTS ----------------

func (d *DB) InsertPayment(ctx context.Context, p *models.Payment) error {
	if _, err := d.Bun.NewInsert().Model(p).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// Payments → every payment of an order, oldest first
func (d *DB) Payments(ctx context.Context, orderID uuid.UUID) ([]*models.Payment, error) {
	var payments []*models.Payment
	err := d.Bun.NewSelect().Model(&payments).
		Where("order_id = ?", orderID).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}
	return payments, nil
}

// PaymentByNonce finds the payment a redirect callback belongs to.
func (d *DB) PaymentByNonce(ctx context.Context, orderID uuid.UUID, nonce string) (*models.Payment, error) {
	var p models.Payment
	err := d.Bun.NewSelect().Model(&p).
		Where("order_id = ?", orderID).
		Where("url_nonce = ?", nonce).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("Payment not found")
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return &p, nil
}

// PaymentByExternalReference returns nil when no payment carries ref.
func (d *DB) PaymentByExternalReference(ctx context.Context, ref string) (*models.Payment, error) {
	var p models.Payment
	err := d.Bun.NewSelect().Model(&p).
		Where("external_reference = ?", ref).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return &p, nil
}

// UpdatePayment → write the mutable columns of a payment
func (d *DB) UpdatePayment(ctx context.Context, p *models.Payment) error {
	_, err := d.Bun.NewUpdate().Model(p).
		Column("status", "external_reference", "amount_in_cents", "refunded_in_cents", "raw_data", "updated_at").
		Where("id = ?", p.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

// ---------------- REFUNDS ----------------

// InsertRefund writes a refund with its lines and the tickets it returned.
func (d *DB) InsertRefund(ctx context.Context, refund *models.Refund, tickets []*models.RefundedTicket) error {
	if _, err := d.Bun.NewInsert().Model(refund).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}
	if len(refund.Items) > 0 {
		if _, err := d.Bun.NewInsert().Model(&refund.Items).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create refund items: %w", err)
		}
	}
	if len(tickets) > 0 {
		if _, err := d.Bun.NewInsert().Model(&tickets).Exec(ctx); err != nil {
			return fmt.Errorf("failed to record refunded tickets: %w", err)
		}
	}
	return nil
}

// Refunds → every refund of an order with its lines, oldest first
func (d *DB) Refunds(ctx context.Context, orderID uuid.UUID) ([]*models.Refund, error) {
	var refunds []*models.Refund
	err := d.Bun.NewSelect().Model(&refunds).
		Relation("Items").
		Where("order_id = ?", orderID).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load refunds: %w", err)
	}
	return refunds, nil
}

// ---------------- PAYMENT METHODS ----------------

// PaymentMethod returns the user's stored method for a provider, or nil.
func (d *DB) PaymentMethod(ctx context.Context, userID uuid.UUID, provider models.PaymentProvider) (*models.UserPaymentMethod, error) {
	var m models.UserPaymentMethod
	err := d.Bun.NewSelect().Model(&m).
		Where("user_id = ?", userID).
		Where("provider = ?", provider).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment method: %w", err)
	}
	return &m, nil
}

// DefaultPaymentMethod returns the user's default method, or nil.
func (d *DB) DefaultPaymentMethod(ctx context.Context, userID uuid.UUID) (*models.UserPaymentMethod, error) {
	var m models.UserPaymentMethod
	err := d.Bun.NewSelect().Model(&m).
		Where("user_id = ?", userID).
		Where("is_default = ?", true).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default payment method: %w", err)
	}
	return &m, nil
}

// SavePaymentMethod inserts or updates m. Making it default clears the flag
// on the user's other methods.
func (d *DB) SavePaymentMethod(ctx context.Context, m *models.UserPaymentMethod, now time.Time) error {
	if m.IsDefault {
		_, err := d.Bun.NewUpdate().Model((*models.UserPaymentMethod)(nil)).
			Set("is_default = ?", false).
			Set("updated_at = ?", now).
			Where("user_id = ?", m.UserID).
			Where("id <> ?", m.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear default payment method: %w", err)
		}
	}
	m.UpdatedAt = now
	exists, err := d.Bun.NewSelect().Model((*models.UserPaymentMethod)(nil)).Where("id = ?", m.ID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check payment method: %w", err)
	}
	if exists {
		_, err = d.Bun.NewUpdate().Model(m).
			Column("external_id", "is_default", "updated_at").
			Where("id = ?", m.ID).
			Exec(ctx)
	} else {
		m.CreatedAt = now
		_, err = d.Bun.NewInsert().Model(m).Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	return nil
}

// ---------------- USERS ----------------

// UserByEmail returns nil when no user has email.
func (d *DB) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := d.Bun.NewSelect().Model(&u).
		Where("lower(email) = lower(?)", email).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

func (d *DB) InsertUser(ctx context.Context, u *models.User) error {
	if _, err := d.Bun.NewInsert().Model(u).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UserByID returns nil when the user does not exist locally.
func (d *DB) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := d.Bun.NewSelect().Model(&u).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}
