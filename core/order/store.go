package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/jmoiron/sqlx"
)

const columns = `order_id, user_id, order_number, total_amount, discount_amount, final_amount,
	payment_status, payment_method, payment_session_id, payment_reference, coupon_id,
	contact_email, notes, created_at, updated_at`

func create(ctx context.Context, tx sqlx.ExtContext, o Order) error {
	const q = `
	INSERT INTO orders (` + columns + `)
	VALUES (:order_id, :user_id, :order_number, :total_amount, :discount_amount, :final_amount,
		:payment_status, :payment_method, :payment_session_id, :payment_reference, :coupon_id,
		:contact_email, :notes, :created_at, :updated_at)`

	if err := database.NamedExecContext(ctx, tx, q, o); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

func createItem(ctx context.Context, tx sqlx.ExtContext, it Item) error {
	const q = `
	INSERT INTO order_items (order_id, position, item_type, item_id, item_name, quantity, unit_price, created_at)
	VALUES (:order_id, :position, :item_type, :item_id, :item_name, :quantity, :unit_price, :created_at)`

	if err := database.NamedExecContext(ctx, tx, q, it); err != nil {
		return fmt.Errorf("inserting item %d: %w", it.Position, err)
	}
	return nil
}

func updateStatus(ctx context.Context, tx sqlx.ExtContext, o Order) error {
	const q = `
	UPDATE orders SET
		payment_status = :payment_status,
		payment_reference = :payment_reference,
		updated_at = :updated_at
	WHERE order_id = :order_id`

	if err := database.NamedExecContext(ctx, tx, q, o); err != nil {
		return fmt.Errorf("updating status of order[%s]: %w", o.ID, err)
	}
	return nil
}

func remove(ctx context.Context, tx sqlx.ExtContext, id string) error {
	if _, err := database.ExecContext(ctx, tx, `DELETE FROM order_items WHERE order_id = $1`, id); err != nil {
		return fmt.Errorf("deleting items of order[%s]: %w", id, err)
	}
	if _, err := database.ExecContext(ctx, tx, `DELETE FROM orders WHERE order_id = $1`, id); err != nil {
		return fmt.Errorf("deleting order[%s]: %w", id, err)
	}
	return nil
}

// Fetch returns the order with its items.
func Fetch(ctx context.Context, db sqlx.QueryerContext, id string) (Order, error) {
	return fetch(ctx, db, id, "")
}

func fetchForUpdate(ctx context.Context, tx sqlx.QueryerContext, id string) (Order, error) {
	return fetch(ctx, tx, id, "FOR UPDATE")
}

func fetch(ctx context.Context, db sqlx.QueryerContext, id, lock string) (Order, error) {
	q := `SELECT ` + columns + ` FROM orders WHERE order_id = $1 ` + lock

	var o Order
	if err := database.GetContext(ctx, db, &o, q, id); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Order{}, fmt.Errorf("selecting order[%s]: %w", id, err)
	}

	items, err := fetchItems(ctx, db, id)
	if err != nil {
		return Order{}, err
	}
	o.Items = items
	return o, nil
}

func fetchItems(ctx context.Context, db sqlx.QueryerContext, orderID string) ([]Item, error) {
	const q = `
	SELECT order_id, position, item_type, item_id, item_name, quantity, unit_price, created_at
	FROM order_items
	WHERE order_id = $1
	ORDER BY position`

	items := []Item{}
	if err := database.SelectContext(ctx, db, &items, q, orderID); err != nil {
		return nil, fmt.Errorf("selecting items of order[%s]: %w", orderID, err)
	}
	return items, nil
}

// FetchBySession finds the order paid through a processor session.
func FetchBySession(ctx context.Context, db sqlx.QueryerContext, sessionID string) (Order, error) {
	var id string
	const q = `SELECT order_id FROM orders WHERE payment_session_id = $1`

	if err := database.GetContext(ctx, db, &id, q, sessionID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Order{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return Order{}, fmt.Errorf("selecting order of session[%s]: %w", sessionID, err)
	}
	return Fetch(ctx, db, id)
}

// ListByUser returns the orders of userID, newest first, without items.
func ListByUser(ctx context.Context, db sqlx.QueryerContext, userID string) ([]Order, error) {
	q := `SELECT ` + columns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	orders := []Order{}
	if err := database.SelectContext(ctx, db, &orders, q, userID); err != nil {
		return nil, fmt.Errorf("selecting orders of user[%s]: %w", userID, err)
	}
	return orders, nil
}
