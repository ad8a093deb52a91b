package product

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("digital product not found")

func Create(ctx context.Context, db sqlx.ExtContext, pn ProductNew, now time.Time) (Product, error) {
	if err := validate.Check(pn); err != nil {
		return Product{}, err
	}

	p := Product{
		ID:          validate.GenerateID(),
		Name:        pn.Name,
		Description: pn.Description,
		Price:       pn.Price,
		Stocked:     pn.Stocked,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	const q = `
	INSERT INTO digital_products (product_id, name, description, price, stocked, inventory_count, created_at, updated_at)
	VALUES (:product_id, :name, :description, :price, :stocked, 0, :created_at, :updated_at)`

	if err := database.NamedExecContext(ctx, db, q, p); err != nil {
		return Product{}, fmt.Errorf("inserting digital product: %w", err)
	}
	return p, nil
}

func Fetch(ctx context.Context, db sqlx.QueryerContext, id string) (Product, error) {
	const q = `
	SELECT product_id, name, description, price, stocked, inventory_count, created_at, updated_at
	FROM digital_products
	WHERE product_id = $1`

	var p Product
	if err := database.GetContext(ctx, db, &p, q, id); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Product{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Product{}, fmt.Errorf("selecting digital product[%s]: %w", id, err)
	}
	return p, nil
}
