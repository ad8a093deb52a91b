package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("subscription plan not found")

// Create inserts the plan and its item links; run it inside a transaction.
func Create(ctx context.Context, tx sqlx.ExtContext, pn PlanNew, now time.Time) (Plan, error) {
	if err := validate.Check(pn); err != nil {
		return Plan{}, err
	}

	p := Plan{
		ID:           validate.GenerateID(),
		Name:         pn.Name,
		Description:  pn.Description,
		PriceMonthly: pn.PriceMonthly,
		PriceYearly:  pn.PriceYearly,
		CourseIDs:    append([]string{}, pn.CourseIDs...),
		ProductIDs:   append([]string{}, pn.ProductIDs...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	const q = `
	INSERT INTO subscription_plans (plan_id, name, description, price_monthly, price_yearly, created_at, updated_at)
	VALUES (:plan_id, :name, :description, :price_monthly, :price_yearly, :created_at, :updated_at)`

	if err := database.NamedExecContext(ctx, tx, q, p); err != nil {
		return Plan{}, fmt.Errorf("inserting plan: %w", err)
	}

	for _, id := range p.CourseIDs {
		if _, err := database.ExecContext(ctx, tx, `INSERT INTO plan_courses (plan_id, course_id) VALUES ($1, $2)`, p.ID, id); err != nil {
			return Plan{}, fmt.Errorf("linking course[%s]: %w", id, err)
		}
	}
	for _, id := range p.ProductIDs {
		if _, err := database.ExecContext(ctx, tx, `INSERT INTO plan_products (plan_id, product_id) VALUES ($1, $2)`, p.ID, id); err != nil {
			return Plan{}, fmt.Errorf("linking product[%s]: %w", id, err)
		}
	}

	return p, nil
}

func Fetch(ctx context.Context, db sqlx.QueryerContext, id string) (Plan, error) {
	const q = `
	SELECT plan_id, name, description, price_monthly, price_yearly, created_at, updated_at
	FROM subscription_plans
	WHERE plan_id = $1`

	var p Plan
	if err := database.GetContext(ctx, db, &p, q, id); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Plan{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Plan{}, fmt.Errorf("selecting plan[%s]: %w", id, err)
	}

	p.CourseIDs = []string{}
	const qc = `SELECT course_id FROM plan_courses WHERE plan_id = $1 ORDER BY course_id`
	if err := database.SelectContext(ctx, db, &p.CourseIDs, qc, id); err != nil {
		return Plan{}, fmt.Errorf("selecting courses of plan[%s]: %w", id, err)
	}

	p.ProductIDs = []string{}
	const qp = `SELECT product_id FROM plan_products WHERE plan_id = $1 ORDER BY product_id`
	if err := database.SelectContext(ctx, db, &p.ProductIDs, qp, id); err != nil {
		return Plan{}, fmt.Errorf("selecting products of plan[%s]: %w", id, err)
	}

	return p, nil
}
