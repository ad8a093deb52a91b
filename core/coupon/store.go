package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound = errors.New("coupon not found")

	// ErrExhausted is returned when the last use of a coupon was taken
	// between evaluation and order creation.
	ErrExhausted = errors.New("coupon usage limit reached")

	ErrPercentRange = errors.New("percent coupons cannot exceed 100")
)

func Create(ctx context.Context, tx sqlx.ExtContext, cn CouponNew, now time.Time) (Coupon, error) {
	if err := validate.Check(cn); err != nil {
		return Coupon{}, err
	}
	if cn.Kind == Percent && cn.Value > 100 {
		return Coupon{}, ErrPercentRange
	}

	c := Coupon{
		ID:             validate.GenerateID(),
		Code:           strings.TrimSpace(cn.Code),
		Kind:           cn.Kind,
		Value:          cn.Value,
		MinOrderAmount: cn.MinOrderAmount,
		UsageLimit:     cn.UsageLimit,
		ValidFrom:      cn.ValidFrom,
		ValidTo:        cn.ValidTo,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	const q = `
	INSERT INTO coupons (coupon_id, code, kind, value, min_order_amount, usage_limit, used_count,
		valid_from, valid_to, is_active, created_at, updated_at)
	VALUES (:coupon_id, :code, :kind, :value, :min_order_amount, :usage_limit, :used_count,
		:valid_from, :valid_to, :is_active, :created_at, :updated_at)`

	if err := database.NamedExecContext(ctx, tx, q, c); err != nil {
		return Coupon{}, fmt.Errorf("inserting coupon: %w", err)
	}

	for _, it := range cn.Items {
		const qi = `INSERT INTO coupon_items (coupon_id, item_type, item_id) VALUES ($1, $2, $3)`
		if _, err := database.ExecContext(ctx, tx, qi, c.ID, it.ItemType, it.ItemID); err != nil {
			return Coupon{}, fmt.Errorf("scoping coupon to %s[%s]: %w", it.ItemType, it.ItemID, err)
		}
	}

	return c, nil
}

// FetchByCode matches codes case-insensitively.
func FetchByCode(ctx context.Context, db sqlx.QueryerContext, code string) (Coupon, error) {
	const q = `
	SELECT coupon_id, code, kind, value, min_order_amount, usage_limit, used_count,
		valid_from, valid_to, is_active, created_at, updated_at
	FROM coupons
	WHERE lower(code) = lower($1)`

	var c Coupon
	if err := database.GetContext(ctx, db, &c, q, strings.TrimSpace(code)); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Coupon{}, fmt.Errorf("%w: %s", ErrNotFound, code)
		}
		return Coupon{}, fmt.Errorf("selecting coupon[%s]: %w", code, err)
	}
	return c, nil
}

func FetchScope(ctx context.Context, db sqlx.QueryerContext, couponID string) ([]Item, error) {
	const q = `SELECT item_type, item_id FROM coupon_items WHERE coupon_id = $1`

	items := []Item{}
	if err := database.SelectContext(ctx, db, &items, q, couponID); err != nil {
		return nil, fmt.Errorf("selecting scope of coupon[%s]: %w", couponID, err)
	}
	return items, nil
}

// Evaluate looks code up and applies it to snap. Lookup misses are reported
// as an invalid evaluation, not as an error.
func Evaluate(ctx context.Context, db sqlx.QueryerContext, snap cart.Snapshot, code string, now time.Time) (Evaluation, error) {
	if strings.TrimSpace(code) == "" {
		return Evaluation{}, nil
	}

	c, err := FetchByCode(ctx, db, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid(ReasonUnknown), nil
		}
		return Evaluation{}, err
	}

	scope, err := FetchScope(ctx, db, c.ID)
	if err != nil {
		return Evaluation{}, err
	}

	return Apply(c, scope, snap, now), nil
}

// IncrementUsage takes one use of the coupon. It fails with ErrExhausted
// when a concurrent order took the last use first.
func IncrementUsage(ctx context.Context, tx sqlx.ExtContext, couponID string, now time.Time) error {
	const q = `
	UPDATE coupons
	SET used_count = used_count + 1, updated_at = $2
	WHERE coupon_id = $1 AND (usage_limit = 0 OR used_count < usage_limit)`

	n, err := database.ExecContext(ctx, tx, q, couponID, now)
	if err != nil {
		return fmt.Errorf("incrementing usage of coupon[%s]: %w", couponID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExhausted, couponID)
	}
	return nil
}

func RestoreUsage(ctx context.Context, tx sqlx.ExtContext, couponID string, now time.Time) error {
	const q = `
	UPDATE coupons
	SET used_count = used_count - 1, updated_at = $2
	WHERE coupon_id = $1 AND used_count > 0`

	if _, err := database.ExecContext(ctx, tx, q, couponID, now); err != nil {
		return fmt.Errorf("restoring usage of coupon[%s]: %w", couponID, err)
	}
	return nil
}

// Calculator adapts the package functions to the discount contract of the
// order lifecycle.
type Calculator struct{}

func (Calculator) Evaluate(ctx context.Context, db sqlx.QueryerContext, snap cart.Snapshot, code string, now time.Time) (Evaluation, error) {
	return Evaluate(ctx, db, snap, code, now)
}

func (Calculator) Consume(ctx context.Context, tx sqlx.ExtContext, couponID string, now time.Time) error {
	return IncrementUsage(ctx, tx, couponID, now)
}

func (Calculator) Restore(ctx context.Context, tx sqlx.ExtContext, couponID string, now time.Time) error {
	return RestoreUsage(ctx, tx, couponID, now)
}
