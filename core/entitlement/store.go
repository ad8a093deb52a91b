package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// GrantCourse records access to a course and reports whether the call
// changed anything. A purchase upgrades a subscription row in place so the
// access outlives the membership; every other repeat grant is a no-op.
func GrantCourse(ctx context.Context, tx sqlx.ExtContext, userID, courseID string, via Via, src Source, now time.Time) (bool, error) {
	const q = `
	INSERT INTO course_entitlements (user_id, course_id, granted_via, source_order_id, source_subscription_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (user_id, course_id) DO UPDATE
	SET granted_via = EXCLUDED.granted_via,
		source_order_id = EXCLUDED.source_order_id,
		source_subscription_id = EXCLUDED.source_subscription_id
	WHERE course_entitlements.granted_via = 'subscription'
		AND (EXCLUDED.granted_via = 'purchase'
			OR course_entitlements.source_subscription_id IS DISTINCT FROM EXCLUDED.source_subscription_id)`

	n, err := database.ExecContext(ctx, tx, q, userID, courseID, via, nullable(src.OrderID), nullable(src.SubscriptionID), now)
	if err != nil {
		return false, fmt.Errorf("granting course[%s] to user[%s]: %w", courseID, userID, err)
	}
	return n > 0, nil
}

// RevokeCourse deletes the entitlement; revoking a missing row is a no-op.
func RevokeCourse(ctx context.Context, tx sqlx.ExtContext, userID, courseID string) (bool, error) {
	const q = `DELETE FROM course_entitlements WHERE user_id = $1 AND course_id = $2`

	n, err := database.ExecContext(ctx, tx, q, userID, courseID)
	if err != nil {
		return false, fmt.Errorf("revoking course[%s] of user[%s]: %w", courseID, userID, err)
	}
	return n > 0, nil
}

// RevokeSubscriptionCourses deletes the subscription tagged rows sourced by
// subscriptionID, except for the courses in keep. Purchased rows are never
// touched.
func RevokeSubscriptionCourses(ctx context.Context, tx sqlx.ExtContext, subscriptionID string, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}

	const q = `
	DELETE FROM course_entitlements
	WHERE source_subscription_id = $1 AND granted_via = 'subscription' AND NOT (course_id = ANY($2::uuid[]))`

	n, err := database.ExecContext(ctx, tx, q, subscriptionID, pq.Array(keep))
	if err != nil {
		return 0, fmt.Errorf("revoking courses of subscription[%s]: %w", subscriptionID, err)
	}
	return n, nil
}

// GrantProduct records a direct purchase of a product with its key, or
// without one when the pool was empty. Repeat grants never replace a key.
func GrantProduct(ctx context.Context, tx sqlx.ExtContext, userID, productID, orderID string, keyID *string, now time.Time) (bool, error) {
	const q = `
	INSERT INTO product_entitlements (user_id, product_id, granted_via, source_order_id, key_id, created_at)
	VALUES ($1, $2, 'purchase', $3, $4, $5)
	ON CONFLICT (user_id, product_id) DO UPDATE
	SET key_id = EXCLUDED.key_id
	WHERE product_entitlements.key_id IS NULL AND EXCLUDED.key_id IS NOT NULL`

	n, err := database.ExecContext(ctx, tx, q, userID, productID, nullable(orderID), keyID, now)
	if err != nil {
		return false, fmt.Errorf("granting product[%s] to user[%s]: %w", productID, userID, err)
	}
	return n > 0, nil
}

// AttachProductKey fulfills a backordered purchase.
func AttachProductKey(ctx context.Context, tx sqlx.ExtContext, userID, productID, keyID string) error {
	const q = `
	UPDATE product_entitlements
	SET key_id = $3
	WHERE user_id = $1 AND product_id = $2 AND key_id IS NULL`

	if _, err := database.ExecContext(ctx, tx, q, userID, productID, keyID); err != nil {
		return fmt.Errorf("attaching key[%s] to product[%s] of user[%s]: %w", keyID, productID, userID, err)
	}
	return nil
}

// RevokeOrder deletes every grant sourced by orderID and returns the keys
// that were attached to revoked product grants.
func RevokeOrder(ctx context.Context, tx sqlx.ExtContext, orderID string) ([]string, error) {
	if _, err := database.ExecContext(ctx, tx, `DELETE FROM course_entitlements WHERE source_order_id = $1 AND granted_via = 'purchase'`, orderID); err != nil {
		return nil, fmt.Errorf("revoking courses of order[%s]: %w", orderID, err)
	}

	const q = `
	WITH gone AS (
		DELETE FROM product_entitlements WHERE source_order_id = $1 RETURNING key_id
	)
	SELECT key_id FROM gone WHERE key_id IS NOT NULL`

	keys := []string{}
	if err := database.SelectContext(ctx, tx, &keys, q, orderID); err != nil {
		return nil, fmt.Errorf("revoking products of order[%s]: %w", orderID, err)
	}
	return keys, nil
}

func DirectCourse(ctx context.Context, db sqlx.QueryerContext, userID, courseID string) (CourseEntitlement, bool, error) {
	const q = `
	SELECT user_id, course_id, granted_via, source_order_id, source_subscription_id, created_at
	FROM course_entitlements
	WHERE user_id = $1 AND course_id = $2`

	var e CourseEntitlement
	if err := database.GetContext(ctx, db, &e, q, userID, courseID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return CourseEntitlement{}, false, nil
		}
		return CourseEntitlement{}, false, fmt.Errorf("selecting course[%s] of user[%s]: %w", courseID, userID, err)
	}
	return e, true, nil
}

func DirectProduct(ctx context.Context, db sqlx.QueryerContext, userID, productID string) (ProductEntitlement, bool, error) {
	const q = `
	SELECT user_id, product_id, granted_via, source_order_id, key_id, created_at
	FROM product_entitlements
	WHERE user_id = $1 AND product_id = $2`

	var e ProductEntitlement
	if err := database.GetContext(ctx, db, &e, q, userID, productID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return ProductEntitlement{}, false, nil
		}
		return ProductEntitlement{}, false, fmt.Errorf("selecting product[%s] of user[%s]: %w", productID, userID, err)
	}
	return e, true, nil
}

func ListForUser(ctx context.Context, db sqlx.QueryerContext, userID string) (Ledger, error) {
	l := Ledger{
		Courses:  []CourseEntitlement{},
		Products: []ProductEntitlement{},
	}

	const qc = `
	SELECT user_id, course_id, granted_via, source_order_id, source_subscription_id, created_at
	FROM course_entitlements
	WHERE user_id = $1
	ORDER BY created_at, course_id`

	if err := database.SelectContext(ctx, db, &l.Courses, qc, userID); err != nil {
		return Ledger{}, fmt.Errorf("selecting courses of user[%s]: %w", userID, err)
	}

	const qp = `
	SELECT user_id, product_id, granted_via, source_order_id, key_id, created_at
	FROM product_entitlements
	WHERE user_id = $1
	ORDER BY created_at, product_id`

	if err := database.SelectContext(ctx, db, &l.Products, qp, userID); err != nil {
		return Ledger{}, fmt.Errorf("selecting products of user[%s]: %w", userID, err)
	}

	return l, nil
}
