package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/jmoiron/sqlx"
)

const columns = `subscription_id, user_id, plan_id, billing_cycle, price, starts_at, ends_at, is_active,
	payment_status, payment_session_id, payment_reference, contact_email, canceled_at, expired_at,
	created_at, updated_at`

// live is the predicate of a membership conferring access at $N.
const live = `s.payment_status IN ('completed', 'canceled') AND s.expired_at IS NULL
	AND s.starts_at <= %[1]s AND s.ends_at > %[1]s`

func create(ctx context.Context, tx sqlx.ExtContext, s Subscription) error {
	const q = `
	INSERT INTO subscriptions (` + columns + `)
	VALUES (:subscription_id, :user_id, :plan_id, :billing_cycle, :price, :starts_at, :ends_at, :is_active,
		:payment_status, :payment_session_id, :payment_reference, :contact_email, :canceled_at, :expired_at,
		:created_at, :updated_at)`

	if err := database.NamedExecContext(ctx, tx, q, s); err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func update(ctx context.Context, tx sqlx.ExtContext, s Subscription) error {
	const q = `
	UPDATE subscriptions SET
		starts_at = :starts_at,
		ends_at = :ends_at,
		is_active = :is_active,
		payment_status = :payment_status,
		payment_session_id = :payment_session_id,
		payment_reference = :payment_reference,
		canceled_at = :canceled_at,
		expired_at = :expired_at,
		updated_at = :updated_at
	WHERE subscription_id = :subscription_id`

	if err := database.NamedExecContext(ctx, tx, q, s); err != nil {
		if errors.Is(err, database.ErrDBDuplicatedEntry) {
			return ErrActiveSubscription
		}
		return fmt.Errorf("updating subscription[%s]: %w", s.ID, err)
	}
	return nil
}

func Fetch(ctx context.Context, db sqlx.QueryerContext, id string) (Subscription, error) {
	return fetch(ctx, db, id, "")
}

func fetchForUpdate(ctx context.Context, tx sqlx.QueryerContext, id string) (Subscription, error) {
	return fetch(ctx, tx, id, "FOR UPDATE")
}

func fetch(ctx context.Context, db sqlx.QueryerContext, id, lock string) (Subscription, error) {
	q := `SELECT ` + columns + ` FROM subscriptions WHERE subscription_id = $1 ` + lock

	var s Subscription
	if err := database.GetContext(ctx, db, &s, q, id); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Subscription{}, fmt.Errorf("selecting subscription[%s]: %w", id, err)
	}
	return s, nil
}

// FetchBySession finds the membership paid through a processor session.
func FetchBySession(ctx context.Context, db sqlx.QueryerContext, sessionID string) (Subscription, error) {
	q := `SELECT ` + columns + ` FROM subscriptions WHERE payment_session_id = $1`

	var s Subscription
	if err := database.GetContext(ctx, db, &s, q, sessionID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Subscription{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return Subscription{}, fmt.Errorf("selecting subscription of session[%s]: %w", sessionID, err)
	}
	return s, nil
}

func activeForUser(ctx context.Context, db sqlx.QueryerContext, userID string) (Subscription, bool, error) {
	q := `SELECT ` + columns + ` FROM subscriptions WHERE user_id = $1 AND is_active`

	var s Subscription
	if err := database.GetContext(ctx, db, &s, q, userID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Subscription{}, false, nil
		}
		return Subscription{}, false, fmt.Errorf("selecting active subscription of user[%s]: %w", userID, err)
	}
	return s, true, nil
}

// LiveForUser lists the memberships of userID that grant access at now.
func LiveForUser(ctx context.Context, db sqlx.QueryerContext, userID string, now time.Time) ([]Subscription, error) {
	q := `SELECT ` + columns + ` FROM subscriptions s WHERE s.user_id = $1 AND ` + fmt.Sprintf(live, "$2") + `
	ORDER BY s.starts_at`

	subs := []Subscription{}
	if err := database.SelectContext(ctx, db, &subs, q, userID, now); err != nil {
		return nil, fmt.Errorf("selecting live subscriptions of user[%s]: %w", userID, err)
	}
	return subs, nil
}

// IncludesCourse reports whether a live membership of userID bundles courseID.
func IncludesCourse(ctx context.Context, db sqlx.QueryerContext, userID, courseID string, now time.Time) (bool, error) {
	q := `
	SELECT EXISTS (
		SELECT 1 FROM subscriptions s
		JOIN plan_courses pc ON pc.plan_id = s.plan_id
		WHERE s.user_id = $1 AND pc.course_id = $2 AND ` + fmt.Sprintf(live, "$3") + `
	)`

	var ok bool
	if err := database.GetContext(ctx, db, &ok, q, userID, courseID, now); err != nil {
		return false, fmt.Errorf("checking plan courses of user[%s]: %w", userID, err)
	}
	return ok, nil
}

// IncludesProduct reports whether a live membership of userID bundles productID.
func IncludesProduct(ctx context.Context, db sqlx.QueryerContext, userID, productID string, now time.Time) (bool, error) {
	q := `
	SELECT EXISTS (
		SELECT 1 FROM subscriptions s
		JOIN plan_products pp ON pp.plan_id = s.plan_id
		WHERE s.user_id = $1 AND pp.product_id = $2 AND ` + fmt.Sprintf(live, "$3") + `
	)`

	var ok bool
	if err := database.GetContext(ctx, db, &ok, q, userID, productID, now); err != nil {
		return false, fmt.Errorf("checking plan products of user[%s]: %w", userID, err)
	}
	return ok, nil
}

// coveredByOthers returns the items of table still bundled by a live
// membership of userID other than exceptID.
func coveredByOthers(ctx context.Context, db sqlx.QueryerContext, table, column, userID, exceptID string, now time.Time) ([]string, error) {
	q := fmt.Sprintf(`
	SELECT DISTINCT i.%[2]s
	FROM subscriptions s
	JOIN %[1]s i ON i.plan_id = s.plan_id
	WHERE s.user_id = $1 AND s.subscription_id <> $2 AND `, table, column) + fmt.Sprintf(live, "$3")

	ids := []string{}
	if err := database.SelectContext(ctx, db, &ids, q, userID, exceptID, now); err != nil {
		return nil, fmt.Errorf("selecting %s covered for user[%s]: %w", table, userID, err)
	}
	return ids, nil
}

func lapsed(ctx context.Context, db sqlx.QueryerContext, now time.Time) ([]string, error) {
	const q = `
	SELECT subscription_id
	FROM subscriptions
	WHERE expired_at IS NULL AND ends_at IS NOT NULL AND ends_at <= $1
	ORDER BY ends_at`

	ids := []string{}
	if err := database.SelectContext(ctx, db, &ids, q, now); err != nil {
		return nil, fmt.Errorf("selecting lapsed subscriptions: %w", err)
	}
	return ids, nil
}

func lockUser(ctx context.Context, tx sqlx.ExtContext, userID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "subscription:"+userID); err != nil {
		return fmt.Errorf("locking subscriptions of user[%s]: %w", userID, err)
	}
	return nil
}
