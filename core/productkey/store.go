package productkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const keyColumns = `key_id, product_id, key_value, is_used, used_by, used_at, subscription_assigned, created_at`

const recount = `
	UPDATE digital_products
	SET inventory_count = (SELECT count(*) FROM product_keys WHERE product_id = $1 AND NOT is_used),
		updated_at = $2
	WHERE product_id = $1`

// lockProduct takes the row lock serializing every key mutation of the
// product and reports whether the product is sold with keys.
func lockProduct(ctx context.Context, tx sqlx.ExtContext, productID string) (bool, error) {
	const q = `SELECT stocked FROM digital_products WHERE product_id = $1 FOR UPDATE`

	var stocked bool
	if err := database.GetContext(ctx, tx, &stocked, q, productID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return false, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return false, fmt.Errorf("locking product[%s]: %w", productID, err)
	}
	return stocked, nil
}

func refreshCount(ctx context.Context, tx sqlx.ExtContext, productID string, now time.Time) error {
	if _, err := database.ExecContext(ctx, tx, recount, productID, now); err != nil {
		return fmt.Errorf("recounting keys of product[%s]: %w", productID, err)
	}
	return nil
}

// Allocate assigns one unused key of productID to userID. It must run inside
// a transaction; the product row stays locked until that transaction ends.
func Allocate(ctx context.Context, tx sqlx.ExtContext, productID, userID string, viaSubscription bool, now time.Time) (Key, error) {
	stocked, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return Key{}, err
	}
	if !stocked {
		return Key{}, fmt.Errorf("%w: %s", ErrUnstocked, productID)
	}

	q := `
	SELECT ` + keyColumns + `
	FROM product_keys
	WHERE product_id = $1 AND NOT is_used
	ORDER BY created_at, key_id
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

	var k Key
	if err := database.GetContext(ctx, tx, &k, q, productID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Key{}, fmt.Errorf("%w: product[%s]", ErrNoKeyAvailable, productID)
		}
		return Key{}, fmt.Errorf("selecting key of product[%s]: %w", productID, err)
	}

	const up = `
	UPDATE product_keys
	SET is_used = TRUE, used_by = $2, used_at = $3, subscription_assigned = $4
	WHERE key_id = $1`

	if _, err := database.ExecContext(ctx, tx, up, k.ID, userID, now, viaSubscription); err != nil {
		return Key{}, fmt.Errorf("marking key[%s] used: %w", k.ID, err)
	}

	if err := refreshCount(ctx, tx, productID, now); err != nil {
		return Key{}, err
	}

	k.IsUsed = true
	k.UsedBy = &userID
	k.UsedAt = &now
	k.SubscriptionAssigned = viaSubscription
	return k, nil
}

// Acquire gives userID a key of productID unless it already holds one, and
// reports whether a new key was allocated. A purchase of a product whose key
// came with a subscription converts that key so it outlives the membership.
func Acquire(ctx context.Context, tx sqlx.ExtContext, productID, userID string, viaSubscription bool, now time.Time) (Key, bool, error) {
	if _, err := lockProduct(ctx, tx, productID); err != nil {
		return Key{}, false, err
	}

	k, held, err := HasAssignedKey(ctx, tx, productID, userID)
	if err != nil {
		return Key{}, false, err
	}
	if !held {
		k, err := Allocate(ctx, tx, productID, userID, viaSubscription, now)
		return k, err == nil, err
	}

	if k.SubscriptionAssigned && !viaSubscription {
		const q = `UPDATE product_keys SET subscription_assigned = FALSE WHERE key_id = $1`
		if _, err := database.ExecContext(ctx, tx, q, k.ID); err != nil {
			return Key{}, false, fmt.Errorf("converting key[%s] to purchased: %w", k.ID, err)
		}
		k.SubscriptionAssigned = false
	}
	return k, false, nil
}

// Release returns the key to the pool. Releasing an unused key is a no-op
// that reports false.
func Release(ctx context.Context, tx sqlx.ExtContext, keyID string, now time.Time) (bool, error) {
	var productID string
	if err := database.GetContext(ctx, tx, &productID, `SELECT product_id FROM product_keys WHERE key_id = $1`, keyID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("selecting key[%s]: %w", keyID, err)
	}

	if _, err := lockProduct(ctx, tx, productID); err != nil {
		return false, err
	}

	const q = `
	UPDATE product_keys
	SET is_used = FALSE, used_by = NULL, used_at = NULL, subscription_assigned = FALSE
	WHERE key_id = $1 AND is_used`

	n, err := database.ExecContext(ctx, tx, q, keyID)
	if err != nil {
		return false, fmt.Errorf("releasing key[%s]: %w", keyID, err)
	}
	if n == 0 {
		return false, nil
	}

	if err := refreshCount(ctx, tx, productID, now); err != nil {
		return false, err
	}
	return true, nil
}

// HasAssignedKey reports the key userID currently holds for productID.
func HasAssignedKey(ctx context.Context, db sqlx.QueryerContext, productID, userID string) (Key, bool, error) {
	q := `
	SELECT ` + keyColumns + `
	FROM product_keys
	WHERE product_id = $1 AND used_by = $2 AND is_used
	ORDER BY used_at
	LIMIT 1`

	var k Key
	if err := database.GetContext(ctx, db, &k, q, productID, userID); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Key{}, false, nil
		}
		return Key{}, false, fmt.Errorf("selecting key of user[%s] for product[%s]: %w", userID, productID, err)
	}
	return k, true, nil
}

// HeldByUser lists every key userID holds.
func HeldByUser(ctx context.Context, db sqlx.QueryerContext, userID string) ([]Key, error) {
	q := `
	SELECT ` + keyColumns + `
	FROM product_keys
	WHERE used_by = $1 AND is_used
	ORDER BY used_at`

	keys := []Key{}
	if err := database.SelectContext(ctx, db, &keys, q, userID); err != nil {
		return nil, fmt.Errorf("selecting keys of user[%s]: %w", userID, err)
	}
	return keys, nil
}

// ReleaseSubscriptionKeys releases the subscription assigned keys of userID,
// except those of the products in keep. It returns the released keys.
func ReleaseSubscriptionKeys(ctx context.Context, tx sqlx.ExtContext, userID string, keep []string, now time.Time) ([]Key, error) {
	if keep == nil {
		keep = []string{}
	}

	const qp = `
	SELECT DISTINCT product_id
	FROM product_keys
	WHERE used_by = $1 AND is_used AND subscription_assigned AND NOT (product_id = ANY($2::uuid[]))
	ORDER BY product_id`

	var products []string
	if err := database.SelectContext(ctx, tx, &products, qp, userID, pq.Array(keep)); err != nil {
		return nil, fmt.Errorf("selecting subscription products of user[%s]: %w", userID, err)
	}

	released := []Key{}
	for _, productID := range products {
		if _, err := lockProduct(ctx, tx, productID); err != nil {
			return nil, err
		}

		q := `
		UPDATE product_keys
		SET is_used = FALSE, used_by = NULL, used_at = NULL, subscription_assigned = FALSE
		WHERE product_id = $1 AND used_by = $2 AND is_used AND subscription_assigned
		RETURNING ` + keyColumns

		var keys []Key
		if err := database.SelectContext(ctx, tx, &keys, q, productID, userID); err != nil {
			return nil, fmt.Errorf("releasing subscription keys of user[%s] for product[%s]: %w", userID, productID, err)
		}

		if err := refreshCount(ctx, tx, productID, now); err != nil {
			return nil, err
		}
		released = append(released, keys...)
	}

	return released, nil
}

func CountAvailable(ctx context.Context, db sqlx.QueryerContext, productID string) (int, error) {
	const q = `SELECT count(*) FROM product_keys WHERE product_id = $1 AND NOT is_used`

	var n int
	if err := database.GetContext(ctx, db, &n, q, productID); err != nil {
		return 0, fmt.Errorf("counting keys of product[%s]: %w", productID, err)
	}
	return n, nil
}
