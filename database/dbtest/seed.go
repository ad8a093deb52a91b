package dbtest

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Course inserts a course priced at price minor units and returns its id.
func Course(t *testing.T, db *sqlx.DB, name string, price int64) string {
	t.Helper()

	id := uuid.NewString()
	now := time.Now().UTC()
	const q = `INSERT INTO courses (course_id, name, price, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`
	if _, err := db.Exec(q, id, name, price, now); err != nil {
		t.Fatalf("seeding course %q: %v", name, err)
	}
	return id
}

// Product inserts a stocked digital product with keys unused keys.
func Product(t *testing.T, db *sqlx.DB, name string, price int64, keys int) string {
	t.Helper()

	id := uuid.NewString()
	now := time.Now().UTC()
	const q = `
	INSERT INTO digital_products (product_id, name, price, stocked, inventory_count, created_at, updated_at)
	VALUES ($1, $2, $3, TRUE, $4, $5, $5)`
	if _, err := db.Exec(q, id, name, price, keys, now); err != nil {
		t.Fatalf("seeding product %q: %v", name, err)
	}

	AddKeys(t, db, id, keys)
	return id
}

// AddKeys inserts n unused keys for product and refreshes its cached count.
func AddKeys(t *testing.T, db *sqlx.DB, productID string, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		const q = `INSERT INTO product_keys (key_id, product_id, key_value, created_at) VALUES ($1, $2, $3, $4)`
		if _, err := db.Exec(q, id, productID, fmt.Sprintf("KEY-%s", id), now.Add(time.Duration(i)*time.Microsecond)); err != nil {
			t.Fatalf("seeding key for product %s: %v", productID, err)
		}
		ids = append(ids, id)
	}

	const qc = `
	UPDATE digital_products
	SET inventory_count = (SELECT count(*) FROM product_keys WHERE product_id = $1 AND NOT is_used)
	WHERE product_id = $1`
	if _, err := db.Exec(qc, productID); err != nil {
		t.Fatalf("recounting product %s: %v", productID, err)
	}
	return ids
}

// Plan inserts a subscription plan bundling the given courses and products.
func Plan(t *testing.T, db *sqlx.DB, monthly, yearly int64, courseIDs, productIDs []string) string {
	t.Helper()

	id := uuid.NewString()
	now := time.Now().UTC()
	const q = `
	INSERT INTO subscription_plans (plan_id, name, price_monthly, price_yearly, created_at, updated_at)
	VALUES ($1, 'plan', $2, $3, $4, $4)`
	if _, err := db.Exec(q, id, monthly, yearly, now); err != nil {
		t.Fatalf("seeding plan: %v", err)
	}
	for _, c := range courseIDs {
		if _, err := db.Exec(`INSERT INTO plan_courses (plan_id, course_id) VALUES ($1, $2)`, id, c); err != nil {
			t.Fatalf("seeding plan course: %v", err)
		}
	}
	for _, p := range productIDs {
		if _, err := db.Exec(`INSERT INTO plan_products (plan_id, product_id) VALUES ($1, $2)`, id, p); err != nil {
			t.Fatalf("seeding plan product: %v", err)
		}
	}
	return id
}

// Available counts unused keys of product.
func Available(t *testing.T, db *sqlx.DB, productID string) int {
	t.Helper()

	var n int
	if err := db.Get(&n, `SELECT count(*) FROM product_keys WHERE product_id = $1 AND NOT is_used`, productID); err != nil {
		t.Fatalf("counting keys of product %s: %v", productID, err)
	}
	return n
}
