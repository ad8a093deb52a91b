package productkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irsalhamdi/e-commerce-entitlement/random"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Import restocks productID with values in a single COPY and returns the
// product's available count afterwards. Blank and repeated values are
// dropped; a value that already exists fails the whole import.
func Import(ctx context.Context, pool *pgxpool.Pool, productID string, values []string, now time.Time) (int, error) {
	pid, err := uuid.Parse(productID)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}

	rows := make([][]any, 0, len(values))
	seen := make(map[string]bool, len(values))
	for i, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		rows = append(rows, []any{uuid.New(), pid, v, now.Add(time.Duration(i) * time.Microsecond)})
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `SELECT product_id FROM digital_products WHERE product_id = $1 FOR UPDATE`, productID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return 0, fmt.Errorf("locking product[%s]: %w", productID, err)
	}

	cols := []string{"key_id", "product_id", "key_value", "created_at"}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"product_keys"}, cols, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copying keys of product[%s]: %w", productID, err)
	}

	if _, err := tx.Exec(ctx, recount, productID, now); err != nil {
		return 0, fmt.Errorf("recounting keys of product[%s]: %w", productID, err)
	}

	var n int
	if err := tx.QueryRow(ctx, `SELECT inventory_count FROM digital_products WHERE product_id = $1`, productID).Scan(&n); err != nil {
		return 0, fmt.Errorf("reading count of product[%s]: %w", productID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return n, nil
}

// Generate returns n random key values shaped XXXXX-XXXXX-XXXXX-XXXXX.
func Generate(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var parts [4]string
		for j := range parts {
			s, err := random.FromCharset(random.Upper, 5)
			if err != nil {
				return nil, fmt.Errorf("generating key: %w", err)
			}
			parts[j] = s
		}
		out = append(out, strings.Join(parts[:], "-"))
	}
	return out, nil
}
