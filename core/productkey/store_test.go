package productkey

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/database/dbtest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(dbtest.Main(m))
}

func allocate(db *sqlx.DB, productID, userID string, viaSub bool) (Key, error) {
	var k Key
	err := database.Transaction(context.Background(), db, func(tx sqlx.ExtContext) error {
		var err error
		k, err = Allocate(context.Background(), tx, productID, userID, viaSub, time.Now().UTC())
		return err
	})
	return k, err
}

func release(db *sqlx.DB, keyID string) (bool, error) {
	var ok bool
	err := database.Transaction(context.Background(), db, func(tx sqlx.ExtContext) error {
		var err error
		ok, err = Release(context.Background(), tx, keyID, time.Now().UTC())
		return err
	})
	return ok, err
}

func inventory(t *testing.T, db *sqlx.DB, productID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT inventory_count FROM digital_products WHERE product_id = $1`, productID))
	return n
}

func TestAllocateIsExclusive(t *testing.T) {
	db := dbtest.DB(t)

	const keys, callers = 3, 12
	productID := dbtest.Product(t, db, "Editor", 900, keys)

	var (
		mu        sync.Mutex
		won       = map[string]string{}
		exhausted int
		wg        sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := uuid.NewString()
			k, err := allocate(db, productID, user, false)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoKeyAvailable):
				exhausted++
			case err != nil:
				t.Errorf("allocate: %v", err)
			default:
				if prev, dup := won[k.ID]; dup {
					t.Errorf("key %s assigned to %s and %s", k.ID, prev, user)
				}
				won[k.ID] = user
			}
		}()
	}
	wg.Wait()

	assert.Len(t, won, keys)
	assert.Equal(t, callers-keys, exhausted)
	assert.Zero(t, inventory(t, db, productID))
}

func TestAllocateStampsHolder(t *testing.T) {
	db := dbtest.DB(t)
	productID := dbtest.Product(t, db, "Editor", 900, 2)
	user := uuid.NewString()

	k, err := allocate(db, productID, user, true)
	require.NoError(t, err)
	assert.True(t, k.IsUsed)
	assert.True(t, k.SubscriptionAssigned)
	require.NotNil(t, k.UsedBy)
	assert.Equal(t, user, *k.UsedBy)
	assert.Equal(t, 1, inventory(t, db, productID))

	held, ok, err := HasAssignedKey(context.Background(), db, productID, user)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, k.ID, held.ID)

	_, ok, err = HasAssignedKey(context.Background(), db, productID, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocateUnknownProduct(t *testing.T) {
	db := dbtest.DB(t)

	_, err := allocate(db, uuid.NewString(), uuid.NewString(), false)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestReleaseIsIdempotent(t *testing.T) {
	db := dbtest.DB(t)
	productID := dbtest.Product(t, db, "Editor", 900, 1)

	k, err := allocate(db, productID, uuid.NewString(), true)
	require.NoError(t, err)
	assert.Zero(t, inventory(t, db, productID))

	ok, err := release(db, k.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, inventory(t, db, productID))

	var before Key
	require.NoError(t, db.Get(&before, `SELECT `+keyColumns+` FROM product_keys WHERE key_id = $1`, k.ID))

	ok, err = release(db, k.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	var after Key
	require.NoError(t, db.Get(&after, `SELECT `+keyColumns+` FROM product_keys WHERE key_id = $1`, k.ID))
	assert.Equal(t, before, after)
	assert.False(t, after.SubscriptionAssigned)
	assert.Nil(t, after.UsedBy)

	ok, err = release(db, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseSubscriptionKeys(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()

	kept := dbtest.Product(t, db, "Kept", 100, 1)
	dropped := dbtest.Product(t, db, "Dropped", 100, 1)
	bought := dbtest.Product(t, db, "Bought", 100, 1)
	user := uuid.NewString()

	_, err := allocate(db, kept, user, true)
	require.NoError(t, err)
	k, err := allocate(db, dropped, user, true)
	require.NoError(t, err)
	_, err = allocate(db, bought, user, false)
	require.NoError(t, err)

	var released []Key
	require.NoError(t, database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		var err error
		released, err = ReleaseSubscriptionKeys(ctx, tx, user, []string{kept}, time.Now().UTC())
		return err
	}))

	require.Len(t, released, 1)
	assert.Equal(t, k.ID, released[0].ID)
	assert.Equal(t, 1, inventory(t, db, dropped))
	assert.Zero(t, inventory(t, db, kept))
	assert.Zero(t, inventory(t, db, bought))

	held, err := HeldByUser(ctx, db, user)
	require.NoError(t, err)
	assert.Len(t, held, 2)
}

func TestImport(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dbtest.URL(t))
	require.NoError(t, err)
	defer pool.Close()

	productID := dbtest.Product(t, db, "Editor", 900, 1)

	values, err := Generate(3)
	require.NoError(t, err)
	for _, v := range values {
		assert.Regexp(t, `^[0-9A-Z]{5}(-[0-9A-Z]{5}){3}$`, v)
	}

	n, err := Import(ctx, pool, productID, append(values, values[0], "  "), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, inventory(t, db, productID))

	avail, err := CountAvailable(ctx, db, productID)
	require.NoError(t, err)
	assert.Equal(t, 4, avail)

	_, err = Import(ctx, pool, uuid.NewString(), values, time.Now().UTC())
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestAcquire(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	productID := dbtest.Product(t, db, "Editor", 900, 2)
	user := uuid.NewString()

	acquire := func(viaSub bool) (Key, bool) {
		t.Helper()
		var (
			k     Key
			fresh bool
		)
		require.NoError(t, database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
			var err error
			k, fresh, err = Acquire(ctx, tx, productID, user, viaSub, time.Now().UTC())
			return err
		}))
		return k, fresh
	}

	first, fresh := acquire(true)
	assert.True(t, fresh)
	assert.True(t, first.SubscriptionAssigned)

	again, fresh := acquire(true)
	assert.False(t, fresh)
	assert.Equal(t, first.ID, again.ID)

	bought, fresh := acquire(false)
	assert.False(t, fresh)
	assert.Equal(t, first.ID, bought.ID)
	assert.False(t, bought.SubscriptionAssigned)
	assert.Equal(t, 1, inventory(t, db, productID))

	var released []Key
	require.NoError(t, database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		var err error
		released, err = ReleaseSubscriptionKeys(ctx, tx, user, nil, time.Now().UTC())
		return err
	}))
	assert.Empty(t, released, "purchased key survives the release pass")
}
