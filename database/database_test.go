package database_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/database/dbtest"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(dbtest.Main(m))
}

func insertCourse(ctx context.Context, tx sqlx.ExtContext, id string) error {
	now := time.Now().UTC()
	_, err := database.ExecContext(ctx, tx, `INSERT INTO courses (course_id, name, price, created_at, updated_at) VALUES ($1, 'Go', 100, $2, $2)`, id, now)
	return err
}

func courseCount(t *testing.T, db *sqlx.DB, id string) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT count(*) FROM courses WHERE course_id = $1`, id))
	return n
}

func TestTransaction(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()

	committed := uuid.NewString()
	err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		return insertCourse(ctx, tx, committed)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, courseCount(t, db, committed))

	boom := errors.New("boom")
	rolledBack := uuid.NewString()
	err = database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		if err := insertCourse(ctx, tx, rolledBack); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, courseCount(t, db, rolledBack))
}

func TestTransactionHonorsContext(t *testing.T) {
	db := dbtest.DB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)

	// Canceling mid transaction rolls the work back.
	ctx, cancel = context.WithCancel(context.Background())
	id := uuid.NewString()
	err = database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		if err := insertCourse(ctx, tx, id); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 0, courseCount(t, db, id))
}
