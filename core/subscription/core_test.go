package subscription

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/entitlement"
	"github.com/irsalhamdi/e-commerce-entitlement/core/plan"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/database/dbtest"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(dbtest.Main(m))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCore(db *sqlx.DB) (*Core, *clock) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	clk := &clock{t: time.Now().UTC().Truncate(time.Microsecond)}
	return NewCore(Config{Log: log, DB: db, Now: clk.Now}), clk
}

func user() claims.Claims {
	return claims.Claims{UserID: uuid.NewString(), Role: claims.RoleUser, Email: "member@example.com"}
}

func TestCreatePendingOneActive(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	core, _ := newCore(db)

	planID := dbtest.Plan(t, db, 1500, 15000, nil, nil)
	usr := user()

	first, err := core.CreatePending(ctx, usr, planID, plan.Yearly)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), first.Price)
	assert.Equal(t, Pending, first.PaymentStatus)
	assert.Nil(t, first.StartsAt)

	_, err = core.Activate(ctx, first.ID, "pay_1")
	require.NoError(t, err)

	_, err = core.CreatePending(ctx, usr, planID, plan.Monthly)
	assert.ErrorIs(t, err, ErrActiveSubscription)

	var n int
	require.NoError(t, db.Get(&n, `SELECT count(*) FROM subscriptions WHERE user_id = $1`, usr.UserID))
	assert.Equal(t, 1, n)

	_, err = core.CreatePending(ctx, user(), uuid.NewString(), plan.Monthly)
	assert.ErrorIs(t, err, plan.ErrNotFound)
}

func TestCreatePendingAfterUnsweptLapse(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	core, clk := newCore(db)

	courseID := dbtest.Course(t, db, "Go", 1000)
	productID := dbtest.Product(t, db, "Editor", 900, 1)
	planID := dbtest.Plan(t, db, 1500, 15000, []string{courseID}, []string{productID})
	usr := user()

	first, err := core.CreatePending(ctx, usr, planID, plan.Monthly)
	require.NoError(t, err)
	_, err = core.Activate(ctx, first.ID, "pay_1")
	require.NoError(t, err)
	assert.Zero(t, dbtest.Available(t, db, productID))

	clk.Advance(32 * 24 * time.Hour)

	second, err := core.CreatePending(ctx, usr, planID, plan.Monthly)
	require.NoError(t, err, "a lapsed membership must not block a new one")

	old, err := Fetch(ctx, db, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	require.NotNil(t, old.ExpiredAt)
	assert.Equal(t, 1, dbtest.Available(t, db, productID), "key released by the inline expiry")

	act, err := core.Activate(ctx, second.ID, "pay_2")
	require.NoError(t, err)
	assert.True(t, act.Subscription.IsActive)

	n, err := core.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActivateBulkGrantIsIdempotent(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	core, clk := newCore(db)

	courseID := dbtest.Course(t, db, "Go", 1000)
	stocked := dbtest.Product(t, db, "Editor", 900, 2)
	empty := dbtest.Product(t, db, "Empty", 900, 0)
	planID := dbtest.Plan(t, db, 1500, 15000, []string{courseID}, []string{stocked, empty})
	usr := user()

	sub, err := core.CreatePending(ctx, usr, planID, plan.Monthly)
	require.NoError(t, err)

	act, err := core.Activate(ctx, sub.ID, "pay_1")
	require.NoError(t, err)
	assert.False(t, act.AlreadyActive)
	assert.Equal(t, []string{courseID}, act.Courses)
	require.Len(t, act.Keys, 1)
	assert.Equal(t, stocked, act.Keys[0].ProductID)
	assert.True(t, act.Keys[0].SubscriptionAssigned)
	assert.Equal(t, []string{empty}, act.Shortfalls)

	got := act.Subscription
	assert.True(t, got.IsActive)
	assert.Equal(t, Completed, got.PaymentStatus)
	require.NotNil(t, got.StartsAt)
	require.NotNil(t, got.EndsAt)
	assert.True(t, got.StartsAt.Equal(clk.Now()))
	assert.True(t, got.EndsAt.Equal(clk.Now().AddDate(0, 1, 0)))

	again, err := core.Activate(ctx, sub.ID, "pay_1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyActive)
	assert.Equal(t, 1, dbtest.Available(t, db, stocked))

	l, err := entitlement.ListForUser(ctx, db, usr.UserID)
	require.NoError(t, err)
	require.Len(t, l.Courses, 1)
	assert.Equal(t, entitlement.Subscription, l.Courses[0].GrantedVia)
}

func TestCancelKeepsAccessUntilEnd(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	core, clk := newCore(db)

	courseID := dbtest.Course(t, db, "Go", 1000)
	productID := dbtest.Product(t, db, "Editor", 900, 1)
	planID := dbtest.Plan(t, db, 1500, 15000, []string{courseID}, []string{productID})
	usr := user()

	sub, err := core.CreatePending(ctx, usr, planID, plan.Monthly)
	require.NoError(t, err)
	_, err = core.Activate(ctx, sub.ID, "pay_1")
	require.NoError(t, err)

	canceled, err := core.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, canceled.IsActive)
	assert.Equal(t, Canceled, canceled.PaymentStatus)
	assert.NotNil(t, canceled.CanceledAt)

	_, err = core.Cancel(ctx, sub.ID)
	require.NoError(t, err, "second cancel")

	clk.Advance(20 * 24 * time.Hour)
	ok, err := IncludesCourse(ctx, db, usr.UserID, courseID, clk.Now())
	require.NoError(t, err)
	assert.True(t, ok, "course access during grace")

	_, held, err := productkey.HasAssignedKey(ctx, db, productID, usr.UserID)
	require.NoError(t, err)
	assert.True(t, held, "key kept during grace")

	clk.Advance(15 * 24 * time.Hour)
	ok, err = IncludesCourse(ctx, db, usr.UserID, courseID, clk.Now())
	require.NoError(t, err)
	assert.False(t, ok, "course access after end")

	n, err := core.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, held, err = productkey.HasAssignedKey(ctx, db, productID, usr.UserID)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, 1, dbtest.Available(t, db, productID))

	_, ok, err = entitlement.DirectCourse(ctx, db, usr.UserID, courseID)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = core.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireKeepsPurchasedAccess(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	core, _ := newCore(db)

	courseID := dbtest.Course(t, db, "Go", 1000)
	productID := dbtest.Product(t, db, "Editor", 900, 2)
	planID := dbtest.Plan(t, db, 1500, 15000, []string{courseID}, nil)
	usr := user()

	require.NoError(t, func() error {
		_, err := entitlement.GrantCourse(ctx, db, usr.UserID, courseID, entitlement.Purchase, entitlement.Source{}, time.Now())
		return err
	}())

	sub, err := core.CreatePending(ctx, usr, planID, plan.Monthly)
	require.NoError(t, err)
	_, err = core.Activate(ctx, sub.ID, "")
	require.NoError(t, err)

	tx := db.MustBegin()
	_, err = productkey.Allocate(ctx, tx, productID, usr.UserID, false, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	exp, err := core.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, exp.ReleasedKeys)
	assert.Zero(t, exp.RevokedCourses)

	e, ok, err := entitlement.DirectCourse(ctx, db, usr.UserID, courseID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entitlement.Purchase, e.GrantedVia)

	again, err := core.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyExpired)
}

func TestFailAndTransitions(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	core, _ := newCore(db)

	planID := dbtest.Plan(t, db, 1500, 15000, nil, nil)

	sub, err := core.CreatePending(ctx, user(), planID, plan.Monthly)
	require.NoError(t, err)

	_, err = core.Expire(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed, err := core.Fail(ctx, sub.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, Failed, failed.PaymentStatus)

	_, err = core.Activate(ctx, sub.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = core.Activate(ctx, uuid.NewString(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentCreateActivate(t *testing.T) {
	db := dbtest.DB(t)
	ctx := context.Background()
	core, _ := newCore(db)

	planID := dbtest.Plan(t, db, 1500, 15000, nil, nil)
	usr := user()

	active, err := core.CreatePending(ctx, usr, planID, plan.Monthly)
	require.NoError(t, err)
	_, err = core.Activate(ctx, active.ID, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = core.CreatePending(ctx, usr, planID, plan.Monthly)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrActiveSubscription), "got %v", err)
	}
}
