// Package dbtest runs a throwaway postgres container for package tests.
//
// A package opts in with
//
//	func TestMain(m *testing.M) { os.Exit(dbtest.Main(m)) }
//
// and every test then calls DB(t) for a migrated, truncated database. When
// docker is not reachable the tests calling DB are skipped.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/jmoiron/sqlx"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

var (
	shared    *sqlx.DB
	sharedCfg config.DB
	skipWhy   string
)

const truncate = `TRUNCATE
	product_entitlements, course_entitlements, order_items, orders, subscriptions,
	coupon_items, coupons, plan_products, plan_courses, subscription_plans,
	product_keys, digital_products, courses
	RESTART IDENTITY CASCADE`

func Main(m *testing.M) int {
	pool, err := dockertest.NewPool("")
	if err != nil {
		skipWhy = fmt.Sprintf("docker unavailable: %v", err)
		return m.Run()
	}
	if err := pool.Client.Ping(); err != nil {
		skipWhy = fmt.Sprintf("docker unavailable: %v", err)
		return m.Run()
	}

	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15-alpine",
		Env: []string{
			"POSTGRES_USER=postgres",
			"POSTGRES_PASSWORD=postgres",
			"POSTGRES_DB=entitlement_test",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		skipWhy = fmt.Sprintf("starting postgres container: %v", err)
		return m.Run()
	}
	_ = res.Expire(300)

	sharedCfg = config.DB{
		User:         "postgres",
		Password:     "postgres",
		Host:         res.GetHostPort("5432/tcp"),
		Name:         "entitlement_test",
		MaxIdleConns: 2,
		MaxOpenConns: 20,
		DisableTLS:   true,
	}

	pool.MaxWait = 60 * time.Second
	err = pool.Retry(func() error {
		db, err := database.Open(sharedCfg)
		if err != nil {
			return err
		}
		if err := database.StatusCheck(context.Background(), db); err != nil {
			db.Close()
			return err
		}
		shared = db
		return nil
	})
	if err != nil {
		_ = pool.Purge(res)
		fmt.Fprintf(os.Stderr, "postgres never became ready: %v\n", err)
		return 1
	}

	if err := database.Migrate(shared); err != nil {
		_ = pool.Purge(res)
		fmt.Fprintf(os.Stderr, "migrating test database: %v\n", err)
		return 1
	}

	code := m.Run()

	shared.Close()
	if err := pool.Purge(res); err != nil {
		fmt.Fprintf(os.Stderr, "purging postgres container: %v\n", err)
	}
	return code
}

// DB returns the shared database with every table emptied.
func DB(t *testing.T) *sqlx.DB {
	t.Helper()

	if shared == nil {
		if skipWhy == "" {
			skipWhy = "dbtest.Main was not called from TestMain"
		}
		t.Skip(skipWhy)
	}

	if _, err := shared.Exec(truncate); err != nil {
		t.Fatalf("truncating tables: %v", err)
	}
	return shared
}

// URL is the connection string of the shared database, for clients that
// do not go through sqlx.
func URL(t *testing.T) string {
	t.Helper()
	if shared == nil {
		t.Skip(skipWhy)
	}
	return database.URL(sharedCfg)
}
