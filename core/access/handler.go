package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/course"
	"github.com/irsalhamdi/e-commerce-entitlement/core/product"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

func HandleCourse(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}
		if _, err := course.Fetch(ctx, db, id); err != nil {
			if errors.Is(err, course.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return err
		}

		dec, err := Course(ctx, db, usr.UserID, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("checking access of user[%s] to course[%s]: %w", usr.UserID, id, err)
		}
		return web.Respond(ctx, w, dec, http.StatusOK)
	}
}

func HandleProduct(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}
		if _, err := product.Fetch(ctx, db, id); err != nil {
			if errors.Is(err, product.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return err
		}

		dec, err := Product(ctx, db, usr.UserID, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("checking access of user[%s] to product[%s]: %w", usr.UserID, id, err)
		}
		return web.Respond(ctx, w, dec, http.StatusOK)
	}
}

// HandleKey delivers the caller's key for a product, allocating one on
// first use through a plan or after a restock.
func HandleKey(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		d, err := AllocateOrFetchKey(ctx, db, usr.UserID, id, time.Now().UTC())
		switch {
		case errors.Is(err, ErrNotEntitled):
			return weberr.Forbidden(err)
		case errors.Is(err, productkey.ErrProductNotFound):
			return weberr.NotFound(err)
		case errors.Is(err, productkey.ErrNoKeyAvailable):
			return weberr.NewError(err, "no key is available for this product yet, try again later", http.StatusConflict)
		case errors.Is(err, productkey.ErrUnstocked):
			return weberr.Unprocessable(errors.New("this product is delivered without a key"))
		case err != nil:
			return err
		}

		status := http.StatusOK
		if d.NewlyIssued {
			status = http.StatusCreated
		}
		return web.Respond(ctx, w, d, status)
	}
}
