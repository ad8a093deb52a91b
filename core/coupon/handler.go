package coupon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

type EvaluationNew struct {
	Code  string         `json:"code" validate:"required"`
	Items []cart.ItemRef `json:"items" validate:"required,min=1,dive"`
}

// HandleEvaluate previews a coupon against a cart. Nothing is consumed; the
// order transaction evaluates the code again.
func HandleEvaluate(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var en EvaluationNew
		if err := web.Decode(w, r, &en); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(en); err != nil {
			return weberr.Unprocessable(err)
		}

		snap, err := cart.Price(ctx, db, en.Items)
		if err != nil {
			if errors.Is(err, cart.ErrDuplicate) || errors.Is(err, cart.ErrEmpty) {
				return weberr.Unprocessable(err)
			}
			return weberr.NotFound(err)
		}

		ev, err := Evaluate(ctx, db, snap, en.Code, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("evaluating coupon %q: %w", en.Code, err)
		}
		return web.Respond(ctx, w, ev, http.StatusOK)
	}
}

func HandleCreate(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var cn CouponNew
		if err := web.Decode(w, r, &cn); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(cn); err != nil {
			return weberr.Unprocessable(err)
		}

		var c Coupon
		err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
			var err error
			c, err = Create(ctx, tx, cn, time.Now().UTC())
			return err
		})
		if err != nil {
			switch {
			case errors.Is(err, database.ErrDBDuplicatedEntry):
				return weberr.Conflict(fmt.Errorf("coupon %s already exists", cn.Code))
			case errors.Is(err, ErrPercentRange):
				return weberr.Unprocessable(ErrPercentRange)
			}
			return fmt.Errorf("creating coupon %s: %w", cn.Code, err)
		}
		return web.Respond(ctx, w, c, http.StatusCreated)
	}
}
