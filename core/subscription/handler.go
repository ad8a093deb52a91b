package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/irsalhamdi/e-commerce-entitlement/core/plan"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

// Gateways maps a payment method name to its processor.
type Gateways map[string]payment.Gateway

type CheckoutNew struct {
	SubscriptionNew
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,oneof=stripe paypal"`
}

type Checkout struct {
	Subscription Subscription     `json:"subscription"`
	Session      *payment.Session `json:"session,omitempty"`
}

var intervals = map[plan.BillingCycle]payment.Interval{
	plan.Monthly: payment.Month,
	plan.Yearly:  payment.Year,
}

// HandleCreate opens a pending membership and a recurring payable session
// for it. A session failure leaves the membership pending; the user may
// cancel it and retry.
func HandleCreate(db *sqlx.DB, core *Core, gws Gateways) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		var cn CheckoutNew
		if err := web.Decode(w, r, &cn); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(cn); err != nil {
			return weberr.Unprocessable(err)
		}
		if cn.PaymentMethod == "" {
			cn.PaymentMethod = "stripe"
		}

		gw := gws[cn.PaymentMethod]
		if gw == nil {
			return weberr.Unprocessable(fmt.Errorf("payment method %s is not available", cn.PaymentMethod))
		}

		cycle, err := plan.ParseCycle(cn.BillingCycle)
		if err != nil {
			return weberr.Unprocessable(err)
		}

		sub, err := core.CreatePending(ctx, usr, cn.PlanID, cycle)
		if err != nil {
			return response(err)
		}

		if sub.Price == 0 {
			act, err := core.Activate(ctx, sub.ID, "")
			if err != nil {
				return response(err)
			}
			return web.Respond(ctx, w, Checkout{Subscription: act.Subscription}, http.StatusCreated)
		}

		p, err := plan.Fetch(ctx, db, sub.PlanID)
		if err != nil {
			return fmt.Errorf("fetching plan of subscription[%s]: %w", sub.ID, err)
		}

		s, err := gw.CreateSession(ctx, payment.SessionRequest{
			Kind:        payment.KindSubscription,
			RefID:       sub.ID,
			UserID:      sub.UserID,
			Email:       sub.ContactEmail,
			Description: fmt.Sprintf("%s (%s)", p.Name, sub.BillingCycle),
			Amount:      sub.Price,
			Lines:       []payment.Line{{Name: p.Name, Amount: sub.Price, Quantity: 1}},
			Period:      intervals[sub.BillingCycle],
		})
		if err != nil {
			msg := fmt.Sprintf("the payment provider could not be reached, subscription %s is kept pending", sub.ID)
			return weberr.NewError(err, msg, http.StatusBadGateway, weberr.WithFields(map[string]interface{}{
				"subscription_id": sub.ID,
			}))
		}

		if err := core.AttachSession(ctx, sub.ID, s.ID); err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, Checkout{Subscription: sub, Session: &s}, http.StatusCreated)
	}
}

func HandleCancel(db *sqlx.DB, core *Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		sub, err := owned(ctx, db, web.Param(r, "id"))
		if err != nil {
			return err
		}

		sub, err = core.Cancel(ctx, sub.ID)
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, sub, http.StatusOK)
	}
}

func HandleShow(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		sub, err := owned(ctx, db, web.Param(r, "id"))
		if err != nil {
			return err
		}
		return web.Respond(ctx, w, sub, http.StatusOK)
	}
}

// HandleListLive lists the caller's memberships that grant access now.
func HandleListLive(core *Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		subs, err := core.Live(ctx, usr.UserID)
		if err != nil {
			return fmt.Errorf("listing live subscriptions of user[%s]: %w", usr.UserID, err)
		}
		return web.Respond(ctx, w, subs, http.StatusOK)
	}
}

func owned(ctx context.Context, db sqlx.QueryerContext, id string) (Subscription, error) {
	if err := validate.CheckID(id); err != nil {
		return Subscription{}, weberr.BadRequest(err)
	}

	sub, err := Fetch(ctx, db, id)
	if err != nil {
		return Subscription{}, response(err)
	}
	if !claims.IsUser(ctx, sub.UserID) && !claims.IsAdmin(ctx) {
		return Subscription{}, weberr.NotFound(fmt.Errorf("subscription[%s] belongs to another user", id))
	}
	return sub, nil
}

func response(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, plan.ErrNotFound):
		return weberr.NotFound(err)
	case errors.Is(err, ErrActiveSubscription):
		return weberr.NewError(err, ErrActiveSubscription.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidTransition):
		return weberr.NewError(err, ErrInvalidTransition.Error(), http.StatusConflict)
	}
	return err
}
