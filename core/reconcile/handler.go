package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/order"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/irsalhamdi/e-commerce-entitlement/core/subscription"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/stripe/stripe-go/v74/webhook"
)

func HandleStripeWebhook(rc *Reconciler, cfg config.Stripe) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			return weberr.BadRequest(fmt.Errorf("cannot read the request body: %w", err))
		}

		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			return weberr.BadRequest(errors.New("received stripe event is not signed"))
		}

		event, err := webhook.ConstructEvent(b, sig, cfg.WebhookSecret)
		if err != nil {
			return weberr.BadRequest(fmt.Errorf("cannot construct stripe event: %w", err))
		}

		out, err := rc.HandleStripeEvent(ctx, event)
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, out, http.StatusOK)
	}
}

func HandlePaypalCapture(rc *Reconciler) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		out, err := rc.CapturePaypal(ctx, usr.UserID, web.Param(r, "id"))
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, out, http.StatusOK)
	}
}

type Verification struct {
	Reference string `json:"reference" validate:"max=255"`
}

type Rejection struct {
	Reason string `json:"reason" validate:"max=255"`
}

type RefundNew struct {
	Revoke bool `json:"revoke"`
}

// HandleVerifyOrder confirms a payment an admin checked by hand, such as a
// bank transfer receipt.
func HandleVerifyOrder(orders *order.Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id, err := paramID(r)
		if err != nil {
			return err
		}

		var v Verification
		if err := decode(w, r, &v); err != nil {
			return err
		}
		if v.Reference == "" {
			v.Reference = "manual"
		}

		cmp, err := orders.Complete(ctx, id, v.Reference)
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, cmp, http.StatusOK)
	}
}

func HandleRejectOrder(orders *order.Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id, err := paramID(r)
		if err != nil {
			return err
		}

		var rj Rejection
		if err := decode(w, r, &rj); err != nil {
			return err
		}
		if rj.Reason == "" {
			rj.Reason = "rejected by admin"
		}

		ord, err := orders.Fail(ctx, id, rj.Reason)
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, ord, http.StatusOK)
	}
}

func HandleRefundOrder(orders *order.Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id, err := paramID(r)
		if err != nil {
			return err
		}

		var rn RefundNew
		if err := decode(w, r, &rn); err != nil {
			return err
		}

		ord, err := orders.Refund(ctx, id, rn.Revoke)
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, ord, http.StatusOK)
	}
}

func HandleVerifySubscription(subs *subscription.Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id, err := paramID(r)
		if err != nil {
			return err
		}

		var v Verification
		if err := decode(w, r, &v); err != nil {
			return err
		}
		if v.Reference == "" {
			v.Reference = "manual"
		}

		act, err := subs.Activate(ctx, id, v.Reference)
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, act, http.StatusOK)
	}
}

func HandleExpireSubscription(subs *subscription.Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id, err := paramID(r)
		if err != nil {
			return err
		}

		exp, err := subs.Expire(ctx, id)
		if err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, exp, http.StatusOK)
	}
}

func paramID(r *http.Request) (string, error) {
	id := web.Param(r, "id")
	if err := validate.CheckID(id); err != nil {
		return "", weberr.BadRequest(err)
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, val any) error {
	if err := web.Decode(w, r, val); err != nil {
		return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
	}
	if err := validate.Check(val); err != nil {
		return weberr.Unprocessable(err)
	}
	return nil
}

func response(err error) error {
	switch {
	case errors.Is(err, order.ErrNotFound), errors.Is(err, subscription.ErrNotFound):
		return weberr.NotFound(err)
	case errors.Is(err, ErrUnknownReference):
		return weberr.NotFound(err)
	case errors.Is(err, ErrMismatch):
		return weberr.Unprocessable(ErrMismatch)
	case errors.Is(err, ErrNotCaptured):
		return weberr.NewError(err, "the payment was not completed at the provider", http.StatusPaymentRequired)
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, subscription.ErrInvalidTransition):
		return weberr.NewError(err, "the record is not in a state that accepts this payment signal", http.StatusConflict)
	case errors.Is(err, subscription.ErrActiveSubscription):
		return weberr.NewError(err, subscription.ErrActiveSubscription.Error(), http.StatusConflict)
	case errors.Is(err, payment.ErrGateway):
		return weberr.BadGateway(err)
	}
	return err
}
