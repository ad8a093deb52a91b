// Package reconcile turns payment signals into lifecycle transitions. Every
// signal, however often it is delivered, drives at most one transition: the
// status read under the order or subscription row lock decides.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/irsalhamdi/e-commerce-entitlement/core/order"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/irsalhamdi/e-commerce-entitlement/core/subscription"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
)

var (
	ErrUnknownReference = errors.New("payment does not match any order or subscription")
	ErrMismatch         = errors.New("payment metadata does not match the referenced record")
	ErrNotCaptured      = errors.New("payment was not captured")
)

// Stripe event types acted upon. Anything else is acknowledged and ignored.
const (
	SessionCompleted    = "checkout.session.completed"
	SessionAsyncSuccess = "checkout.session.async_payment_succeeded"
	SessionAsyncFailed  = "checkout.session.async_payment_failed"
	SessionExpired      = "checkout.session.expired"
)

type Action string

const (
	Completed Action = "completed"
	Activated Action = "activated"
	Failed    Action = "failed"
	Ignored   Action = "ignored"
	Duplicate Action = "duplicate"
)

// Outcome reports what a signal did.
type Outcome struct {
	Kind      payment.Kind `json:"kind,omitempty"`
	RefID     string       `json:"refId,omitempty"`
	Action    Action       `json:"action"`
	Redundant bool         `json:"redundant"`
}

// Capturer collects an approved PayPal order.
type Capturer interface {
	Capture(ctx context.Context, orderID string) (string, error)
}

type Config struct {
	Log           logrus.FieldLogger
	DB            *sqlx.DB
	Orders        *order.Core
	Subscriptions *subscription.Core
	Events        EventLog
	Paypal        Capturer
}

type Reconciler struct {
	log    logrus.FieldLogger
	db     *sqlx.DB
	orders *order.Core
	subs   *subscription.Core
	events EventLog
	paypal Capturer
}

func New(cfg Config) *Reconciler {
	return &Reconciler{
		log:    cfg.Log,
		db:     cfg.DB,
		orders: cfg.Orders,
		subs:   cfg.Subscriptions,
		events: cfg.Events,
		paypal: cfg.Paypal,
	}
}

// HandleStripeEvent applies a verified Stripe event. An event id is recorded
// in the event log only after its transition committed, so a delivery that
// failed or was cut short is processed again when Stripe retries. Without
// the log the row status still keeps the transition single.
func (rc *Reconciler) HandleStripeEvent(ctx context.Context, evt stripe.Event) (Outcome, error) {
	log := rc.log.WithFields(logrus.Fields{"event_id": evt.ID, "event_type": evt.Type})
	logged := rc.events != nil && evt.ID != ""

	if logged {
		seen, err := rc.events.Seen(ctx, "stripe", evt.ID)
		if err != nil {
			log.WithError(err).Warn("event log unavailable, relying on record status")
		} else if seen {
			log.Info("stripe event already processed")
			return Outcome{Action: Duplicate, Redundant: true}, nil
		}
	}

	out, err := rc.stripeEvent(ctx, evt)
	if err != nil {
		return Outcome{}, err
	}

	if logged {
		if err := rc.events.Record(context.WithoutCancel(ctx), "stripe", evt.ID); err != nil {
			log.WithError(err).Warn("cannot record stripe event")
		}
	}

	log.WithFields(logrus.Fields{
		"kind":      out.Kind,
		"ref_id":    out.RefID,
		"action":    out.Action,
		"redundant": out.Redundant,
	}).Info("stripe event reconciled")
	return out, nil
}

func (rc *Reconciler) stripeEvent(ctx context.Context, evt stripe.Event) (Outcome, error) {
	switch evt.Type {
	case SessionCompleted, SessionAsyncSuccess, SessionAsyncFailed, SessionExpired:
	default:
		return Outcome{Action: Ignored}, nil
	}
	if evt.Data == nil {
		return Outcome{}, errors.New("stripe event without data")
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
		return Outcome{}, fmt.Errorf("decoding checkout session: %w", err)
	}

	kind := payment.Kind(cs.Metadata[payment.MetaKind])
	ref := cs.Metadata[payment.MetaRefID]
	if ref == "" {
		ref = cs.ClientReferenceID
	}
	if kind == "" {
		kind = payment.KindOrder
		if cs.Mode == stripe.CheckoutSessionModeSubscription {
			kind = payment.KindSubscription
		}
	}
	if ref == "" {
		return Outcome{}, fmt.Errorf("%w: session %s carries no reference", ErrUnknownReference, cs.ID)
	}

	if err := rc.checkOwner(ctx, kind, ref, cs.Metadata[payment.MetaUserID]); err != nil {
		return Outcome{}, err
	}

	switch evt.Type {
	case SessionCompleted:
		// Delayed methods confirm later through async_payment_succeeded.
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return Outcome{Kind: kind, RefID: ref, Action: Ignored}, nil
		}
		return rc.confirm(ctx, kind, ref, stripeReference(cs))
	case SessionAsyncSuccess:
		return rc.confirm(ctx, kind, ref, stripeReference(cs))
	default:
		return rc.fail(ctx, kind, ref, string(evt.Type))
	}
}

func stripeReference(cs stripe.CheckoutSession) string {
	switch {
	case cs.PaymentIntent != nil && cs.PaymentIntent.ID != "":
		return cs.PaymentIntent.ID
	case cs.Subscription != nil && cs.Subscription.ID != "":
		return cs.Subscription.ID
	}
	return cs.ID
}

// checkOwner rejects a signal whose user metadata names someone else than
// the owner of the referenced record.
func (rc *Reconciler) checkOwner(ctx context.Context, kind payment.Kind, ref, userID string) error {
	var owner string
	switch kind {
	case payment.KindOrder:
		ord, err := order.Fetch(ctx, rc.db, ref)
		if err != nil {
			return rc.unknown(err, order.ErrNotFound)
		}
		owner = ord.UserID
	case payment.KindSubscription:
		sub, err := subscription.Fetch(ctx, rc.db, ref)
		if err != nil {
			return rc.unknown(err, subscription.ErrNotFound)
		}
		owner = sub.UserID
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownReference, kind)
	}

	if userID != "" && userID != owner {
		return fmt.Errorf("%w: %s[%s] belongs to user[%s], payment names user[%s]", ErrMismatch, kind, ref, owner, userID)
	}
	return nil
}

func (rc *Reconciler) unknown(err, notFound error) error {
	if errors.Is(err, notFound) {
		return fmt.Errorf("%w: %v", ErrUnknownReference, err)
	}
	return err
}

func (rc *Reconciler) confirm(ctx context.Context, kind payment.Kind, ref, reference string) (Outcome, error) {
	out := Outcome{Kind: kind, RefID: ref}

	switch kind {
	case payment.KindOrder:
		cmp, err := rc.orders.Complete(ctx, ref, reference)
		if err != nil {
			return Outcome{}, err
		}
		out.Action, out.Redundant = Completed, cmp.AlreadyCompleted
	case payment.KindSubscription:
		act, err := rc.subs.Activate(ctx, ref, reference)
		if err != nil {
			return Outcome{}, err
		}
		out.Action, out.Redundant = Activated, act.AlreadyActive
	}
	return out, nil
}

// fail closes a pending record. A failure signal for a record that already
// moved on, such as an expired session of a retried order that was paid
// through its newer session, is acknowledged without a transition.
func (rc *Reconciler) fail(ctx context.Context, kind payment.Kind, ref, reason string) (Outcome, error) {
	out := Outcome{Kind: kind, RefID: ref, Action: Failed}

	var err error
	switch kind {
	case payment.KindOrder:
		_, err = rc.orders.Fail(ctx, ref, reason)
		if errors.Is(err, order.ErrInvalidTransition) {
			return Outcome{Kind: kind, RefID: ref, Action: Ignored, Redundant: true}, nil
		}
	case payment.KindSubscription:
		_, err = rc.subs.Fail(ctx, ref, reason)
		if errors.Is(err, subscription.ErrInvalidTransition) {
			return Outcome{Kind: kind, RefID: ref, Action: Ignored, Redundant: true}, nil
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// CapturePaypal collects the PayPal order paying one of userID's pending
// orders or memberships and confirms it. A record that is already paid is
// answered without calling PayPal again.
func (rc *Reconciler) CapturePaypal(ctx context.Context, userID, paypalOrderID string) (Outcome, error) {
	if rc.paypal == nil {
		return Outcome{}, fmt.Errorf("%w: paypal is not configured", payment.ErrGateway)
	}

	kind, ref, owner, paid, err := rc.bySession(ctx, paypalOrderID)
	if err != nil {
		return Outcome{}, err
	}
	if owner != userID {
		return Outcome{}, fmt.Errorf("%w: session %s", ErrUnknownReference, paypalOrderID)
	}
	if paid {
		return rc.confirm(ctx, kind, ref, paypalOrderID)
	}

	status, err := rc.paypal.Capture(ctx, paypalOrderID)
	if err != nil {
		return Outcome{}, err
	}
	if status != payment.CaptureCompleted {
		return Outcome{}, fmt.Errorf("%w: paypal order %s is %s", ErrNotCaptured, paypalOrderID, status)
	}

	out, err := rc.confirm(ctx, kind, ref, paypalOrderID)
	if err != nil {
		return Outcome{}, err
	}

	rc.log.WithFields(logrus.Fields{
		"paypal_order_id": paypalOrderID,
		"kind":            out.Kind,
		"ref_id":          out.RefID,
		"redundant":       out.Redundant,
	}).Info("paypal capture reconciled")
	return out, nil
}

func (rc *Reconciler) bySession(ctx context.Context, sessionID string) (kind payment.Kind, ref, owner string, paid bool, err error) {
	ord, err := order.FetchBySession(ctx, rc.db, sessionID)
	switch {
	case err == nil:
		return payment.KindOrder, ord.ID, ord.UserID, ord.PaymentStatus == order.Completed, nil
	case !errors.Is(err, order.ErrNotFound):
		return "", "", "", false, err
	}

	sub, err := subscription.FetchBySession(ctx, rc.db, sessionID)
	switch {
	case err == nil:
		return payment.KindSubscription, sub.ID, sub.UserID, sub.PaymentStatus == subscription.Completed, nil
	case errors.Is(err, subscription.ErrNotFound):
		return "", "", "", false, fmt.Errorf("%w: session %s", ErrUnknownReference, sessionID)
	}
	return "", "", "", false, err
}
