// Package subscription runs plan memberships from creation through expiry.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/entitlement"
	"github.com/irsalhamdi/e-commerce-entitlement/core/plan"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound           = errors.New("subscription not found")
	ErrActiveSubscription = errors.New("user already has an active subscription")
	ErrInvalidTransition  = errors.New("invalid subscription transition")
)

// Hook runs after an activation commits. Its failure never undoes the
// activation.
type Hook func(ctx context.Context, a Activation) error

// Runner starts fire-and-forget work, like background.Background.
type Runner interface {
	Add(fn func() error)
}

type Config struct {
	Log        logrus.FieldLogger
	DB         *sqlx.DB
	Background Runner
	Hooks      []Hook
	Now        func() time.Time
}

type Core struct {
	log   logrus.FieldLogger
	db    *sqlx.DB
	bg    Runner
	hooks []Hook
	now   func() time.Time
}

func NewCore(cfg Config) *Core {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Core{
		log:   cfg.Log,
		db:    cfg.DB,
		bg:    cfg.Background,
		hooks: cfg.Hooks,
		now:   now,
	}
}

// CreatePending opens a membership awaiting payment. The active check and
// the insert share a transaction holding a per user lock, so two racing
// attempts cannot both pass the check.
func (c *Core) CreatePending(ctx context.Context, usr claims.Claims, planID string, cycle plan.BillingCycle) (Subscription, error) {
	var sub Subscription
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		if err := lockUser(ctx, tx, usr.UserID); err != nil {
			return err
		}

		now := c.now()

		active, ok, err := activeForUser(ctx, tx, usr.UserID)
		if err != nil {
			return err
		}
		if ok {
			if active.EndsAt == nil || now.Before(*active.EndsAt) {
				return ErrActiveSubscription
			}

			// Lapsed but not swept yet.
			active, err = fetchForUpdate(ctx, tx, active.ID)
			if err != nil {
				return err
			}
			exp, err := c.expire(ctx, tx, active, now)
			if err != nil {
				return err
			}
			c.log.WithFields(logrus.Fields{
				"subscription_id": active.ID,
				"released_keys":   len(exp.ReleasedKeys),
				"revoked_courses": exp.RevokedCourses,
			}).Info("lapsed subscription expired on renewal")
		}

		p, err := plan.Fetch(ctx, tx, planID)
		if err != nil {
			return err
		}

		sub = Subscription{
			ID:            validate.GenerateID(),
			UserID:        usr.UserID,
			PlanID:        p.ID,
			BillingCycle:  cycle,
			Price:         p.Price(cycle),
			PaymentStatus: Pending,
			ContactEmail:  usr.Email,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return create(ctx, tx, sub)
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("creating subscription of user[%s] to plan[%s]: %w", usr.UserID, planID, err)
	}

	c.log.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"user_id":         sub.UserID,
		"plan_id":         sub.PlanID,
	}).Info("subscription created")
	return sub, nil
}

// AttachSession remembers the payable session of a pending membership.
func (c *Core) AttachSession(ctx context.Context, id, sessionID string) error {
	const q = `
	UPDATE subscriptions SET payment_session_id = $2, updated_at = $3
	WHERE subscription_id = $1 AND payment_status = 'pending'`

	n, err := database.ExecContext(ctx, c.db, q, id, sessionID, c.now())
	if err != nil {
		return fmt.Errorf("attaching session to subscription[%s]: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: subscription[%s] is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// Activate starts the paid period and bulk grants the plan. Repeated
// confirmations return the existing activation untouched. Products without
// a free key are reported as shortfalls; they are allocated on a later
// access through the plan.
func (c *Core) Activate(ctx context.Context, id, reference string) (Activation, error) {
	log := c.log.WithField("subscription_id", id)

	var act Activation
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		sub, err := fetchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		switch sub.PaymentStatus {
		case Completed:
			act = Activation{Subscription: sub, AlreadyActive: true}
			return nil
		case Pending:
		default:
			return fmt.Errorf("%w: activating a %s subscription", ErrInvalidTransition, sub.PaymentStatus)
		}

		now := c.now()
		end := sub.BillingCycle.End(now)
		sub.StartsAt = &now
		sub.EndsAt = &end
		sub.IsActive = true
		sub.PaymentStatus = Completed
		sub.UpdatedAt = now
		if reference != "" {
			sub.PaymentReference = &reference
		}

		if err := update(ctx, tx, sub); err != nil {
			return err
		}

		act, err = c.grant(ctx, tx, sub, now)
		return err
	})
	if err != nil {
		return Activation{}, fmt.Errorf("activating subscription[%s]: %w", id, err)
	}

	if act.AlreadyActive {
		log.Info("subscription already active, confirmation ignored")
		return act, nil
	}

	for _, p := range act.Shortfalls {
		log.WithField("product_id", p).Warn("no key left for plan product, left ungranted")
	}
	log.WithFields(logrus.Fields{
		"user_id": act.Subscription.UserID,
		"courses": len(act.Courses),
		"keys":    len(act.Keys),
	}).Info("subscription activated")

	c.runHooks(ctx, act)
	return act, nil
}

func (c *Core) grant(ctx context.Context, tx sqlx.ExtContext, sub Subscription, now time.Time) (Activation, error) {
	act := Activation{
		Subscription: sub,
		Courses:      []string{},
		Keys:         []productkey.Key{},
		Shortfalls:   []string{},
	}

	p, err := plan.Fetch(ctx, tx, sub.PlanID)
	if err != nil {
		return Activation{}, err
	}

	src := entitlement.Source{SubscriptionID: sub.ID}
	for _, courseID := range p.CourseIDs {
		if _, err := entitlement.GrantCourse(ctx, tx, sub.UserID, courseID, entitlement.Subscription, src, now); err != nil {
			return Activation{}, err
		}
		act.Courses = append(act.Courses, courseID)
	}

	for _, productID := range p.ProductIDs {
		k, fresh, err := productkey.Acquire(ctx, tx, productID, sub.UserID, true, now)
		switch {
		case errors.Is(err, productkey.ErrUnstocked):
		case errors.Is(err, productkey.ErrNoKeyAvailable):
			act.Shortfalls = append(act.Shortfalls, productID)
		case err != nil:
			return Activation{}, err
		case fresh:
			act.Keys = append(act.Keys, k)
		}
	}

	return act, nil
}

func (c *Core) runHooks(ctx context.Context, act Activation) {
	if c.bg == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, h := range c.hooks {
		h := h
		c.bg.Add(func() error { return h(ctx, act) })
	}
}

// Cancel stops renewal. Access and assigned keys stay until EndsAt; a
// pending membership is simply closed. Canceling twice is a no-op.
func (c *Core) Cancel(ctx context.Context, id string) (Subscription, error) {
	var sub Subscription
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		var err error
		if sub, err = fetchForUpdate(ctx, tx, id); err != nil {
			return err
		}

		if sub.ExpiredAt != nil {
			return nil
		}

		switch sub.PaymentStatus {
		case Canceled:
			return nil
		case Pending, Completed:
		default:
			return fmt.Errorf("%w: canceling a %s subscription", ErrInvalidTransition, sub.PaymentStatus)
		}

		now := c.now()
		sub.IsActive = false
		sub.PaymentStatus = Canceled
		sub.CanceledAt = &now
		sub.UpdatedAt = now
		return update(ctx, tx, sub)
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("canceling subscription[%s]: %w", id, err)
	}

	c.log.WithField("subscription_id", id).Info("subscription canceled")
	return sub, nil
}

// Fail closes a pending membership whose payment was declined.
func (c *Core) Fail(ctx context.Context, id, reason string) (Subscription, error) {
	var sub Subscription
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		var err error
		if sub, err = fetchForUpdate(ctx, tx, id); err != nil {
			return err
		}

		switch sub.PaymentStatus {
		case Failed:
			return nil
		case Pending:
		default:
			return fmt.Errorf("%w: failing a %s subscription", ErrInvalidTransition, sub.PaymentStatus)
		}

		sub.PaymentStatus = Failed
		sub.UpdatedAt = c.now()
		return update(ctx, tx, sub)
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("failing subscription[%s]: %w", id, err)
	}

	c.log.WithFields(logrus.Fields{"subscription_id": id, "reason": reason}).Info("subscription payment failed")
	return sub, nil
}

// Expire ends the membership now if it has not lapsed yet, then runs the
// release pass: subscription assigned keys and subscription granted courses
// go back unless another live membership of the user still bundles them.
// Purchased access is never touched.
func (c *Core) Expire(ctx context.Context, id string) (Expiration, error) {
	var exp Expiration
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		sub, err := fetchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		if sub.ExpiredAt != nil {
			exp = Expiration{Subscription: sub, AlreadyExpired: true}
			return nil
		}
		if sub.StartsAt == nil || sub.EndsAt == nil {
			return fmt.Errorf("%w: expiring a subscription that never started", ErrInvalidTransition)
		}

		exp, err = c.expire(ctx, tx, sub, c.now())
		return err
	})
	if err != nil {
		return Expiration{}, fmt.Errorf("expiring subscription[%s]: %w", id, err)
	}

	if !exp.AlreadyExpired {
		c.log.WithFields(logrus.Fields{
			"subscription_id": id,
			"user_id":         exp.Subscription.UserID,
			"released_keys":   len(exp.ReleasedKeys),
			"revoked_courses": exp.RevokedCourses,
		}).Info("subscription expired")
	}
	return exp, nil
}

// expire ends sub, already locked by tx, at now and releases what only it
// granted.
func (c *Core) expire(ctx context.Context, tx sqlx.ExtContext, sub Subscription, now time.Time) (Expiration, error) {
	if now.Before(*sub.EndsAt) {
		sub.EndsAt = &now
	}
	sub.IsActive = false
	sub.ExpiredAt = &now
	sub.UpdatedAt = now
	if err := update(ctx, tx, sub); err != nil {
		return Expiration{}, err
	}

	keepProducts, err := coveredByOthers(ctx, tx, "plan_products", "product_id", sub.UserID, sub.ID, now)
	if err != nil {
		return Expiration{}, err
	}
	keys, err := productkey.ReleaseSubscriptionKeys(ctx, tx, sub.UserID, keepProducts, now)
	if err != nil {
		return Expiration{}, err
	}

	keepCourses, err := coveredByOthers(ctx, tx, "plan_courses", "course_id", sub.UserID, sub.ID, now)
	if err != nil {
		return Expiration{}, err
	}
	revoked, err := entitlement.RevokeSubscriptionCourses(ctx, tx, sub.ID, keepCourses)
	if err != nil {
		return Expiration{}, err
	}

	return Expiration{Subscription: sub, ReleasedKeys: keys, RevokedCourses: revoked}, nil
}

// ExpireLapsed runs Expire for every membership past its end. One failing
// membership does not stop the others.
func (c *Core) ExpireLapsed(ctx context.Context) (int, error) {
	ids, err := lapsed(ctx, c.db, c.now())
	if err != nil {
		return 0, err
	}

	var n int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := c.Expire(ctx, id); err != nil {
			c.log.WithError(err).WithField("subscription_id", id).Error("expiring lapsed subscription")
			continue
		}
		n++
	}
	return n, nil
}

// Live lists the memberships of userID granting access now.
func (c *Core) Live(ctx context.Context, userID string) ([]Subscription, error) {
	return LiveForUser(ctx, c.db, userID, c.now())
}
