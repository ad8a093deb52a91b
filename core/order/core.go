// Package order turns priced cart snapshots into orders and drives them
// through payment: pending, then completed, failed or deleted, and finally
// refunded.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/access"
	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/coupon"
	"github.com/irsalhamdi/e-commerce-entitlement/core/entitlement"
	"github.com/irsalhamdi/e-commerce-entitlement/core/product"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrEmptyCart         = cart.ErrEmpty
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrAlreadyEntitled   = errors.New("user already has access to this item")
	ErrOutOfStock        = errors.New("this product is out of stock")
)

// ValidationError rejects an order before anything is written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Discounter prices coupons. Evaluate must not write; Consume and Restore
// run inside the order transaction.
type Discounter interface {
	Evaluate(ctx context.Context, db sqlx.QueryerContext, snap cart.Snapshot, code string, now time.Time) (coupon.Evaluation, error)
	Consume(ctx context.Context, tx sqlx.ExtContext, couponID string, now time.Time) error
	Restore(ctx context.Context, tx sqlx.ExtContext, couponID string, now time.Time) error
}

// Hook runs after a completion commits, outside of it. A failing hook is
// logged and never undoes the grant.
type Hook func(ctx context.Context, c Completion) error

// Runner starts fire-and-forget work, like background.Background.
type Runner interface {
	Add(fn func() error)
}

type Config struct {
	Log        logrus.FieldLogger
	DB         *sqlx.DB
	Discounts  Discounter
	Background Runner
	Hooks      []Hook
	Now        func() time.Time
}

type Core struct {
	log       logrus.FieldLogger
	db        *sqlx.DB
	discounts Discounter
	bg        Runner
	hooks     []Hook
	now       func() time.Time
}

func NewCore(cfg Config) *Core {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	discounts := cfg.Discounts
	if discounts == nil {
		discounts = coupon.Calculator{}
	}
	return &Core{
		log:       cfg.Log,
		db:        cfg.DB,
		discounts: discounts,
		bg:        cfg.Background,
		hooks:     cfg.Hooks,
		now:       now,
	}
}

// maxNumberAttempts bounds retries on an order number collision.
const maxNumberAttempts = 3

// CreateOrder writes a pending order for snap. The order, its items and the
// coupon usage are one atomic unit. An unusable coupon is dropped and the
// order is priced in full.
func (c *Core) CreateOrder(ctx context.Context, usr claims.Claims, snap cart.Snapshot, opts Options) (Order, error) {
	if snap.Empty() {
		return Order{}, ErrEmptyCart
	}
	if err := validate.Check(opts); err != nil {
		return Order{}, &ValidationError{Reason: err.Error()}
	}
	if opts.PaymentMethod == "" {
		opts.PaymentMethod = Stripe
	}
	for _, l := range snap.Lines() {
		switch {
		case !l.ItemType.Valid():
			return Order{}, invalid("unknown item type %q", l.ItemType)
		case l.Quantity <= 0:
			return Order{}, invalid("quantity of %s must be positive", l.Name)
		case l.UnitPrice < 0:
			return Order{}, invalid("price of %s cannot be negative", l.Name)
		}
	}

	var (
		ord Order
		err error
	)
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		ord, err = c.create(ctx, usr, snap, opts)
		if !errors.Is(err, database.ErrDBDuplicatedEntry) || !strings.Contains(err.Error(), "order_number") {
			break
		}
	}
	if err != nil {
		return Order{}, fmt.Errorf("creating order for user[%s]: %w", usr.UserID, err)
	}

	c.log.WithFields(logrus.Fields{
		"order_id":     ord.ID,
		"order_number": ord.OrderNumber,
		"user_id":      ord.UserID,
		"final_amount": ord.FinalAmount,
	}).Info("order created")
	return ord, nil
}

func (c *Core) create(ctx context.Context, usr claims.Claims, snap cart.Snapshot, opts Options) (Order, error) {
	now := c.now()

	number, err := NewOrderNumber(now)
	if err != nil {
		return Order{}, err
	}

	ord := Order{
		ID:            validate.GenerateID(),
		UserID:        usr.UserID,
		OrderNumber:   number,
		TotalAmount:   snap.Total(),
		PaymentStatus: Pending,
		PaymentMethod: opts.PaymentMethod,
		ContactEmail:  usr.Email,
		Notes:         opts.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		ev, err := c.discounts.Evaluate(ctx, tx, snap, opts.CouponCode, now)
		if err != nil {
			return fmt.Errorf("evaluating coupon: %w", err)
		}
		if ev.Valid {
			// The use is taken by a guarded update. When another order took
			// the last one since Evaluate, ErrExhausted fails this order (409)
			// so the buyer sees the new price instead of paying it unasked.
			if err := c.discounts.Consume(ctx, tx, ev.Coupon.ID, now); err != nil {
				return err
			}
			ord.CouponID = &ev.Coupon.ID
			ord.DiscountAmount = ev.DiscountAmount
		}
		ord.FinalAmount = ord.TotalAmount - ord.DiscountAmount

		if err := create(ctx, tx, ord); err != nil {
			return err
		}

		ord.Items = make([]Item, 0, len(snap.Lines()))
		for i, l := range snap.Lines() {
			it := Item{
				OrderID:   ord.ID,
				Position:  i + 1,
				ItemType:  l.ItemType,
				ItemID:    l.ItemID,
				ItemName:  l.Name,
				Quantity:  l.Quantity,
				UnitPrice: l.UnitPrice,
				CreatedAt: now,
			}
			if err := createItem(ctx, tx, it); err != nil {
				return err
			}
			ord.Items = append(ord.Items, it)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return ord, nil
}

// CreateDirectPurchaseOrder is the single item checkout. It refuses items
// the user can already use and stocked products without keys before
// writing anything.
func (c *Core) CreateDirectPurchaseOrder(ctx context.Context, usr claims.Claims, itemType cart.ItemType, itemID string, opts Options) (Order, error) {
	if !itemType.Valid() {
		return Order{}, invalid("unknown item type %q", itemType)
	}

	line, err := cart.Lookup(ctx, c.db, itemType, itemID)
	if err != nil {
		return Order{}, err
	}

	now := c.now()
	var dec access.Decision
	switch itemType {
	case cart.Course:
		dec, err = access.Course(ctx, c.db, usr.UserID, itemID, now)
	case cart.DigitalProduct:
		dec, err = access.Product(ctx, c.db, usr.UserID, itemID, now)
	}
	if err != nil {
		return Order{}, err
	}
	if dec.Granted {
		return Order{}, fmt.Errorf("%w: %s", ErrAlreadyEntitled, line.Name)
	}

	if itemType == cart.DigitalProduct {
		p, err := product.Fetch(ctx, c.db, itemID)
		if err != nil {
			return Order{}, err
		}
		if !p.InStock() {
			return Order{}, fmt.Errorf("%w: %s", ErrOutOfStock, p.Name)
		}
	}

	return c.CreateOrder(ctx, usr, cart.New(line), opts)
}

// AttachSession records the latest payable session of a pending order. A
// retry replaces the previous session.
func (c *Core) AttachSession(ctx context.Context, id, sessionID string) error {
	const q = `
	UPDATE orders SET payment_session_id = $2, updated_at = $3
	WHERE order_id = $1 AND payment_status = 'pending'`

	n, err := database.ExecContext(ctx, c.db, q, id, sessionID, c.now())
	if err != nil {
		return fmt.Errorf("attaching session to order[%s]: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: order[%s] is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// Complete marks a pending order paid and grants its items. The status read
// under the row lock is the idempotency guard: a repeated confirmation
// returns the stored order with AlreadyCompleted set and grants nothing.
// A stocked product without a free key completes as a backorder.
func (c *Core) Complete(ctx context.Context, id, reference string) (Completion, error) {
	log := c.log.WithField("order_id", id)

	var cmp Completion
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		ord, err := fetchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		switch ord.PaymentStatus {
		case Completed:
			cmp = Completion{Order: ord, AlreadyCompleted: true}
			return nil
		case Pending:
		default:
			return fmt.Errorf("%w: completing a %s order", ErrInvalidTransition, ord.PaymentStatus)
		}

		now := c.now()
		ord.PaymentStatus = Completed
		ord.UpdatedAt = now
		if reference != "" {
			ord.PaymentReference = &reference
		}
		if err := updateStatus(ctx, tx, ord); err != nil {
			return err
		}

		cmp, err = grant(ctx, tx, ord, now)
		return err
	})
	if err != nil {
		return Completion{}, fmt.Errorf("completing order[%s]: %w", id, err)
	}

	if cmp.AlreadyCompleted {
		log.Info("order already completed, confirmation ignored")
		return cmp, nil
	}

	for _, p := range cmp.Backordered {
		log.WithField("product_id", p).Warn("no key left for purchased product, backordered")
	}
	log.WithFields(logrus.Fields{
		"user_id": cmp.Order.UserID,
		"keys":    len(cmp.Keys),
	}).Info("order completed")

	c.runHooks(ctx, cmp)
	return cmp, nil
}

func grant(ctx context.Context, tx sqlx.ExtContext, ord Order, now time.Time) (Completion, error) {
	cmp := Completion{
		Order:       ord,
		Keys:        []productkey.Key{},
		Backordered: []string{},
	}
	src := entitlement.Source{OrderID: ord.ID}

	// Products are taken in id order so concurrent completions lock product
	// rows in the same order.
	var products []string
	for _, it := range ord.Items {
		switch it.ItemType {
		case cart.Course:
			if _, err := entitlement.GrantCourse(ctx, tx, ord.UserID, it.ItemID, entitlement.Purchase, src, now); err != nil {
				return Completion{}, err
			}
		case cart.DigitalProduct:
			products = append(products, it.ItemID)
		}
	}
	sort.Strings(products)

	for _, productID := range products {
		k, _, err := productkey.Acquire(ctx, tx, productID, ord.UserID, false, now)

		var keyID *string
		switch {
		case errors.Is(err, productkey.ErrUnstocked):
		case errors.Is(err, productkey.ErrNoKeyAvailable):
			cmp.Backordered = append(cmp.Backordered, productID)
		case err != nil:
			return Completion{}, err
		default:
			keyID = &k.ID
			cmp.Keys = append(cmp.Keys, k)
		}

		if _, err := entitlement.GrantProduct(ctx, tx, ord.UserID, productID, ord.ID, keyID, now); err != nil {
			return Completion{}, err
		}
	}

	return cmp, nil
}

func (c *Core) runHooks(ctx context.Context, cmp Completion) {
	if c.bg == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, h := range c.hooks {
		h := h
		c.bg.Add(func() error { return h(ctx, cmp) })
	}
}

// Fail closes a pending order whose payment was declined or abandoned at
// the processor. Its coupon use is given back and the user may start a new
// order.
func (c *Core) Fail(ctx context.Context, id, reason string) (Order, error) {
	var ord Order
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		var err error
		if ord, err = fetchForUpdate(ctx, tx, id); err != nil {
			return err
		}

		switch ord.PaymentStatus {
		case Failed:
			return nil
		case Pending:
		default:
			return fmt.Errorf("%w: failing a %s order", ErrInvalidTransition, ord.PaymentStatus)
		}

		now := c.now()
		ord.PaymentStatus = Failed
		ord.UpdatedAt = now
		if err := updateStatus(ctx, tx, ord); err != nil {
			return err
		}

		// A failed order is final, so its coupon use goes back as on cancel.
		if ord.CouponID != nil {
			return c.discounts.Restore(ctx, tx, *ord.CouponID, now)
		}
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("failing order[%s]: %w", id, err)
	}

	c.log.WithFields(logrus.Fields{"order_id": id, "reason": reason}).Info("order payment failed")
	return ord, nil
}

// Refund reverses a completed order. Grants survive unless revoke is set,
// in which case the order's grants are deleted and its keys released.
func (c *Core) Refund(ctx context.Context, id string, revoke bool) (Order, error) {
	var (
		ord      Order
		released int
	)
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		var err error
		if ord, err = fetchForUpdate(ctx, tx, id); err != nil {
			return err
		}

		switch ord.PaymentStatus {
		case Refunded:
			return nil
		case Completed:
		default:
			return fmt.Errorf("%w: refunding a %s order", ErrInvalidTransition, ord.PaymentStatus)
		}

		now := c.now()
		ord.PaymentStatus = Refunded
		ord.UpdatedAt = now
		if err := updateStatus(ctx, tx, ord); err != nil {
			return err
		}

		if !revoke {
			return nil
		}

		keys, err := entitlement.RevokeOrder(ctx, tx, ord.ID)
		if err != nil {
			return err
		}
		sort.Strings(keys)
		for _, k := range keys {
			ok, err := productkey.Release(ctx, tx, k, now)
			if err != nil {
				return err
			}
			if ok {
				released++
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("refunding order[%s]: %w", id, err)
	}

	c.log.WithFields(logrus.Fields{
		"order_id":      id,
		"revoked":       revoke,
		"released_keys": released,
	}).Info("order refunded")
	return ord, nil
}

// CancelPending deletes a pending order and its items and gives the coupon
// use back. A pending order never holds keys, so none are released.
func (c *Core) CancelPending(ctx context.Context, id string) error {
	err := database.Transaction(ctx, c.db, func(tx sqlx.ExtContext) error {
		ord, err := fetchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if ord.PaymentStatus != Pending {
			return fmt.Errorf("%w: canceling a %s order", ErrInvalidTransition, ord.PaymentStatus)
		}

		if ord.CouponID != nil {
			if err := c.discounts.Restore(ctx, tx, *ord.CouponID, c.now()); err != nil {
				return err
			}
		}
		return remove(ctx, tx, ord.ID)
	})
	if err != nil {
		return fmt.Errorf("canceling order[%s]: %w", id, err)
	}

	c.log.WithField("order_id", id).Info("pending order deleted")
	return nil
}
