// Package access answers whether a user may use a course or a digital
// product. Access is derived on every call from two sources: direct
// purchases stored in the entitlement ledger, and live plan memberships.
// Nothing is cached, so cancellations and expiry apply immediately.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/entitlement"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/core/subscription"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/jmoiron/sqlx"
)

var ErrNotEntitled = errors.New("user is not entitled to the product")

// Path tells through which mechanism access was found.
type Path string

const (
	None         Path = ""
	Purchase     Path = "purchase"
	Subscription Path = "subscription"
)

type Decision struct {
	Granted bool `json:"granted"`
	Path    Path `json:"path,omitempty"`
}

func granted(p Path) Decision {
	return Decision{Granted: true, Path: p}
}

// Course checks access to a course. Subscription tagged ledger rows are not
// trusted on their own; they only reflect what the last activation granted.
func Course(ctx context.Context, db sqlx.QueryerContext, userID, courseID string, now time.Time) (Decision, error) {
	e, ok, err := entitlement.DirectCourse(ctx, db, userID, courseID)
	if err != nil {
		return Decision{}, err
	}
	if ok && e.GrantedVia == entitlement.Purchase {
		return granted(Purchase), nil
	}

	in, err := subscription.IncludesCourse(ctx, db, userID, courseID, now)
	if err != nil {
		return Decision{}, err
	}
	if in {
		return granted(Subscription), nil
	}
	return Decision{}, nil
}

// Product checks access to a digital product: a purchase, a purchased key,
// or a live plan bundling it.
func Product(ctx context.Context, db sqlx.QueryerContext, userID, productID string, now time.Time) (Decision, error) {
	if _, ok, err := entitlement.DirectProduct(ctx, db, userID, productID); err != nil {
		return Decision{}, err
	} else if ok {
		return granted(Purchase), nil
	}

	k, held, err := productkey.HasAssignedKey(ctx, db, productID, userID)
	if err != nil {
		return Decision{}, err
	}
	if held && !k.SubscriptionAssigned {
		return granted(Purchase), nil
	}

	in, err := subscription.IncludesProduct(ctx, db, userID, productID, now)
	if err != nil {
		return Decision{}, err
	}
	if in {
		return granted(Subscription), nil
	}
	return Decision{}, nil
}

// Delivery is the key handed to a user for a product.
type Delivery struct {
	Key         productkey.Key `json:"key"`
	Path        Path           `json:"path"`
	NewlyIssued bool           `json:"newlyIssued"`
}

// AllocateOrFetchKey returns the key userID holds for productID, allocating
// one when the user is entitled but has none yet: a backordered purchase or
// a live plan. The check and the allocation share one transaction.
func AllocateOrFetchKey(ctx context.Context, db *sqlx.DB, userID, productID string, now time.Time) (Delivery, error) {
	var d Delivery
	err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		dec, err := Product(ctx, tx, userID, productID, now)
		if err != nil {
			return err
		}
		if !dec.Granted {
			return ErrNotEntitled
		}

		k, fresh, err := productkey.Acquire(ctx, tx, productID, userID, dec.Path == Subscription, now)
		if err != nil {
			return err
		}

		if dec.Path == Purchase {
			if err := entitlement.AttachProductKey(ctx, tx, userID, productID, k.ID); err != nil {
				return err
			}
		}

		d = Delivery{Key: k, Path: dec.Path, NewlyIssued: fresh}
		return nil
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("delivering key of product[%s] to user[%s]: %w", productID, userID, err)
	}
	return d, nil
}
