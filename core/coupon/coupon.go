// Package coupon evaluates discount codes against a cart snapshot.
// Evaluation only reads coupon rules; usage counters move inside the order
// transaction that consumes the coupon.
package coupon

import (
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
)

type Kind string

const (
	Percent Kind = "percent"
	Fixed   Kind = "fixed"
)

type Coupon struct {
	ID             string     `json:"id" db:"coupon_id"`
	Code           string     `json:"code" db:"code"`
	Kind           Kind       `json:"kind" db:"kind"`
	Value          int64      `json:"value" db:"value"`
	MinOrderAmount int64      `json:"minOrderAmount" db:"min_order_amount"`
	UsageLimit     int        `json:"usageLimit" db:"usage_limit"`
	UsedCount      int        `json:"usedCount" db:"used_count"`
	ValidFrom      *time.Time `json:"validFrom,omitempty" db:"valid_from"`
	ValidTo        *time.Time `json:"validTo,omitempty" db:"valid_to"`
	IsActive       bool       `json:"isActive" db:"is_active"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
}

type CouponNew struct {
	Code           string     `json:"code" validate:"required"`
	Kind           Kind       `json:"kind" validate:"required,oneof=percent fixed"`
	Value          int64      `json:"value" validate:"gte=0"`
	MinOrderAmount int64      `json:"minOrderAmount" validate:"gte=0"`
	UsageLimit     int        `json:"usageLimit" validate:"gte=0"`
	ValidFrom      *time.Time `json:"validFrom"`
	ValidTo        *time.Time `json:"validTo"`
	Items          []Item     `json:"items" validate:"dive"`
}

// Item restricts a coupon to one catalog item. A coupon without items
// applies to the whole cart.
type Item struct {
	ItemType cart.ItemType `json:"itemType" db:"item_type" validate:"required,oneof=course digital_product"`
	ItemID   string        `json:"itemId" db:"item_id" validate:"required,uuid"`
}

// Reasons reported with an invalid evaluation.
const (
	ReasonUnknown    = "unknown coupon"
	ReasonInactive   = "coupon is not active"
	ReasonNotStarted = "coupon is not valid yet"
	ReasonExpired    = "coupon has expired"
	ReasonExhausted  = "coupon usage limit reached"
	ReasonMinimum    = "order total is below the coupon minimum"
	ReasonScope      = "coupon does not apply to any item in the cart"
)

type Evaluation struct {
	Valid          bool    `json:"valid"`
	DiscountAmount int64   `json:"discountAmount"`
	Coupon         *Coupon `json:"coupon,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

func invalid(reason string) Evaluation {
	return Evaluation{Reason: reason}
}

// Apply computes the discount c grants on snap at now. It never returns
// more than the cart total.
func Apply(c Coupon, scope []Item, snap cart.Snapshot, now time.Time) Evaluation {
	switch {
	case !c.IsActive:
		return invalid(ReasonInactive)
	case c.ValidFrom != nil && now.Before(*c.ValidFrom):
		return invalid(ReasonNotStarted)
	case c.ValidTo != nil && now.After(*c.ValidTo):
		return invalid(ReasonExpired)
	case c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit:
		return invalid(ReasonExhausted)
	case snap.Total() < c.MinOrderAmount:
		return invalid(ReasonMinimum)
	}

	base := snap.Total()
	if len(scope) > 0 {
		in := make(map[Item]bool, len(scope))
		for _, it := range scope {
			in[it] = true
		}

		base = 0
		for _, l := range snap.Lines() {
			if in[Item{ItemType: l.ItemType, ItemID: l.ItemID}] {
				base += l.Subtotal()
			}
		}
		if base == 0 {
			return invalid(ReasonScope)
		}
	}

	var d int64
	switch c.Kind {
	case Percent:
		d = base * c.Value / 100
	case Fixed:
		d = c.Value
	}
	if d > base {
		d = base
	}

	cp := c
	return Evaluation{Valid: true, DiscountAmount: d, Coupon: &cp}
}
