package coupon

import (
	"testing"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/stretchr/testify/assert"
)

func TestApply(t *testing.T) {
	now := time.Date(2026, time.May, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	snap := cart.New(
		cart.Line{ItemType: cart.Course, ItemID: "c-1", UnitPrice: 1000, Quantity: 1},
		cart.Line{ItemType: cart.DigitalProduct, ItemID: "p-1", UnitPrice: 333, Quantity: 1},
	)

	tests := []struct {
		name     string
		coupon   Coupon
		scope    []Item
		valid    bool
		discount int64
		reason   string
	}{
		{
			name:     "percent on whole cart floors",
			coupon:   Coupon{Kind: Percent, Value: 10, IsActive: true},
			valid:    true,
			discount: 133,
		},
		{
			name:     "fixed capped at total",
			coupon:   Coupon{Kind: Fixed, Value: 5000, IsActive: true},
			valid:    true,
			discount: 1333,
		},
		{
			name:     "scoped percent only discounts matching lines",
			coupon:   Coupon{Kind: Percent, Value: 50, IsActive: true},
			scope:    []Item{{ItemType: cart.DigitalProduct, ItemID: "p-1"}},
			valid:    true,
			discount: 166,
		},
		{
			name:     "scoped fixed capped at scoped subtotal",
			coupon:   Coupon{Kind: Fixed, Value: 500, IsActive: true},
			scope:    []Item{{ItemType: cart.DigitalProduct, ItemID: "p-1"}},
			valid:    true,
			discount: 333,
		},
		{
			name:   "scope misses the cart",
			coupon: Coupon{Kind: Percent, Value: 50, IsActive: true},
			scope:  []Item{{ItemType: cart.Course, ItemID: "c-9"}},
			reason: ReasonScope,
		},
		{
			name:   "inactive",
			coupon: Coupon{Kind: Percent, Value: 10},
			reason: ReasonInactive,
		},
		{
			name:   "not started",
			coupon: Coupon{Kind: Percent, Value: 10, IsActive: true, ValidFrom: &future},
			reason: ReasonNotStarted,
		},
		{
			name:   "expired",
			coupon: Coupon{Kind: Percent, Value: 10, IsActive: true, ValidTo: &past},
			reason: ReasonExpired,
		},
		{
			name:   "exhausted",
			coupon: Coupon{Kind: Percent, Value: 10, IsActive: true, UsageLimit: 3, UsedCount: 3},
			reason: ReasonExhausted,
		},
		{
			name:     "unlimited usage",
			coupon:   Coupon{Kind: Fixed, Value: 100, IsActive: true, UsedCount: 1000},
			valid:    true,
			discount: 100,
		},
		{
			name:   "below minimum",
			coupon: Coupon{Kind: Fixed, Value: 100, IsActive: true, MinOrderAmount: 2000},
			reason: ReasonMinimum,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Apply(tt.coupon, tt.scope, snap, now)

			assert.Equal(t, tt.valid, ev.Valid)
			assert.Equal(t, tt.discount, ev.DiscountAmount)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.LessOrEqual(t, ev.DiscountAmount, snap.Total())
			if tt.valid {
				assert.NotNil(t, ev.Coupon)
			} else {
				assert.Nil(t, ev.Coupon)
			}
		})
	}
}

func TestApplyTenPercent(t *testing.T) {
	snap := cart.New(cart.Line{ItemType: cart.Course, ItemID: "c-5", UnitPrice: 1000, Quantity: 1})

	ev := Apply(Coupon{Kind: Percent, Value: 10, IsActive: true}, nil, snap, time.Now())

	assert.True(t, ev.Valid)
	assert.Equal(t, int64(100), ev.DiscountAmount)
	assert.Equal(t, int64(900), snap.Total()-ev.DiscountAmount)
}
