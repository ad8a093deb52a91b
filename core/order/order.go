package order

import (
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/random"
)

type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
	Refunded  Status = "refunded"
)

type Method string

const (
	Stripe Method = "stripe"
	Paypal Method = "paypal"
	Manual Method = "manual"
)

type Order struct {
	ID               string    `json:"id" db:"order_id"`
	UserID           string    `json:"userId" db:"user_id"`
	OrderNumber      string    `json:"orderNumber" db:"order_number"`
	TotalAmount      int64     `json:"totalAmount" db:"total_amount"`
	DiscountAmount   int64     `json:"discountAmount" db:"discount_amount"`
	FinalAmount      int64     `json:"finalAmount" db:"final_amount"`
	PaymentStatus    Status    `json:"paymentStatus" db:"payment_status"`
	PaymentMethod    Method    `json:"paymentMethod" db:"payment_method"`
	PaymentSessionID *string   `json:"-" db:"payment_session_id"`
	PaymentReference *string   `json:"paymentReference,omitempty" db:"payment_reference"`
	CouponID         *string   `json:"couponId,omitempty" db:"coupon_id"`
	ContactEmail     string    `json:"-" db:"contact_email"`
	Notes            string    `json:"notes" db:"notes"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
	Items            []Item    `json:"items" db:"-"`
}

// Item is a priced line of an order, copied from the cart snapshot. Items
// never change after the order is written.
type Item struct {
	OrderID   string        `json:"-" db:"order_id"`
	Position  int           `json:"position" db:"position"`
	ItemType  cart.ItemType `json:"itemType" db:"item_type"`
	ItemID    string        `json:"itemId" db:"item_id"`
	ItemName  string        `json:"itemName" db:"item_name"`
	Quantity  int           `json:"quantity" db:"quantity"`
	UnitPrice int64         `json:"unitPrice" db:"unit_price"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
}

type Options struct {
	CouponCode    string `json:"couponCode"`
	PaymentMethod Method `json:"paymentMethod" validate:"omitempty,oneof=stripe paypal manual"`
	Notes         string `json:"notes" validate:"max=1000"`
}

// Completion is the outcome of a payment confirmation. Keys lists the keys
// delivered by this order; Backordered lists stocked products that had no
// key left and wait for a restock.
type Completion struct {
	Order            Order            `json:"order"`
	Keys             []productkey.Key `json:"keys"`
	Backordered      []string         `json:"backordered"`
	AlreadyCompleted bool             `json:"alreadyCompleted"`
}

// NewOrderNumber returns a human readable number CM-YYYYMMDD-XXXXXX. It is
// unique, not ordered.
func NewOrderNumber(now time.Time) (string, error) {
	suffix, err := random.FromCharset(random.Upper, 6)
	if err != nil {
		return "", fmt.Errorf("generating order number: %w", err)
	}
	return "CM-" + now.UTC().Format("20060102") + "-" + suffix, nil
}
