// Package entitlement is the ledger of stored access grants. Plan derived
// access is not kept here; it is computed from live memberships on every
// check.
package entitlement

import "time"

type Via string

const (
	Purchase     Via = "purchase"
	Subscription Via = "subscription"
)

// CourseEntitlement is the single row a user can hold for a course.
type CourseEntitlement struct {
	UserID               string    `json:"userId" db:"user_id"`
	CourseID             string    `json:"courseId" db:"course_id"`
	GrantedVia           Via       `json:"grantedVia" db:"granted_via"`
	SourceOrderID        *string   `json:"sourceOrderId,omitempty" db:"source_order_id"`
	SourceSubscriptionID *string   `json:"sourceSubscriptionId,omitempty" db:"source_subscription_id"`
	CreatedAt            time.Time `json:"createdAt" db:"created_at"`
}

// ProductEntitlement records a direct purchase of a digital product. For a
// stocked product a nil KeyID is a backorder: the purchase completed while
// the pool was empty.
type ProductEntitlement struct {
	UserID        string    `json:"userId" db:"user_id"`
	ProductID     string    `json:"productId" db:"product_id"`
	GrantedVia    Via       `json:"grantedVia" db:"granted_via"`
	SourceOrderID *string   `json:"sourceOrderId,omitempty" db:"source_order_id"`
	KeyID         *string   `json:"keyId,omitempty" db:"key_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

func (p ProductEntitlement) Backordered() bool {
	return p.KeyID == nil
}

// Source is the order or subscription behind a grant.
type Source struct {
	OrderID        string
	SubscriptionID string
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Ledger is everything stored for one user.
type Ledger struct {
	Courses  []CourseEntitlement  `json:"courses"`
	Products []ProductEntitlement `json:"products"`
}
