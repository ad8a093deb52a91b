package subscription

import (
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/core/plan"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
)

type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
	Canceled  Status = "canceled"
)

// Subscription is a membership in a plan. It confers access while it is
// paid for and now falls inside [StartsAt, EndsAt); a canceled membership
// keeps its access until EndsAt.
type Subscription struct {
	ID               string            `json:"id" db:"subscription_id"`
	UserID           string            `json:"userId" db:"user_id"`
	PlanID           string            `json:"planId" db:"plan_id"`
	BillingCycle     plan.BillingCycle `json:"billingCycle" db:"billing_cycle"`
	Price            int64             `json:"price" db:"price"`
	StartsAt         *time.Time        `json:"startsAt,omitempty" db:"starts_at"`
	EndsAt           *time.Time        `json:"endsAt,omitempty" db:"ends_at"`
	IsActive         bool              `json:"isActive" db:"is_active"`
	PaymentStatus    Status            `json:"paymentStatus" db:"payment_status"`
	PaymentSessionID *string           `json:"-" db:"payment_session_id"`
	PaymentReference *string           `json:"paymentReference,omitempty" db:"payment_reference"`
	ContactEmail     string            `json:"-" db:"contact_email"`
	CanceledAt       *time.Time        `json:"canceledAt,omitempty" db:"canceled_at"`
	ExpiredAt        *time.Time        `json:"expiredAt,omitempty" db:"expired_at"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// Live reports whether the membership grants access at now.
func (s Subscription) Live(now time.Time) bool {
	if s.PaymentStatus != Completed && s.PaymentStatus != Canceled {
		return false
	}
	if s.StartsAt == nil || s.EndsAt == nil || s.ExpiredAt != nil {
		return false
	}
	return !now.Before(*s.StartsAt) && now.Before(*s.EndsAt)
}

type SubscriptionNew struct {
	PlanID       string `json:"planId" validate:"required,uuid"`
	BillingCycle string `json:"billingCycle" validate:"required,oneof=monthly yearly"`
}

// Activation is the outcome of a confirmed payment.
type Activation struct {
	Subscription  Subscription     `json:"subscription"`
	Courses       []string         `json:"courses"`
	Keys          []productkey.Key `json:"keys"`
	Shortfalls    []string         `json:"shortfalls"`
	AlreadyActive bool             `json:"alreadyActive"`
}

// Expiration is the outcome of the release pass at the end of a membership.
type Expiration struct {
	Subscription   Subscription     `json:"subscription"`
	ReleasedKeys   []productkey.Key `json:"releasedKeys"`
	RevokedCourses int64            `json:"revokedCourses"`
	AlreadyExpired bool             `json:"alreadyExpired"`
}
