// Package payment creates payable sessions at external processors. It knows
// nothing about orders or memberships beyond the reference it is given.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// Kind tells the reconciliation side what a session pays for.
type Kind string

const (
	KindOrder        Kind = "order"
	KindSubscription Kind = "subscription"
)

// Metadata keys attached to every session.
const (
	MetaKind   = "kind"
	MetaRefID  = "ref_id"
	MetaUserID = "user_id"
)

var ErrGateway = errors.New("payment gateway error")

// Interval is a membership billing period.
type Interval string

const (
	Month Interval = "month"
	Year  Interval = "year"
)

type Line struct {
	Name     string
	Amount   int64
	Quantity int
}

// SessionRequest asks for a session charging Amount minor units. Lines are
// informative; Amount already carries any discount. Period names the one
// billing period a membership session pays for; no session renews itself.
type SessionRequest struct {
	Kind        Kind
	RefID       string
	UserID      string
	Email       string
	Description string
	Amount      int64
	Lines       []Line
	Period      Interval
}

type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}

func gatewayErr(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrGateway, provider, err)
}

// FormatAmount renders minor units as a decimal string, 1234 -> "12.34".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
