package plan

import (
	"fmt"
	"time"
)

type BillingCycle string

const (
	Monthly BillingCycle = "monthly"
	Yearly  BillingCycle = "yearly"
)

func ParseCycle(s string) (BillingCycle, error) {
	switch c := BillingCycle(s); c {
	case Monthly, Yearly:
		return c, nil
	}
	return "", fmt.Errorf("unknown billing cycle %q", s)
}

// End returns the end of a period of the cycle that starts at start.
func (c BillingCycle) End(start time.Time) time.Time {
	if c == Yearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Plan bundles courses and digital products under recurring billing. The
// included sets are catalog data and may change at any time; access
// derived from a plan is always computed from its current contents.
type Plan struct {
	ID           string    `json:"id" db:"plan_id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	PriceMonthly int64     `json:"priceMonthly" db:"price_monthly"`
	PriceYearly  int64     `json:"priceYearly" db:"price_yearly"`
	CourseIDs    []string  `json:"courseIds" db:"-"`
	ProductIDs   []string  `json:"productIds" db:"-"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

type PlanNew struct {
	Name         string   `json:"name" validate:"required"`
	Description  string   `json:"description"`
	PriceMonthly int64    `json:"priceMonthly" validate:"gte=0"`
	PriceYearly  int64    `json:"priceYearly" validate:"gte=0"`
	CourseIDs    []string `json:"courseIds" validate:"dive,uuid"`
	ProductIDs   []string `json:"productIds" validate:"dive,uuid"`
}

func (p Plan) Price(c BillingCycle) int64 {
	if c == Yearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}
