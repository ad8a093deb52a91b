// Package productkey owns the pool of unique activation keys of each
// digital product.
//
// Every mutation locks the product row before touching its keys, so
// allocators of one product are serialized while different products
// proceed in parallel. Callers must take product locks before key locks.
package productkey

import (
	"errors"
	"time"
)

var (
	// ErrNoKeyAvailable is the normal empty-inventory outcome of Allocate.
	// Callers surface it as out of stock and must not spin on it.
	ErrNoKeyAvailable = errors.New("no key available")

	ErrProductNotFound = errors.New("digital product not found")

	// ErrUnstocked is returned for products delivered without keys.
	ErrUnstocked = errors.New("product is delivered without keys")
)

// Key is a single-use activation key. An unused key has no holder and is
// never subscription assigned.
type Key struct {
	ID                   string     `json:"id" db:"key_id"`
	ProductID            string     `json:"productId" db:"product_id"`
	Value                string     `json:"value" db:"key_value"`
	IsUsed               bool       `json:"isUsed" db:"is_used"`
	UsedBy               *string    `json:"usedBy,omitempty" db:"used_by"`
	UsedAt               *time.Time `json:"usedAt,omitempty" db:"used_at"`
	SubscriptionAssigned bool       `json:"subscriptionAssigned" db:"subscription_assigned"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
}
