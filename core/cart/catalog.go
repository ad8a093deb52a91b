package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/irsalhamdi/e-commerce-entitlement/core/course"
	"github.com/irsalhamdi/e-commerce-entitlement/core/product"
	"github.com/jmoiron/sqlx"
)

var ErrDuplicate = errors.New("item is in the cart twice")

// ItemRef is what a client sends: which item it wants, never at what price.
type ItemRef struct {
	ItemType ItemType `json:"itemType" validate:"required,oneof=course digital_product"`
	ItemID   string   `json:"itemId" validate:"required,uuid"`
	Quantity int      `json:"quantity" validate:"omitempty,eq=1"`
}

// Price builds a snapshot from current catalog prices. Each catalog item
// may appear once; a digital product key is a single unit.
func Price(ctx context.Context, db sqlx.QueryerContext, refs []ItemRef) (Snapshot, error) {
	if len(refs) == 0 {
		return Snapshot{}, ErrEmpty
	}

	seen := make(map[ItemRef]bool, len(refs))
	lines := make([]Line, 0, len(refs))
	for _, ref := range refs {
		key := ItemRef{ItemType: ref.ItemType, ItemID: ref.ItemID}
		if seen[key] {
			return Snapshot{}, fmt.Errorf("%w: %s[%s]", ErrDuplicate, ref.ItemType, ref.ItemID)
		}
		seen[key] = true

		l, err := Lookup(ctx, db, ref.ItemType, ref.ItemID)
		if err != nil {
			return Snapshot{}, err
		}
		lines = append(lines, l)
	}

	return New(lines...), nil
}

// Lookup prices a single catalog item with quantity one.
func Lookup(ctx context.Context, db sqlx.QueryerContext, t ItemType, id string) (Line, error) {
	switch t {
	case Course:
		c, err := course.Fetch(ctx, db, id)
		if err != nil {
			return Line{}, err
		}
		return Line{ItemType: Course, ItemID: c.ID, Name: c.Name, UnitPrice: c.Price, Quantity: 1}, nil

	case DigitalProduct:
		p, err := product.Fetch(ctx, db, id)
		if err != nil {
			return Line{}, err
		}
		return Line{ItemType: DigitalProduct, ItemID: p.ID, Name: p.Name, UnitPrice: p.Price, Quantity: 1}, nil
	}

	return Line{}, fmt.Errorf("unknown item type %q", t)
}
