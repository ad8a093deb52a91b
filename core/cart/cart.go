// Package cart holds the priced snapshot of what a user is buying. A
// snapshot is a value: once built it never changes, so later catalog price
// changes cannot leak into an order created from it.
package cart

import "errors"

type ItemType string

const (
	Course         ItemType = "course"
	DigitalProduct ItemType = "digital_product"
)

func (t ItemType) Valid() bool {
	return t == Course || t == DigitalProduct
}

var ErrEmpty = errors.New("cart is empty")

type Line struct {
	ItemType  ItemType `json:"itemType"`
	ItemID    string   `json:"itemId"`
	Name      string   `json:"name"`
	UnitPrice int64    `json:"unitPrice"`
	Quantity  int      `json:"quantity"`
}

func (l Line) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

type Snapshot struct {
	lines []Line
}

func New(lines ...Line) Snapshot {
	return Snapshot{lines: append([]Line(nil), lines...)}
}

// Lines returns a copy of the snapshot lines in cart order.
func (s Snapshot) Lines() []Line {
	return append([]Line(nil), s.lines...)
}

func (s Snapshot) Empty() bool {
	return len(s.lines) == 0
}

func (s Snapshot) Total() int64 {
	var tot int64
	for _, l := range s.lines {
		tot += l.Subtotal()
	}
	return tot
}
