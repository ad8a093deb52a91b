package product

import "time"

// Product is a digital product sold as a unique activation key. Unstocked
// products are delivered without keys and are never out of stock.
type Product struct {
	ID             string    `json:"id" db:"product_id"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description" db:"description"`
	Price          int64     `json:"price" db:"price"`
	Stocked        bool      `json:"stocked" db:"stocked"`
	InventoryCount int       `json:"inventoryCount" db:"inventory_count"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

type ProductNew struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Price       int64  `json:"price" validate:"gte=0"`
	Stocked     bool   `json:"stocked"`
}

func (p Product) InStock() bool {
	return !p.Stocked || p.InventoryCount > 0
}
