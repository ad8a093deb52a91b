package product

import "testing"

func TestInStock(t *testing.T) {
	tests := []struct {
		name string
		p    Product
		want bool
	}{
		{"unstocked product", Product{Stocked: false}, true},
		{"stocked with keys", Product{Stocked: true, InventoryCount: 2}, true},
		{"stocked without keys", Product{Stocked: true, InventoryCount: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.InStock(); got != tt.want {
				t.Fatalf("InStock() = %v, want %v", got, tt.want)
			}
		})
	}
}
