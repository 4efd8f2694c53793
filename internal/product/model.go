package product

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is owned by the catalog service; this core only ever touches its
// stock counter, and only inside an order's transaction.
type Product struct {
	ID        uint
	Name      string
	Price     decimal.Decimal
	Stock     int
	CreatedAt time.Time
	UpdatedAt time.Time
}
