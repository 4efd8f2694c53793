package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	// StatusPending is the initial state for provider-hosted checkout payments.
	StatusPending OrderStatus = "PENDING"
	// StatusPendingTransfer is the parallel initial state for manual bank
	// transfers. These orders reserve stock at creation and are the ones
	// the expiry sweep watches; expiry gives the reservation back.
	StatusPendingTransfer OrderStatus = "PENDING_TRANSFER"
	StatusApproved        OrderStatus = "APPROVED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether the reconciliation engine may still move the
// order. Approved orders can only leave via the explicit cancellation path.
func (s OrderStatus) Terminal() bool {
	return s == StatusApproved || s == StatusCancelled
}

type Order struct {
	ID            uint
	UserID        uint
	CustomerEmail string
	TotalAmount   decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ApprovedAt    *time.Time
	// ProviderTxnID is set when the provider approves the payment; its
	// presence is what makes a cancellation require a refund first.
	ProviderTxnID  *string
	TrackingNumber *string
	Items          []OrderItem
}

// OrderItem snapshots quantity and unit price at order time. Prices are
// copied, never live-referenced, so later catalog changes cannot rewrite
// historical orders.
type OrderItem struct {
	ID        uint
	OrderID   uint
	ProductID uint
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal is quantity × unit price for one line.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
