package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Provider payment statuses as returned by the status API.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInProcess Status = "in_process"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether the provider will never change this status again
// on its own. A non-terminal payment may still settle, so the matching
// webhook event must stay retryable.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// VerifiedPayment is the authoritative verdict fetched from the provider.
// Nothing in the inbound webhook body is trusted for money decisions; this
// struct is the only way a payment status reaches the reconciliation engine.
type VerifiedPayment struct {
	PaymentID         string
	Status            Status
	ExternalReference string
	TransactionAmount decimal.Decimal
	DateApproved      *time.Time
	RawPayload        json.RawMessage
}
