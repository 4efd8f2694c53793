package payment

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrPaymentNotFound means the provider has no payment for this id.
	// Permanent: retrying the same id cannot succeed.
	ErrPaymentNotFound = errors.New("payment not found at provider")

	// ErrRefundFailed means the refund was not confirmed by the provider.
	// Includes timeouts: an unconfirmed refund is never assumed successful.
	ErrRefundFailed = errors.New("refund not confirmed by provider")
)

type Gateway interface {
	// GetPayment fetches the authoritative status for a payment id. Called
	// fresh on every reconciliation attempt; verdicts are never cached.
	GetPayment(ctx context.Context, paymentID string) (*VerifiedPayment, error)

	// Refund asks the provider to return the full charged amount.
	Refund(ctx context.Context, paymentID string) error

	VerifySignature(r *http.Request) error
}
