package order

import "errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrNotEligible       = errors.New("order not eligible for cancellation")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnauthorized      = errors.New("unauthorized")
)
