package order

import (
	"context"
	"fmt"
	"time"

	"mitienda-be/internal/logger"
	"mitienda-be/internal/product"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// selfCancelWindow bounds how long after approval a customer may cancel on
// their own; past it, cancellation goes through support.
const selfCancelWindow = 24 * time.Hour

// Canceller is the reconciliation engine's cancellation sub-operation.
// Declared here so the order package never imports the engine.
type Canceller interface {
	Cancel(ctx context.Context, orderID uint) error
}

type NewOrderItem struct {
	ProductID uint
	Quantity  int
}

type Service interface {
	// CreateOrder opens a ledger entry before any payment happens. Unit
	// prices come from the catalog, never the request, and the total is
	// fixed here from those snapshots plus shipping and never recomputed.
	CreateOrder(ctx context.Context, userID uint, email string, items []NewOrderItem, shippingFee decimal.Decimal, manualTransfer bool) (*Order, error)

	GetDetail(ctx context.Context, orderID uint) (*Order, error)

	CancelByAdmin(ctx context.Context, orderID uint) error
	CancelByCustomer(ctx context.Context, userID, orderID uint) error

	SetTracking(ctx context.Context, orderID uint, trackingNumber string) error
}

type service struct {
	repo      Repository
	products  product.Repository
	canceller Canceller
}

func NewService(repo Repository, products product.Repository, canceller Canceller) Service {
	return &service{
		repo:      repo,
		products:  products,
		canceller: canceller,
	}
}

func (s *service) CreateOrder(
	ctx context.Context,
	userID uint,
	email string,
	items []NewOrderItem,
	shippingFee decimal.Decimal,
	manualTransfer bool,
) (*Order, error) {
	if userID == 0 {
		return nil, ErrUnauthorized
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("order must contain at least one item")
	}

	ids := make([]uint, 0, len(items))
	for _, in := range items {
		if in.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be greater than zero")
		}
		ids = append(ids, in.ProductID)
	}

	catalog, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	total := shippingFee
	orderItems := make([]OrderItem, 0, len(items))
	for _, in := range items {
		p := catalog[in.ProductID]
		// Availability check for immediate feedback only; the binding stock
		// guard runs inside the approval transaction.
		if p.Stock < in.Quantity {
			return nil, fmt.Errorf("%w: product %d", ErrInsufficientStock, in.ProductID)
		}
		item := OrderItem{
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			UnitPrice: p.Price,
		}
		total = total.Add(item.Subtotal())
		orderItems = append(orderItems, item)
	}

	status := StatusPending
	if manualTransfer {
		status = StatusPendingTransfer
	}

	o := &Order{
		UserID:        userID,
		CustomerEmail: email,
		TotalAmount:   total,
		Status:        status,
		CreatedAt:     time.Now(),
		Items:         orderItems,
	}

	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}

	logger.FromCtx(ctx).Info("order created",
		zap.Uint("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.String("total", o.TotalAmount.String()),
	)

	return o, nil
}

func (s *service) GetDetail(ctx context.Context, orderID uint) (*Order, error) {
	return s.repo.GetDetail(ctx, orderID)
}

func (s *service) CancelByAdmin(ctx context.Context, orderID uint) error {
	// Eligibility is the engine's business; the engine no-ops on already
	// cancelled orders under the lock.
	return s.canceller.Cancel(ctx, orderID)
}

func (s *service) CancelByCustomer(ctx context.Context, userID, orderID uint) error {
	o, err := s.repo.GetDetail(ctx, orderID)
	if err != nil {
		return err
	}

	if o.UserID != userID {
		return ErrUnauthorized
	}

	// Self-service cancellation only applies to approved orders inside the
	// window; the engine re-checks state under the row lock.
	if o.Status != StatusApproved {
		return fmt.Errorf("%w: order is %s", ErrNotEligible, o.Status)
	}
	if o.ApprovedAt == nil || time.Since(*o.ApprovedAt) > selfCancelWindow {
		return fmt.Errorf("%w: cancellation window expired", ErrNotEligible)
	}

	return s.canceller.Cancel(ctx, orderID)
}

func (s *service) SetTracking(ctx context.Context, orderID uint, trackingNumber string) error {
	if trackingNumber == "" {
		return fmt.Errorf("tracking number must not be empty")
	}
	return s.repo.SetTracking(ctx, orderID, trackingNumber)
}
