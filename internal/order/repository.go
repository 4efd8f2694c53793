package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mitienda-be/internal/logger"

	"go.uber.org/zap"
)

// Tx is the handle for the row-locked transaction state changes run under.
// An interface rather than *sql.Tx so engine tests can substitute fakes.
type Tx interface {
	Commit() error
	Rollback() error
}

type sqlTx struct {
	*sql.Tx
}

func txOf(tx Tx) (*sql.Tx, error) {
	st, ok := tx.(*sqlTx)
	if !ok {
		return nil, errors.New("unexpected transaction type")
	}
	return st.Tx, nil
}

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetDetail(ctx context.Context, orderID uint) (*Order, error)

	// BeginTx opens the transaction every state-changing path runs under.
	BeginTx(ctx context.Context) (Tx, error)

	// GetForUpdateTx loads the order and its items while holding a row-level
	// lock on the order for the lifetime of tx. All concurrent transitions
	// of one order serialize here.
	GetForUpdateTx(ctx context.Context, tx Tx, orderID uint) (*Order, error)

	// ApproveTx moves the order to APPROVED, recording the provider
	// transaction id, and decrements stock unless the order already reserved
	// it at creation. Stock must never go negative; a would-be oversell
	// fails the whole transaction.
	ApproveTx(ctx context.Context, tx Tx, o *Order, providerTxnID string) error

	// CancelTx moves the order to CANCELLED, restoring stock only when the
	// order holds a reservation (decremented at creation or at approval).
	CancelTx(ctx context.Context, tx Tx, o *Order, restoreStock bool) error

	SetTracking(ctx context.Context, orderID uint, trackingNumber string) error

	ListPendingTransferBefore(ctx context.Context, cutoff time.Time) ([]*Order, error)
	ListPendingTransferBetween(ctx context.Context, from, to time.Time) ([]*Order, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, o *Order) error {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.String("method", "Create"),
		zap.Int("item_count", len(o.Items)),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("failed to begin transaction", zap.Error(err))
		return err
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, customer_email, total_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`,
		o.UserID, o.CustomerEmail, o.TotalAmount, o.Status, o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		log.Error("failed to insert order", zap.Error(err))
		return err
	}

	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID

		err = tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice,
		).Scan(&item.ID)
		if err != nil {
			log.Error("failed to insert order item",
				zap.Int("item_index", i),
				zap.Error(err),
			)
			return err
		}
	}

	// Bank-transfer orders reserve stock now, inside the creation
	// transaction; checkout orders reserve at approval instead.
	if o.Status == StatusPendingTransfer {
		for _, item := range o.Items {
			if err := decrementStock(ctx, tx, item); err != nil {
				log.Error("failed to reserve stock",
					zap.Uint("product_id", item.ProductID),
					zap.Error(err),
				)
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error("failed to commit order transaction", zap.Error(err))
		return err
	}

	committed = true
	log.Info("order created", zap.Uint("order_id", o.ID))
	return nil
}

const orderColumns = `
	id, user_id, customer_email, total_amount, status,
	created_at, updated_at, approved_at,
	provider_transaction_id, tracking_number
`

func scanOrder(row *sql.Row, o *Order) error {
	return row.Scan(
		&o.ID, &o.UserID, &o.CustomerEmail, &o.TotalAmount, &o.Status,
		&o.CreatedAt, &o.UpdatedAt, &o.ApprovedAt,
		&o.ProviderTxnID, &o.TrackingNumber,
	)
}

func (r *repository) GetDetail(ctx context.Context, orderID uint) (*Order, error) {
	var o Order
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)

	if err := scanOrder(row, &o); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	items, err := r.loadItems(ctx, r.db.QueryContext, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return &o, nil
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r *repository) loadItems(ctx context.Context, query queryFn, orderID uint) ([]OrderItem, error) {
	rows, err := query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (r *repository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx}, nil
}

func (r *repository) GetForUpdateTx(ctx context.Context, tx Tx, orderID uint) (*Order, error) {
	st, err := txOf(tx)
	if err != nil {
		return nil, err
	}

	var o Order
	row := st.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)

	if err := scanOrder(row, &o); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	items, err := r.loadItems(ctx, st.QueryContext, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return &o, nil
}

// decrementStock reserves one line's quantity. The stock guard in the WHERE
// clause is the oversell backstop: zero rows affected means the decrement
// would have gone negative.
func decrementStock(ctx context.Context, tx *sql.Tx, item OrderItem) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $1, updated_at = NOW()
		WHERE id = $2 AND stock >= $1
	`, item.Quantity, item.ProductID)
	if err != nil {
		return err
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: product %d", ErrInsufficientStock, item.ProductID)
	}
	return nil
}

func (r *repository) ApproveTx(ctx context.Context, txh Tx, o *Order, providerTxnID string) error {
	tx, err := txOf(txh)
	if err != nil {
		return err
	}
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.Uint("order_id", o.ID),
	)

	// A bank-transfer order reserved its stock at creation; decrementing
	// again here would hold it twice.
	if o.Status != StatusPendingTransfer {
		for _, item := range o.Items {
			if err := decrementStock(ctx, tx, item); err != nil {
				log.Error("failed to decrement stock",
					zap.Uint("product_id", item.ProductID),
					zap.Int("quantity", item.Quantity),
					zap.Error(err),
				)
				return err
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, provider_transaction_id = $2, approved_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, StatusApproved, providerTxnID, o.ID)
	if err != nil {
		log.Error("failed to update order status", zap.Error(err))
		return err
	}

	return nil
}

func (r *repository) CancelTx(ctx context.Context, txh Tx, o *Order, restoreStock bool) error {
	tx, err := txOf(txh)
	if err != nil {
		return err
	}

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "repository"),
		zap.Uint("order_id", o.ID),
		zap.Bool("restore_stock", restoreStock),
	)

	if restoreStock {
		for _, item := range o.Items {
			_, err := tx.ExecContext(ctx, `
				UPDATE products
				SET stock = stock + $1, updated_at = NOW()
				WHERE id = $2
			`, item.Quantity, item.ProductID)
			if err != nil {
				log.Error("failed to restore stock",
					zap.Uint("product_id", item.ProductID),
					zap.Error(err),
				)
				return err
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, StatusCancelled, o.ID)
	if err != nil {
		log.Error("failed to update order status", zap.Error(err))
		return err
	}

	return nil
}

func (r *repository) SetTracking(ctx context.Context, orderID uint, trackingNumber string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET tracking_number = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, trackingNumber, orderID, StatusApproved)
	if err != nil {
		return err
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *repository) ListPendingTransferBefore(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	return r.listPendingTransfer(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
	`, StatusPendingTransfer, cutoff)
}

func (r *repository) ListPendingTransferBetween(ctx context.Context, from, to time.Time) ([]*Order, error) {
	return r.listPendingTransfer(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`, StatusPendingTransfer, from, to)
}

func (r *repository) listPendingTransfer(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.CustomerEmail, &o.TotalAmount, &o.Status,
			&o.CreatedAt, &o.UpdatedAt, &o.ApprovedAt,
			&o.ProviderTxnID, &o.TrackingNumber,
		); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}

	return orders, rows.Err()
}
