package product

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

var ErrProductNotFound = errors.New("product not found")

// Repository reads catalog rows for order creation. Price and stock are
// snapshotted at order time; everything else about products belongs to the
// catalog service.
type Repository interface {
	// GetByIDs loads the given products keyed by id. Every requested id must
	// exist, otherwise ErrProductNotFound.
	GetByIDs(ctx context.Context, ids []uint) (map[uint]Product, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetByIDs(ctx context.Context, ids []uint) (map[uint]Product, error) {
	if len(ids) == 0 {
		return map[uint]Product{}, nil
	}

	int64IDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		int64IDs = append(int64IDs, int64(id))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, price, stock, created_at, updated_at
		FROM products
		WHERE id = ANY($1)
	`, pq.Array(int64IDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[uint]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, ErrProductNotFound
		}
	}

	return products, nil
}
