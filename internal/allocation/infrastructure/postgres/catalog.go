package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog derives master data from the lots table: a product or warehouse
// is known once any lot references it.
type Catalog struct {
	pool *pgxpool.Pool
}

func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func (c *Catalog) ProductExists(ctx context.Context, productID string) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE product_id=$1)`, productID).Scan(&ok)
	return ok, classify(err)
}

func (c *Catalog) WarehouseExists(ctx context.Context, warehouseID string) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE warehouse_id=$1)`, warehouseID).Scan(&ok)
	return ok, classify(err)
}
