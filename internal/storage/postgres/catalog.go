package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// Catalog читает товары из таблицы products. Остатки сервис заказов не меняет.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog создаёт PostgreSQL-реализацию Catalog.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{pool: store.Pool()}
}

func (c *Catalog) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		product    domain.Product
		categoryID *int64
	)
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, quantity, price, category_id
		FROM products
		WHERE id = $1
	`, productID).Scan(&product.ID, &product.Name, &product.Quantity, &product.Price, &categoryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.NewProductNotFound(productID)
		}
		return domain.Product{}, errors.Wrap(err, "select product")
	}
	if categoryID != nil {
		product.CategoryID = *categoryID
	}
	return product, nil
}

// IsAvailable сверяет запрошенное количество с текущим зафиксированным остатком.
func (c *Catalog) IsAvailable(ctx context.Context, productID int64, requested decimal.Decimal) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var ok bool
	err := c.pool.QueryRow(ctx, `
		SELECT quantity >= $2 FROM products WHERE id = $1
	`, productID, requested).Scan(&ok)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.NewProductNotFound(productID)
		}
		return false, errors.Wrap(err, "check product availability")
	}
	return ok, nil
}

var _ domain.Catalog = (*Catalog)(nil)
