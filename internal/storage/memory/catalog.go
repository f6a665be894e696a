package memory

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// Catalog — in-memory каталог товаров.
type Catalog struct {
	mu       sync.RWMutex
	products map[int64]domain.Product
}

// NewCatalog создаёт каталог с начальным набором товаров.
func NewCatalog(products ...domain.Product) *Catalog {
	c := &Catalog{products: make(map[int64]domain.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Put добавляет или заменяет товар.
func (c *Catalog) Put(product domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[product.ID] = product
}

func (c *Catalog) GetProduct(_ context.Context, productID int64) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	product, ok := c.products[productID]
	if !ok {
		return domain.Product{}, domain.NewProductNotFound(productID)
	}
	return product, nil
}

func (c *Catalog) IsAvailable(_ context.Context, productID int64, requested decimal.Decimal) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	product, ok := c.products[productID]
	if !ok {
		return false, domain.NewProductNotFound(productID)
	}
	return requested.LessThanOrEqual(product.Quantity), nil
}

var _ domain.Catalog = (*Catalog)(nil)
