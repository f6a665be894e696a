package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// CustomerDirectory читает клиентов из таблицы customers.
type CustomerDirectory struct {
	pool *pgxpool.Pool
}

// NewCustomerDirectory создаёт PostgreSQL-реализацию CustomerDirectory.
func NewCustomerDirectory(store *Store) *CustomerDirectory {
	return &CustomerDirectory{pool: store.Pool()}
}

func (d *CustomerDirectory) GetCustomer(ctx context.Context, customerID int64) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var customer domain.Customer
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, address FROM customers WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.Address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Customer{}, domain.NewCustomerNotFound(customerID)
		}
		return domain.Customer{}, errors.Wrap(err, "select customer")
	}
	return customer, nil
}

var _ domain.CustomerDirectory = (*CustomerDirectory)(nil)
