package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// CustomerDirectory — in-memory справочник клиентов.
type CustomerDirectory struct {
	mu        sync.RWMutex
	customers map[int64]domain.Customer
}

// NewCustomerDirectory создаёт справочник с начальным набором клиентов.
func NewCustomerDirectory(customers ...domain.Customer) *CustomerDirectory {
	d := &CustomerDirectory{customers: make(map[int64]domain.Customer, len(customers))}
	for _, c := range customers {
		d.customers[c.ID] = c
	}
	return d
}

// Put добавляет или заменяет клиента.
func (d *CustomerDirectory) Put(customer domain.Customer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customers[customer.ID] = customer
}

func (d *CustomerDirectory) GetCustomer(_ context.Context, customerID int64) (domain.Customer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	customer, ok := d.customers[customerID]
	if !ok {
		return domain.Customer{}, domain.NewCustomerNotFound(customerID)
	}
	return customer, nil
}

var _ domain.CustomerDirectory = (*CustomerDirectory)(nil)
