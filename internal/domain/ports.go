package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Lease — выданная аренда именованной блокировки.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// LockService выдаёт короткоживущие взаимоисключающие аренды по ключу.
// Гарантия: в любой момент у ключа не больше одного владельца среди всех инстансов.
type LockService interface {
	// Acquire пытается захватить ключ. Возвращает ErrLockBusy, если ключ занят.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Release освобождает аренду. Истёкшая или чужая аренда — не ошибка.
	Release(ctx context.Context, lease Lease) error
	// Renew продлевает аренду или возвращает ErrLeaseLost.
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
}

// Catalog предоставляет чтение товаров и проверку остатков.
type Catalog interface {
	// GetProduct возвращает товар или ошибку вида product_not_found.
	GetProduct(ctx context.Context, productID int64) (Product, error)
	// IsAvailable сообщает, покрывает ли текущий остаток запрошенное количество строки.
	IsAvailable(ctx context.Context, productID int64, requested decimal.Decimal) (bool, error)
}

// CustomerDirectory — справочник клиентов.
type CustomerDirectory interface {
	// GetCustomer возвращает ErrCustomerNotFound для неизвестного клиента.
	GetCustomer(ctx context.Context, customerID int64) (Customer, error)
}

// OrderNumberSequence — атомарный счётчик хранилища для номеров заказов.
type OrderNumberSequence interface {
	NextOrderSequence(ctx context.Context) (int64, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}
