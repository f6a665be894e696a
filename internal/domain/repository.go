package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStore описывает требования к хранилищу заказов.
type OrderStore interface {
	// GetOrder возвращает заказ с позициями или ошибку order_not_found.
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	// WithinTx выполняет fn в одной транзакции: commit при nil, rollback при ошибке.
	WithinTx(ctx context.Context, fn func(tx OrderTx) error) error
}

// OrderTx — операции над заказом внутри транзакции хранилища.
type OrderTx interface {
	// CreateOrder вставляет заказ и возвращает его с присвоенным ID.
	CreateOrder(ctx context.Context, order Order) (Order, error)
	// LockOrder читает заказ с позициями, блокируя строку заказа до конца транзакции.
	LockOrder(ctx context.Context, orderID int64) (Order, error)
	// InsertItem добавляет позицию. ErrItemAlreadyExists при нарушении уникальности.
	InsertItem(ctx context.Context, item OrderItem) (OrderItem, error)
	// UpdateItemQuantity меняет количество и стоимость строки, цена не трогается.
	UpdateItemQuantity(ctx context.Context, itemID int64, quantity, subtotal decimal.Decimal) error
	// DeleteItem удаляет позицию.
	DeleteItem(ctx context.Context, itemID int64) error
	// ListItems возвращает актуальные позиции заказа внутри транзакции.
	ListItems(ctx context.Context, orderID int64) ([]OrderItem, error)
	// SetTotal сохраняет пересчитанную сумму заказа.
	SetTotal(ctx context.Context, orderID int64, total decimal.Decimal, updatedAt time.Time) error
	// EnqueueOutbox сохраняет событие для публикации в той же транзакции.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
	// AppendTimeline фиксирует событие жизненного цикла в той же транзакции.
	AppendTimeline(ctx context.Context, event TimelineEvent) error
}

// OutboxRepository выдаёт события outbox воркерам публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// Claim арендует до limit pending-сообщений в порядке записи на время lease.
	// Пока аренда активна, сообщение не выдаётся другим воркерам; по истечении
	// аренды неподтверждённое сообщение снова становится доступным.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, ids ...string) error
	// MarkFailed окончательно снимает сообщение с публикации и сохраняет причину.
	MarkFailed(ctx context.Context, id, reason string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	List(ctx context.Context, orderID int64) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит ответы на запросы с заголовком Idempotency-Key.
type IdempotencyRepository interface {
	// Reserve занимает ключ в статусе processing. Если ключ уже занят и не истёк,
	// возвращает существующую запись и reserved=false. Истёкший ключ занимается заново.
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (record IdempotencyRecord, reserved bool, err error)
	// Complete сохраняет ответ и переводит ключ в done или failed.
	Complete(ctx context.Context, key string, status IdempotencyStatus, response StoredResponse) error
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
