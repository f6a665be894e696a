package domain

import "time"

// AggregateTypeOrder — тип агрегата для событий заказа.
const AggregateTypeOrder = "order"

// Типы событий заказа в outbox.
const (
	EventOrderCreated     = "order.created"
	EventOrderItemAdded   = "order.item_added"
	EventOrderItemUpdated = "order.item_updated"
	EventOrderItemRemoved = "order.item_removed"
)

// OutboxMessage хранит данные для публикуемого события.
// Attempts и CreatedAt заполняются хранилищем при выдаче через Claim.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int
	CreatedAt     time.Time
}

// OutboxStats описывает backlog outbox.
type OutboxStats struct {
	PendingCount    int
	LeasedCount     int
	FailedCount     int
	OldestPendingAt time.Time
}
