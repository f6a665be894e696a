package domain

import "time"

// Типы событий жизненного цикла заказа.
const (
	TimelineOrderCreated = "ORDER_CREATED"
	TimelineItemAdded    = "ITEM_ADDED"
	TimelineItemUpdated  = "ITEM_UPDATED"
	TimelineItemRemoved  = "ITEM_REMOVED"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  int64
	Type     string
	Reason   string
	Occurred time.Time
}
