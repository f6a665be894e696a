package orders

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// OrderEventPayload — тело события заказа в outbox.
type OrderEventPayload struct {
	OrderID     int64            `json:"order_id"`
	OrderNumber string           `json:"order_number"`
	CustomerID  int64            `json:"customer_id"`
	Status      string           `json:"status"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	ProductID   int64            `json:"product_id,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

// recordEvent пишет событие в outbox и timeline внутри транзакции мутации.
func (e *Engine) recordEvent(
	ctx context.Context,
	tx domain.OrderTx,
	order domain.Order,
	eventType, timelineType, reason string,
	item *domain.OrderItem,
	now time.Time,
) error {
	payload := OrderEventPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount,
		OccurredAt:  now,
	}
	if item != nil {
		payload.ProductID = item.ProductID
		payload.Quantity = &item.Quantity
		payload.UnitPrice = &item.UnitPrice
		reason = reason + ": product " + strconv.FormatInt(item.ProductID, 10)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal order event")
	}

	if err := tx.EnqueueOutbox(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     eventType,
		Payload:       body,
	}); err != nil {
		return errors.Wrap(err, "enqueue outbox")
	}

	if err := tx.AppendTimeline(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     timelineType,
		Reason:   reason,
		Occurred: now,
	}); err != nil {
		return errors.Wrap(err, "append timeline")
	}
	return nil
}
