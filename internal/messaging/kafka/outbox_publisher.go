package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// OutboxPublisher публикует outbox-сообщения в заданный топик.
type OutboxPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает orders.events.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{
		producer: producer,
		topic:    topic,
		now:      time.Now,
	}
}

// Topic возвращает целевой топик.
func (p *OutboxPublisher) Topic() string { return p.topic }

// Publish отправляет событие, ключ сообщения — id заказа.
func (p *OutboxPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka outbox publisher is not initialized")
	}

	envelope := NewEnvelope(event, p.now())
	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "marshal outbox envelope")
	}
	return p.producer.Send(ctx, p.topic, envelope.Key(), body, envelope.headers())
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
