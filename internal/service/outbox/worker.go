// Package outbox публикует события transactional outbox в брокер сообщений.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultLease          = 30 * time.Second
	maxRetryDelay         = 5 * time.Second
)

// Результаты публикации для метрик.
const (
	resultSent      = "sent"
	resultRetry     = "retry_error"
	resultFailed    = "failed"
	resultDLQFailed = "dlq_failed"
)

type settings struct {
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	dlq            domain.OutboxPublisher
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	lease          time.Duration
}

// Option настраивает Worker.
type Option func(*settings)

func WithLogger(logger *log.Entry) Option {
	return func(s *settings) { s.logger = logger }
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithDLQPublisher задаёт publisher, куда уходят сообщения после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(s *settings) { s.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(s *settings) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(s *settings) { s.retryBaseDelay = max(delay, 0) }
}

// WithLease задаёт срок аренды батча. Сообщения, не подтверждённые за это время,
// снова выдаются воркерам.
func WithLease(lease time.Duration) Option {
	return func(s *settings) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// Worker арендует батчи из outbox и публикует их по одному в порядке записи.
// Доставка at-least-once: сообщение, опубликованное перед падением инстанса,
// может уйти повторно после истечения аренды.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       settings
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	cfg := settings{
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		lease:          defaultLease,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.NewEntry(log.StandardLogger())
	}
	cfg.logger = cfg.logger.WithField("component", "outbox-worker")

	return &Worker{repo: repo, publisher: publisher, cfg: cfg}
}

// Run обрабатывает outbox до отмены ctx. Полный батч забирается следующим
// сразу, пустой или неполный ждёт pollInterval.
func (w *Worker) Run(ctx context.Context) error {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker disabled: repo or publisher is nil")
		return nil
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		next := w.cfg.pollInterval
		if w.ProcessOnce(ctx) == w.cfg.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// ProcessOnce обрабатывает один арендованный батч и возвращает его размер.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.refreshBacklog(ctx)

	batch, err := w.repo.Claim(ctx, w.cfg.batchSize, w.cfg.lease)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("claim outbox batch")
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	sent := make([]string, 0, len(batch))
	defer func() {
		// Подтверждаем уже опубликованное, даже если ctx отменён посреди батча.
		if len(sent) == 0 {
			return
		}
		if err := w.repo.MarkSent(context.WithoutCancel(ctx), sent...); err != nil {
			w.cfg.logger.WithError(err).WithField("count", len(sent)).Warn("mark outbox messages sent")
		}
	}()

	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.deliver(ctx, msg) {
			sent = append(sent, msg.ID)
		}
	}
	return len(batch)
}

// deliver публикует сообщение с повторами. false означает, что сообщение
// ушло в failed (и в DLQ) или обработка прервана отменой ctx.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) bool {
	err := w.publishWithRetry(ctx, msg)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	logger := w.cfg.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"claims":     msg.Attempts,
	})
	logger.WithError(err).Error("outbox message moved to failed")
	w.cfg.metrics.RecordPublish(resultFailed)

	if dlqErr := w.publishToDLQ(ctx, msg, err); dlqErr != nil {
		logger.WithError(dlqErr).Warn("dead-letter publish failed")
		w.cfg.metrics.RecordPublish(resultDLQFailed)
	}
	if markErr := w.repo.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
		logger.WithError(markErr).Warn("mark outbox message failed")
	}
	return false
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	delay := w.cfg.retryBaseDelay

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = w.publisher.Publish(ctx, msg)
		if lastErr == nil {
			w.cfg.metrics.RecordPublish(resultSent)
			return nil
		}
		w.cfg.metrics.RecordPublish(resultRetry)

		if attempt >= w.cfg.maxAttempts {
			return errors.Wrapf(lastErr, "publish failed after %d attempts", attempt)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxRetryDelay)
		}
	}
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.cfg.logger.WithError(err).Debug("collect outbox stats")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = time.Since(stats.OldestPendingAt)
	}
	w.cfg.metrics.SetBacklog(stats.PendingCount, stats.LeasedCount, stats.FailedCount, age)
}

// deadLetter — тело сообщения в DLQ; его же разбирает dlq-replay.
type deadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Claims         int             `json:"claims"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

func (w *Worker) publishToDLQ(ctx context.Context, msg domain.OutboxMessage, publishErr error) error {
	if w.cfg.dlq == nil {
		return nil
	}

	body, err := json.Marshal(deadLetter{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        json.RawMessage(msg.Payload),
		Claims:         msg.Attempts,
		PublishError:   publishErr.Error(),
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}

	dead := msg
	dead.Payload = body
	if err := w.cfg.dlq.Publish(ctx, dead); err != nil {
		return errors.Wrap(err, "publish dead letter")
	}
	return nil
}
