package kafka

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultReplayLimit       = 100
	defaultReplayIdleTimeout = 2 * time.Second
)

// ReplayOptions задаёт границы прохода по DLQ.
type ReplayOptions struct {
	SourceTopic string
	TargetTopic string
	Limit       int
	// Execute=false — dry-run: кандидаты только логируются.
	Execute     bool
	FromNewest  bool
	IdleTimeout time.Duration
}

func (o ReplayOptions) withDefaults() ReplayOptions {
	if o.SourceTopic == "" {
		o.SourceTopic = TopicDeadLetterQueue
	}
	if o.TargetTopic == "" {
		o.TargetTopic = TopicOrderEvents
	}
	if o.Limit <= 0 {
		o.Limit = defaultReplayLimit
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultReplayIdleTimeout
	}
	return o
}

// ReplayStats — итог прохода.
type ReplayStats struct {
	Processed int
	Replayed  int
	Skipped   int
}

func (s *ReplayStats) add(other ReplayStats) {
	s.Processed += other.Processed
	s.Replayed += other.Replayed
	s.Skipped += other.Skipped
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaPartitionSource struct {
	consumer sarama.Consumer
}

func (s saramaPartitionSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s saramaPartitionSource) Close() error {
	return s.consumer.Close()
}

// Replayer переносит события заказов из DLQ обратно в рабочий топик.
type Replayer struct {
	client   offsetClient
	source   partitionSource
	producer *Producer
	opts     ReplayOptions
	logger   *log.Entry
}

// NewReplayer подключается к брокерам. Producer создаётся только в режиме Execute.
func NewReplayer(brokers []string, opts ReplayOptions) (*Replayer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka client")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create kafka consumer")
	}

	var producer *Producer
	if opts.Execute {
		producer, err = NewProducer(brokers, "orders-dlq-replay")
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, err
		}
	}
	return newReplayer(client, saramaPartitionSource{consumer: consumer}, producer, opts), nil
}

func newReplayer(client offsetClient, source partitionSource, producer *Producer, opts ReplayOptions) *Replayer {
	return &Replayer{
		client:   client,
		source:   source,
		producer: producer,
		opts:     opts.withDefaults(),
		logger:   log.WithField("component", "kafka-dlq-replay"),
	}
}

// Close освобождает соединения.
func (r *Replayer) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.producer != nil {
		keep(r.producer.Close())
	}
	if r.source != nil {
		keep(r.source.Close())
	}
	if r.client != nil {
		keep(r.client.Close())
	}
	return firstErr
}

// Run обходит партиции source-топика по возрастанию, пока не наберёт Limit сообщений.
func (r *Replayer) Run(ctx context.Context) (ReplayStats, error) {
	var total ReplayStats
	if r.opts.Execute && r.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.opts.SourceTopic)
	if err != nil {
		return total, errors.Wrapf(err, "get partitions for topic %s", r.opts.SourceTopic)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		remaining := r.opts.Limit - total.Processed
		if remaining <= 0 {
			break
		}
		stats, err := r.replayPartition(ctx, partition, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"execute":   r.opts.Execute,
		"processed": total.Processed,
		"replayed":  total.Replayed,
		"skipped":   total.Skipped,
	}).Info("dlq replay finished")
	return total, nil
}

func (r *Replayer) replayPartition(ctx context.Context, partition int32, limit int) (ReplayStats, error) {
	var stats ReplayStats

	oldest, err := r.client.GetOffset(r.opts.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, errors.Wrapf(err, "get oldest offset for partition %d", partition)
	}
	newest, err := r.client.GetOffset(r.opts.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, errors.Wrapf(err, "get newest offset for partition %d", partition)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.opts.FromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.source.ConsumePartition(r.opts.SourceTopic, partition, start)
	if err != nil {
		return stats, errors.Wrapf(err, "consume partition %d", partition)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.IdleTimeout)
	defer idle.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumeErr := <-pc.Errors():
			if consumeErr != nil {
				return stats, errors.Wrapf(consumeErr, "partition %d consumer error", partition)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.opts.IdleTimeout)

			stats.Processed++
			if err := r.replayMessage(ctx, msg); err != nil {
				if errors.Is(err, errNotReplayable) {
					stats.Skipped++
					r.logger.WithError(err).WithFields(log.Fields{
						"partition": msg.Partition,
						"offset":    msg.Offset,
					}).Warn("skip dlq message")
					continue
				}
				return stats, err
			}
			stats.Replayed++

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

var errNotReplayable = errors.New("dlq message is not replayable")

func (r *Replayer) replayMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	envelope, err := ExtractReplayEnvelope(msg.Value, time.Now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "encode replay envelope")
	}

	if !r.opts.Execute {
		r.logger.WithFields(log.Fields{
			"offset":     msg.Offset,
			"event_type": envelope.EventType,
			"key":        envelope.Key(),
		}).Info("dlq replay candidate")
		return nil
	}

	headers := envelope.headers()
	headers[HeaderReplayedFrom] = r.opts.SourceTopic
	if err := r.producer.Send(ctx, r.opts.TargetTopic, envelope.Key(), body, headers); err != nil {
		return errors.Wrap(err, "publish replay message")
	}
	return nil
}

// ExtractReplayEnvelope восстанавливает исходный конверт события из DLQ-сообщения.
func ExtractReplayEnvelope(raw []byte, now time.Time) (Envelope, error) {
	var outer Envelope
	if err := json.Unmarshal(raw, &outer); err != nil {
		return Envelope{}, errors.Wrap(errNotReplayable, "decode dlq envelope")
	}
	if len(outer.Payload) == 0 {
		return Envelope{}, errors.Wrap(errNotReplayable, "dlq envelope has empty payload")
	}

	var dead deadLetter
	if err := json.Unmarshal(outer.Payload, &dead); err != nil {
		return Envelope{}, errors.Wrap(errNotReplayable, "decode dead letter payload")
	}
	if len(dead.Payload) == 0 {
		return Envelope{}, errors.Wrap(errNotReplayable, "dead letter has no original payload")
	}

	return Envelope{
		ID:            firstNonEmpty(dead.OutboxID, outer.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, outer.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, outer.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, outer.EventType),
		Payload:       dead.Payload,
		PublishedAt:   now.UTC(),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
