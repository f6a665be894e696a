package postgres

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// OutboxRepository раздаёт сообщения outbox_messages воркерам через аренду.
// Несколько инстансов вычитывают outbox параллельно: строки под чужой
// блокировкой пропускаются (SKIP LOCKED), арендованные до leased_until не выдаются.
type OutboxRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{pool: store.Pool(), now: time.Now}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return insertOutbox(ctx, r.pool, msg)
}

func (r *OutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now().UTC()
	rows, err := r.pool.Query(ctx, `
		WITH batch AS (
			SELECT id
			FROM outbox_messages
			WHERE status = 'pending'
			  AND (leased_until IS NULL OR leased_until <= $1)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages AS o
		SET leased_until = $2,
		    attempt_count = o.attempt_count + 1,
		    updated_at = $1
		FROM batch
		WHERE o.id = batch.id
		RETURNING o.seq, o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.attempt_count, o.created_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox messages")
	}

	type claimedRow struct {
		seq int64
		msg domain.OutboxMessage
	}
	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (claimedRow, error) {
		var c claimedRow
		err := row.Scan(&c.seq, &c.msg.ID, &c.msg.AggregateType, &c.msg.AggregateID,
			&c.msg.EventType, &c.msg.Payload, &c.msg.Attempts, &c.msg.CreatedAt)
		c.msg.CreatedAt = c.msg.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan claimed outbox messages")
	}

	// RETURNING не гарантирует порядок.
	slices.SortFunc(claimed, func(a, b claimedRow) int { return cmp.Compare(a.seq, b.seq) })
	msgs := make([]domain.OutboxMessage, len(claimed))
	for i, c := range claimed {
		msgs[i] = c.msg
	}
	return msgs, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending' AND (leased_until IS NULL OR leased_until <= $1)),
			COUNT(*) FILTER (WHERE status = 'pending' AND leased_until > $1),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MIN(created_at) FILTER (WHERE status = 'pending' AND (leased_until IS NULL OR leased_until <= $1))
		FROM outbox_messages
		WHERE status <> 'sent'
	`, r.now().UTC()).Scan(&stats.PendingCount, &stats.LeasedCount, &stats.FailedCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, errors.Wrap(err, "query outbox stats")
	}
	if oldest != nil {
		stats.OldestPendingAt = oldest.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', leased_until = NULL, updated_at = $2
		WHERE id = ANY($1)
	`, ids, r.now().UTC())
	if err != nil {
		return errors.Wrap(err, "mark outbox messages sent")
	}
	if int(tag.RowsAffected()) != len(ids) {
		return errors.Wrapf(domain.ErrOutboxMessageNotFound, "marked %d of %d", tag.RowsAffected(), len(ids))
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', leased_until = NULL, last_error = $2, updated_at = $3
		WHERE id = $1
	`, id, reason, r.now().UTC())
	if err != nil {
		return errors.Wrap(err, "mark outbox message failed")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOutboxMessageNotFound
	}
	return nil
}

// insertOutbox пишет сообщение через пул или внутри транзакции заказа.
func insertOutbox(ctx context.Context, q querier, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attempts = 0

	err := q.QueryRow(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload).Scan(&msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OutboxMessage{}, errors.Wrapf(domain.ErrOutboxMessageExists, "id %s", msg.ID)
		}
		return domain.OutboxMessage{}, errors.Wrap(err, "enqueue outbox message")
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
