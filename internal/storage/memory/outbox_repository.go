package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	msg         domain.OutboxMessage
	state       outboxState
	leasedUntil time.Time
	lastError   string
}

func (e *outboxEntry) claimable(now time.Time) bool {
	return e.state == outboxPending && !e.leasedUntil.After(now)
}

// OutboxRepository — outbox в памяти. Сообщения хранятся в порядке записи.
type OutboxRepository struct {
	mu      sync.Mutex
	entries []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  time.Now,
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	stored, err := r.enqueueAll([]domain.OutboxMessage{msg})
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return stored[0], nil
}

// enqueueAll записывает пачку целиком или не записывает ничего.
func (r *OutboxRepository) enqueueAll(msgs []domain.OutboxMessage) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	stored := make([]domain.OutboxMessage, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if _, ok := r.byID[msg.ID]; ok {
			return nil, errors.Wrapf(domain.ErrOutboxMessageExists, "id %s", msg.ID)
		}
		if _, ok := seen[msg.ID]; ok {
			return nil, errors.Wrapf(domain.ErrOutboxMessageExists, "id %s", msg.ID)
		}
		seen[msg.ID] = struct{}{}
		msg.Attempts = 0
		msg.CreatedAt = now
		msg.Payload = slices.Clone(msg.Payload)
		stored = append(stored, msg)
	}

	for _, msg := range stored {
		entry := &outboxEntry{msg: msg}
		r.entries = append(r.entries, entry)
		r.byID[msg.ID] = entry
	}
	return stored, nil
}

func (r *OutboxRepository) Claim(_ context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	claimed := make([]domain.OutboxMessage, 0, min(limit, len(r.entries)))
	for _, entry := range r.entries {
		if len(claimed) == limit {
			break
		}
		if !entry.claimable(now) {
			continue
		}
		entry.leasedUntil = now.Add(lease)
		entry.msg.Attempts++
		claimed = append(claimed, entry.msg)
	}
	return claimed, nil
}

func (r *OutboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var stats domain.OutboxStats
	for _, entry := range r.entries {
		switch {
		case entry.state == outboxFailed:
			stats.FailedCount++
		case entry.state == outboxSent:
		case entry.claimable(now):
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() {
				stats.OldestPendingAt = entry.msg.CreatedAt
			}
		default:
			stats.LeasedCount++
		}
	}
	return stats, nil
}

// MarkSent подтверждает публикацию. Неизвестный id прерывает вызов,
// но уже обработанные до него id остаются отмеченными.
func (r *OutboxRepository) MarkSent(_ context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		entry, ok := r.byID[id]
		if !ok {
			return domain.ErrOutboxMessageNotFound
		}
		entry.state = outboxSent
		entry.leasedUntil = time.Time{}
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	entry.state = outboxFailed
	entry.leasedUntil = time.Time{}
	entry.lastError = reason
	return nil
}

// AllPending возвращает неотправленные сообщения в порядке записи, включая арендованные.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.OutboxMessage
	for _, entry := range r.entries {
		if entry.state == outboxPending {
			out = append(out, entry.msg)
		}
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
