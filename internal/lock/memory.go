package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker — блокировки в памяти процесса. Подходит для одного инстанса и тестов.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker создаёт in-memory реализацию LockService.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if err := ctx.Err(); err != nil {
		return domain.Lease{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.entries[key]; ok && current.expiresAt.After(now) {
		return domain.Lease{}, domain.ErrLockBusy
	}

	lease := domain.Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	l.entries[key] = memoryEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (l *MemoryLocker) Release(_ context.Context, lease domain.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.entries[lease.Key]; ok && current.token == lease.Token {
		delete(l.entries, lease.Key)
	}
	return nil
}

func (l *MemoryLocker) Renew(_ context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	current, ok := l.entries[lease.Key]
	if !ok || current.token != lease.Token || !current.expiresAt.After(now) {
		return domain.Lease{}, domain.ErrLeaseLost
	}

	lease.ExpiresAt = now.Add(ttl)
	l.entries[lease.Key] = memoryEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

// Held сообщает, занят ли ключ в данный момент.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[key]
	return ok && current.expiresAt.After(l.now())
}

var _ domain.LockService = (*MemoryLocker)(nil)
