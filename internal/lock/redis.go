package lock

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// Токен сравнивается на стороне Redis, чтобы не снять и не продлить чужую аренду.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// abandonTimeout ограничивает снятие ключа после прерванного SET NX.
const abandonTimeout = time.Second

// RedisLocker реализует LockService поверх SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker создаёт LockService на Redis. prefix добавляется ко всем ключам.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		// Redis мог применить SET до отмены ctx: иначе ключ провисит до истечения ttl.
		if ctx.Err() != nil {
			l.abandon(ctx, key, token)
		}
		return domain.Lease{}, errors.Wrap(err, "redis set nx")
	}
	if !ok {
		return domain.Lease{}, domain.ErrLockBusy
	}

	return domain.Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

// abandon снимает ключ, только если в нём лежит token этой попытки.
func (l *RedisLocker) abandon(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("failed to release interrupted lock acquisition")
	}
}

func (l *RedisLocker) Release(ctx context.Context, lease domain.Lease) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + lease.Key}, lease.Token).Err(); err != nil {
		return errors.Wrap(err, "redis release")
	}
	return nil
}

func (l *RedisLocker) Renew(ctx context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.prefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return domain.Lease{}, errors.Wrap(err, "redis renew")
	}
	if renewed == 0 {
		return domain.Lease{}, domain.ErrLeaseLost
	}

	lease.ExpiresAt = time.Now().Add(ttl)
	return lease, nil
}

// Ping проверяет доступность Redis для health-check.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ domain.LockService = (*RedisLocker)(nil)
