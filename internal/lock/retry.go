package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// DefaultTTL — срок аренды блокировки заказа по умолчанию.
const DefaultTTL = 30 * time.Second

// RetryConfig задаёт ограниченное ожидание занятой блокировки.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  25 * time.Millisecond,
		MaxDelay:      400 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	if c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay {
		c.InitialDelay = c.MaxDelay
	}
	return c
}

// OrderKey возвращает имя блокировки заказа.
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// Acquire захватывает key с ограниченным числом попыток и экспоненциальной задержкой.
// Занятость после последней попытки или отмена ctx во время ожидания дают ErrLockBusy.
// Ошибки бэкенда возвращаются сразу, без повторов.
func Acquire(ctx context.Context, svc domain.LockService, key string, ttl time.Duration, cfg RetryConfig, logger *log.Entry) (domain.Lease, error) {
	if logger == nil {
		logger = log.WithField("component", "lock")
	}
	cfg = cfg.normalized()
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Lease{}, errors.Wrap(domain.ErrLockBusy, err.Error())
		}

		lease, err := svc.Acquire(ctx, key, ttl)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(log.Fields{
					"key":     key,
					"attempt": attempt,
				}).Debug("lock acquired after retry")
			}
			return lease, nil
		}
		if !errors.Is(err, domain.ErrLockBusy) {
			if ctx.Err() != nil {
				return domain.Lease{}, errors.Wrap(domain.ErrLockBusy, ctx.Err().Error())
			}
			return domain.Lease{}, errors.Wrapf(err, "acquire %s", key)
		}
		if attempt >= cfg.MaxAttempts {
			logger.WithFields(log.Fields{
				"key":          key,
				"max_attempts": cfg.MaxAttempts,
			}).Debug("lock is still busy after all attempts")
			return domain.Lease{}, domain.ErrLockBusy
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Lease{}, errors.Wrap(domain.ErrLockBusy, ctx.Err().Error())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
