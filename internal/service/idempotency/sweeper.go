// Package idempotency удаляет просроченные ключи Idempotency-Key.
package idempotency

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

// Store — часть репозитория ключей, нужная для очистки.
type Store interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// SweeperConfig задаёт ритм очистки.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches ограничивает число DELETE за один проход; остаток уйдёт в следующий.
	MaxBatches int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 20
	}
	return c
}

// SweepResult — итог одного прохода.
type SweepResult struct {
	Deleted int
	Batches int
	// Backlog выставлен, если проход упёрся в MaxBatches.
	Backlog bool
}

// Sweeper периодически удаляет истёкшие ключи порциями.
type Sweeper struct {
	store   Store
	cfg     SweeperConfig
	logger  *log.Entry
	metrics *metrics.CleanupMetrics
	now     func() time.Time
}

// NewSweeper создаёт Sweeper. Нулевые поля cfg заменяются значениями по умолчанию.
func NewSweeper(store Store, cfg SweeperConfig, m *metrics.CleanupMetrics, logger *log.Entry) *Sweeper {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Sweeper{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("component", "idempotency-sweeper"),
		metrics: m,
		now:     time.Now,
	}
}

// Run выполняет проход сразу и затем через Interval после окончания предыдущего.
// При накопившемся хвосте следующий проход начинается без паузы.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.store == nil {
		s.logger.Warn("idempotency sweeper disabled: no store")
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

		res, err := s.Sweep(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			s.metrics.RecordRun(metrics.ResultError, res.Deleted)
			s.logger.WithError(err).WithField("deleted", res.Deleted).Warn("idempotency sweep failed")
		default:
			s.metrics.RecordRun(metrics.ResultOK, res.Deleted)
			if res.Deleted > 0 {
				s.logger.WithFields(log.Fields{
					"deleted": res.Deleted,
					"batches": res.Batches,
					"backlog": res.Backlog,
				}).Info("idempotency sweep completed")
			}
		}

		next := s.cfg.Interval
		if err == nil && res.Backlog {
			next = 0
		}
		timer.Reset(next)
	}
}

// Sweep удаляет ключи, истёкшие к текущему моменту.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	before := s.now().UTC()

	var res SweepResult
	for res.Batches < s.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := s.store.DeleteExpired(ctx, before, s.cfg.BatchSize)
		if err != nil {
			return res, errors.Wrapf(err, "batch %d", res.Batches+1)
		}
		res.Batches++
		res.Deleted += n
		s.metrics.AddDeleted(n)

		if n < s.cfg.BatchSize {
			return res, nil
		}
	}
	res.Backlog = true
	return res, nil
}
