package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

type TimelineRepository struct {
	pool *pgxpool.Pool
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{pool: store.Pool()}
}

type timelineRow struct {
	OrderID  int64     `db:"order_id"`
	Type     string    `db:"type"`
	Reason   string    `db:"reason"`
	Occurred time.Time `db:"occurred"`
}

// List отдаёт события заказа по времени; при равном времени побеждает порядок вставки.
func (r *TimelineRepository) List(ctx context.Context, orderID int64) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT order_id, type, reason, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id
	`, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "query timeline of order %d", orderID)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[timelineRow])
	if err != nil {
		return nil, errors.Wrapf(err, "read timeline of order %d", orderID)
	}

	events := make([]domain.TimelineEvent, len(collected))
	for i, row := range collected {
		events[i] = domain.TimelineEvent{
			OrderID:  row.OrderID,
			Type:     row.Type,
			Reason:   row.Reason,
			Occurred: row.Occurred.UTC(),
		}
	}
	return events, nil
}

// insertTimeline вызывается из транзакции заказа.
func insertTimeline(ctx context.Context, q querier, event domain.TimelineEvent) error {
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, event.Reason, occurred.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "append %s to timeline of order %d", event.Type, event.OrderID)
	}
	return nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
