package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// TimelineRepository — журнал событий заказов в памяти.
// События одного заказа упорядочены по времени, равные по времени остаются в порядке записи.
type TimelineRepository struct {
	mu      sync.RWMutex
	byOrder map[int64][]domain.TimelineEvent
}

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{byOrder: make(map[int64][]domain.TimelineEvent)}
}

// record вызывается OrderStore после фиксации транзакции.
func (r *TimelineRepository) record(events ...domain.TimelineEvent) {
	if len(events) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[int64]struct{}, 1)
	for _, event := range events {
		r.byOrder[event.OrderID] = append(r.byOrder[event.OrderID], event)
		touched[event.OrderID] = struct{}{}
	}
	for orderID := range touched {
		slices.SortStableFunc(r.byOrder[orderID], func(a, b domain.TimelineEvent) int {
			return cmp.Compare(a.Occurred.UnixNano(), b.Occurred.UnixNano())
		})
	}
}

func (r *TimelineRepository) List(_ context.Context, orderID int64) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.byOrder[orderID]), nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
