package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

type orderData struct {
	orders      map[int64]domain.Order
	items       map[int64]domain.OrderItem
	nextOrderID int64
	nextItemID  int64
}

func (d orderData) clone() orderData {
	c := orderData{
		orders:      make(map[int64]domain.Order, len(d.orders)),
		items:       make(map[int64]domain.OrderItem, len(d.items)),
		nextOrderID: d.nextOrderID,
		nextItemID:  d.nextItemID,
	}
	for id, order := range d.orders {
		c.orders[id] = order
	}
	for id, item := range d.items {
		c.items[id] = item
	}
	return c
}

func (d orderData) itemsOf(orderID int64) []domain.OrderItem {
	result := make([]domain.OrderItem, 0)
	for _, item := range d.items {
		if item.OrderID == orderID {
			result = append(result, item)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// OrderStore — in-memory хранилище заказов для локальной разработки и тестов.
// Транзакции сериализуются и работают с копией данных, которая подменяет
// основную только при успешном завершении.
type OrderStore struct {
	txMu sync.Mutex

	mu   sync.RWMutex
	data orderData

	outbox   *OutboxRepository
	timeline *TimelineRepository
	seq      atomic.Int64
}

// NewOrderStore создаёт in-memory хранилище. outbox и timeline могут быть nil.
func NewOrderStore(outbox *OutboxRepository, timeline *TimelineRepository) *OrderStore {
	return &OrderStore{
		data: orderData{
			orders: make(map[int64]domain.Order),
			items:  make(map[int64]domain.OrderItem),
		},
		outbox:   outbox,
		timeline: timeline,
	}
}

// GetOrder возвращает заказ с позициями.
func (s *OrderStore) GetOrder(_ context.Context, orderID int64) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.data.orders[orderID]
	if !ok {
		return domain.Order{}, domain.NewOrderNotFound(orderID)
	}
	order.Items = s.data.itemsOf(orderID)
	return order, nil
}

// WithinTx выполняет fn атомарно: изменения видны только после успешного завершения.
func (s *OrderStore) WithinTx(ctx context.Context, fn func(tx domain.OrderTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	tx := &orderTx{data: s.data.clone()}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Отказ записи в outbox отменяет транзакцию.
	if s.outbox != nil && len(tx.outbox) > 0 {
		if _, err := s.outbox.enqueueAll(tx.outbox); err != nil {
			return errors.Wrap(err, "enqueue outbox message")
		}
	}

	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()

	if s.timeline != nil {
		s.timeline.record(tx.timeline...)
	}
	return nil
}

// NextOrderSequence реализует атомарный счётчик номеров заказов.
func (s *OrderStore) NextOrderSequence(context.Context) (int64, error) {
	return s.seq.Add(1), nil
}

// SetStatus меняет статус заказа. Переходы статусов выполняются вне движка мутаций.
func (s *OrderStore) SetStatus(_ context.Context, orderID int64, status domain.OrderStatus) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.data.orders[orderID]
	if !ok {
		return domain.NewOrderNotFound(orderID)
	}
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	s.data.orders[orderID] = order
	return nil
}

type orderTx struct {
	data     orderData
	outbox   []domain.OutboxMessage
	timeline []domain.TimelineEvent
}

func (t *orderTx) CreateOrder(_ context.Context, order domain.Order) (domain.Order, error) {
	for _, existing := range t.data.orders {
		if existing.OrderNumber == order.OrderNumber {
			return domain.Order{}, domain.ErrItemAlreadyExists
		}
	}
	t.data.nextOrderID++
	order.ID = t.data.nextOrderID
	order.Items = nil
	t.data.orders[order.ID] = order
	return order, nil
}

func (t *orderTx) LockOrder(_ context.Context, orderID int64) (domain.Order, error) {
	order, ok := t.data.orders[orderID]
	if !ok {
		return domain.Order{}, domain.NewOrderNotFound(orderID)
	}
	order.Items = t.data.itemsOf(orderID)
	return order, nil
}

func (t *orderTx) InsertItem(_ context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	for _, existing := range t.data.items {
		if existing.OrderID == item.OrderID && existing.ProductID == item.ProductID {
			return domain.OrderItem{}, domain.ErrItemAlreadyExists
		}
	}
	t.data.nextItemID++
	item.ID = t.data.nextItemID
	t.data.items[item.ID] = item
	return item, nil
}

func (t *orderTx) UpdateItemQuantity(_ context.Context, itemID int64, quantity, subtotal decimal.Decimal) error {
	item, ok := t.data.items[itemID]
	if !ok {
		return errors.Errorf("order item %d not found", itemID)
	}
	item.Quantity = quantity
	item.Subtotal = subtotal
	item.UpdatedAt = time.Now().UTC()
	t.data.items[itemID] = item
	return nil
}

func (t *orderTx) DeleteItem(_ context.Context, itemID int64) error {
	delete(t.data.items, itemID)
	return nil
}

func (t *orderTx) ListItems(_ context.Context, orderID int64) ([]domain.OrderItem, error) {
	return t.data.itemsOf(orderID), nil
}

func (t *orderTx) SetTotal(_ context.Context, orderID int64, total decimal.Decimal, updatedAt time.Time) error {
	order, ok := t.data.orders[orderID]
	if !ok {
		return domain.NewOrderNotFound(orderID)
	}
	order.TotalAmount = total
	order.UpdatedAt = updatedAt
	t.data.orders[orderID] = order
	return nil
}

func (t *orderTx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	t.outbox = append(t.outbox, msg)
	return nil
}

func (t *orderTx) AppendTimeline(_ context.Context, event domain.TimelineEvent) error {
	t.timeline = append(t.timeline, event)
	return nil
}

var (
	_ domain.OrderStore          = (*OrderStore)(nil)
	_ domain.OrderNumberSequence = (*OrderStore)(nil)
	_ domain.OrderTx             = (*orderTx)(nil)
)
