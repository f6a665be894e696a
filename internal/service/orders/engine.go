// Package orders реализует движок мутаций заказа: создание заказа и изменение его позиций
// под арендой блокировки заказа с атомарным пересчётом суммы.
package orders

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/lock"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

const (
	opCreateOrder    = "create_order"
	opAddItem        = "add_item"
	opRemoveItem     = "remove_item"
	opUpdateQuantity = "update_item_quantity"

	releaseTimeout = 2 * time.Second
)

// NumberGenerator выдаёт уникальные номера заказов.
type NumberGenerator interface {
	Next(ctx context.Context) (string, error)
}

// Dependencies — внешние коллабораторы движка.
type Dependencies struct {
	Store     domain.OrderStore
	Catalog   domain.Catalog
	Customers domain.CustomerDirectory
	Locker    domain.LockService
	Numbers   NumberGenerator
	Timeline  domain.TimelineRepository
}

// Option настраивает Engine.
type Option func(*Engine)

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics задаёт метрики движка.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLeaseTTL задаёт срок аренды блокировки заказа.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

// WithLockRetry задаёт ограниченное ожидание занятой блокировки.
func WithLockRetry(cfg lock.RetryConfig) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine сериализует мутации одного заказа через LockService и применяет их
// одной транзакцией хранилища вместе с пересчётом суммы.
type Engine struct {
	store     domain.OrderStore
	catalog   domain.Catalog
	customers domain.CustomerDirectory
	locker    domain.LockService
	numbers   NumberGenerator
	timeline  domain.TimelineRepository

	metrics  *metrics.OrderMetrics
	logger   *log.Entry
	leaseTTL time.Duration
	retry    lock.RetryConfig
	now      func() time.Time
}

// NewEngine создаёт движок мутаций заказа.
func NewEngine(deps Dependencies, options ...Option) *Engine {
	e := &Engine{
		store:     deps.Store,
		catalog:   deps.Catalog,
		customers: deps.Customers,
		locker:    deps.Locker,
		numbers:   deps.Numbers,
		timeline:  deps.Timeline,
		logger:    log.WithField("component", "order-engine"),
		leaseTTL:  lock.DefaultTTL,
		retry:     lock.DefaultRetryConfig(),
		now:       time.Now,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// CreateOrder создаёт пустой заказ клиента в статусе new. Блокировка не нужна.
func (e *Engine) CreateOrder(ctx context.Context, customerID int64) (order domain.Order, err error) {
	defer e.observe(opCreateOrder, e.now(), &err)

	owner, err := e.customers.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.Order{}, err
	}

	number, err := e.numbers.Next(ctx)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "generate order number")
	}

	now := e.now().UTC()
	err = e.store.WithinTx(ctx, func(tx domain.OrderTx) error {
		created, err := tx.CreateOrder(ctx, domain.Order{
			OrderNumber:  number,
			CustomerID:   customerID,
			CustomerName: owner.Name,
			Status:       domain.OrderStatusNew,
			TotalAmount:  decimal.Zero,
			OrderDate:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return errors.Wrap(err, "insert order")
		}
		order = created

		if err := e.recordEvent(ctx, tx, order, domain.EventOrderCreated, domain.TimelineOrderCreated, "order created", nil, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"customer_id":  customerID,
	}).Info("order created")
	return order, nil
}

// AddItem добавляет товар в заказ. Повторное добавление того же товара
// увеличивает количество строки, цена остаётся зафиксированной при первой вставке.
// inserted сообщает, что строка товара создана этим вызовом.
func (e *Engine) AddItem(ctx context.Context, orderID, productID int64, quantity decimal.Decimal) (result domain.Order, inserted bool, err error) {
	defer e.observe(opAddItem, e.now(), &err)

	if !domain.ValidQuantity(quantity) {
		return domain.Order{}, false, domain.NewInvalidQuantity(quantity)
	}

	err = e.withOrderLease(ctx, orderID, func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx domain.OrderTx) error {
			order, err := e.loadMutable(ctx, tx, orderID)
			if err != nil {
				return err
			}

			product, err := e.catalog.GetProduct(ctx, productID)
			if err != nil {
				return err
			}

			plan := planAddition(order, product, quantity)
			if !domain.ValidQuantity(plan.quantity()) {
				return domain.NewInvalidQuantity(plan.quantity())
			}
			if err := e.ensureAvailable(ctx, product, plan.quantity()); err != nil {
				return err
			}

			now := e.now().UTC()
			item, err := plan.apply(ctx, tx, now)
			if err != nil {
				return errors.Wrap(err, "apply order line")
			}

			if result, err = e.recalculate(ctx, tx, order, now); err != nil {
				return err
			}

			eventType, timelineType := domain.EventOrderItemUpdated, domain.TimelineItemUpdated
			if _, inserted = plan.(insertLine); inserted {
				eventType, timelineType = domain.EventOrderItemAdded, domain.TimelineItemAdded
			}
			return e.recordEvent(ctx, tx, result, eventType, timelineType, "item added", &item, now)
		})
	})
	if err != nil {
		return domain.Order{}, false, err
	}

	e.logger.WithFields(log.Fields{
		"order_id":     orderID,
		"product_id":   productID,
		"quantity":     quantity.String(),
		"new_line":     inserted,
		"total_amount": result.TotalAmount.StringFixed(domain.MoneyScale),
	}).Info("item added to order")
	return result, inserted, nil
}

// RemoveItem удаляет строку товара из заказа целиком.
func (e *Engine) RemoveItem(ctx context.Context, orderID, productID int64) (result domain.Order, err error) {
	defer e.observe(opRemoveItem, e.now(), &err)

	err = e.withOrderLease(ctx, orderID, func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx domain.OrderTx) error {
			order, err := e.loadMutable(ctx, tx, orderID)
			if err != nil {
				return err
			}

			item, ok := order.FindItem(productID)
			if !ok {
				return domain.NewProductNotFound(productID)
			}

			if err := tx.DeleteItem(ctx, item.ID); err != nil {
				return errors.Wrap(err, "delete order item")
			}

			now := e.now().UTC()
			if result, err = e.recalculate(ctx, tx, order, now); err != nil {
				return err
			}
			return e.recordEvent(ctx, tx, result, domain.EventOrderItemRemoved, domain.TimelineItemRemoved, "item removed", &item, now)
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.logger.WithFields(log.Fields{
		"order_id":     orderID,
		"product_id":   productID,
		"total_amount": result.TotalAmount.StringFixed(domain.MoneyScale),
	}).Info("item removed from order")
	return result, nil
}

// UpdateItemQuantity задаёт абсолютное количество существующей строки.
func (e *Engine) UpdateItemQuantity(ctx context.Context, orderID, productID int64, quantity decimal.Decimal) (result domain.Order, err error) {
	defer e.observe(opUpdateQuantity, e.now(), &err)

	if !domain.ValidQuantity(quantity) {
		return domain.Order{}, domain.NewInvalidQuantity(quantity)
	}

	err = e.withOrderLease(ctx, orderID, func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(tx domain.OrderTx) error {
			order, err := e.loadMutable(ctx, tx, orderID)
			if err != nil {
				return err
			}

			existing, ok := order.FindItem(productID)
			if !ok {
				return domain.NewProductNotFound(productID)
			}

			product, err := e.catalog.GetProduct(ctx, productID)
			if err != nil {
				return err
			}

			plan := updateLine{existing: existing, qty: quantity}
			if err := e.ensureAvailable(ctx, product, plan.quantity()); err != nil {
				return err
			}

			now := e.now().UTC()
			item, err := plan.apply(ctx, tx, now)
			if err != nil {
				return errors.Wrap(err, "apply order line")
			}

			if result, err = e.recalculate(ctx, tx, order, now); err != nil {
				return err
			}
			return e.recordEvent(ctx, tx, result, domain.EventOrderItemUpdated, domain.TimelineItemUpdated, "quantity updated", &item, now)
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// GetOrder возвращает заказ с позициями.
func (e *Engine) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// Timeline возвращает события жизненного цикла заказа в хронологическом порядке.
func (e *Engine) Timeline(ctx context.Context, orderID int64) ([]domain.TimelineEvent, error) {
	if _, err := e.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if e.timeline == nil {
		return nil, nil
	}
	return e.timeline.List(ctx, orderID)
}

// withOrderLease выполняет fn под арендой order:{id}. Аренда освобождается на любом выходе.
// Критическая секция ограничена сроком аренды с запасом, чтобы не пережить её.
func (e *Engine) withOrderLease(ctx context.Context, orderID int64, fn func(ctx context.Context) error) error {
	key := lock.OrderKey(orderID)
	started := e.now()

	lease, err := lock.Acquire(ctx, e.locker, key, e.leaseTTL, e.retry, e.logger)
	if err != nil {
		if errors.Is(err, domain.ErrLockBusy) {
			e.metrics.RecordLockBusy()
			return domain.NewConcurrentModification(orderID)
		}
		return errors.Wrap(err, "acquire order lease")
	}
	e.metrics.RecordLockAcquired(e.now().Sub(started))
	e.metrics.MutationStarted()

	defer func() {
		e.metrics.MutationFinished()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := e.locker.Release(releaseCtx, lease); err != nil {
			e.metrics.RecordLockReleaseError()
			e.logger.WithError(err).WithField("key", key).Warn("failed to release order lease, it will expire by ttl")
		}
	}()

	criticalCtx, cancel := context.WithTimeout(ctx, e.leaseTTL-e.leaseTTL/10)
	defer cancel()
	return fn(criticalCtx)
}

// loadMutable читает заказ под блокировкой строки и проверяет, что он открыт для изменений.
func (e *Engine) loadMutable(ctx context.Context, tx domain.OrderTx, orderID int64) (domain.Order, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !order.Mutable() {
		return domain.Order{}, domain.NewOrderClosed(orderID, order.Status)
	}
	return order, nil
}

// ensureAvailable сверяет итоговое количество строки с остатком каталога.
func (e *Engine) ensureAvailable(ctx context.Context, product domain.Product, lineTotal decimal.Decimal) error {
	ok, err := e.catalog.IsAvailable(ctx, product.ID, lineTotal)
	if err != nil {
		return errors.Wrap(err, "check availability")
	}
	if !ok {
		return domain.NewProductNotAvailable(product.ID, lineTotal, product.Quantity)
	}
	return nil
}

// recalculate пересчитывает сумму заказа с нуля по строкам внутри той же транзакции.
func (e *Engine) recalculate(ctx context.Context, tx domain.OrderTx, order domain.Order, now time.Time) (domain.Order, error) {
	items, err := tx.ListItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "list order items")
	}

	total := domain.SumSubtotals(items)
	if err := tx.SetTotal(ctx, order.ID, total, now); err != nil {
		return domain.Order{}, errors.Wrap(err, "update order total")
	}

	order.Items = items
	order.TotalAmount = total
	order.UpdatedAt = now
	return order, nil
}

func (e *Engine) observe(operation string, started time.Time, errp *error) {
	result := metrics.ResultOK
	if err := *errp; err != nil {
		result = metrics.ResultError
		if kind, ok := domain.KindOf(err); ok {
			result = string(kind)
			e.logger.WithFields(log.Fields{
				"operation": operation,
				"kind":      kind,
			}).Debug(err.Error())
		} else {
			e.logger.WithError(err).WithField("operation", operation).Error("order operation failed")
		}
	}
	e.metrics.RecordMutation(operation, result, e.now().Sub(started))
}
