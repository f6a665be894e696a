package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	selectOrderSQL = `
		SELECT o.id, o.order_number, o.customer_id,
		       COALESCE((SELECT c.name FROM customers c WHERE c.id = o.customer_id), ''),
		       o.status, o.total_amount, o.order_date, o.updated_at
		FROM orders o
		WHERE o.id = $1`

	selectItemsSQL = `
		SELECT oi.id, oi.order_id, oi.product_id, p.name, oi.quantity, oi.unit_price, oi.subtotal,
		       oi.created_at, oi.updated_at
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`
)

// OrderStore — PostgreSQL-хранилище заказов. Мутации выполняются в транзакции
// READ COMMITTED, строка заказа блокируется через SELECT ... FOR UPDATE.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore создаёт PostgreSQL-реализацию OrderStore.
func NewOrderStore(store *Store) *OrderStore {
	return &OrderStore{pool: store.Pool()}
}

func (s *OrderStore) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := loadOrder(ctx, s.pool, selectOrderSQL, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Items, err = loadItems(ctx, s.pool, orderID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *OrderStore) WithinTx(ctx context.Context, fn func(tx domain.OrderTx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&orderTx{tx: tx})
	})
}

// NextOrderSequence выдаёт следующее значение последовательности order_number_seq.
func (s *OrderStore) NextOrderSequence(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "next order sequence")
	}
	return n, nil
}

// SetStatus меняет статус заказа. Переходы статусов выполняются вне движка мутаций.
func (s *OrderStore) SetStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1
	`, orderID, string(status))
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if tag.RowsAffected() == 0 {
		return domain.NewOrderNotFound(orderID)
	}
	return nil
}

type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (order_number, customer_id, status, total_amount, order_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		order.OrderNumber, order.CustomerID, string(order.Status), order.TotalAmount, order.OrderDate, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Order{}, domain.ErrItemAlreadyExists
		}
		return domain.Order{}, errors.Wrap(err, "insert order")
	}
	order.Items = nil
	return order, nil
}

func (t *orderTx) LockOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	order, err := loadOrder(ctx, t.tx, selectOrderSQL+" FOR UPDATE", orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Items, err = loadItems(ctx, t.tx, orderID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (t *orderTx) InsertItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal, item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OrderItem{}, domain.ErrItemAlreadyExists
		}
		return domain.OrderItem{}, errors.Wrap(err, "insert order item")
	}
	return item, nil
}

func (t *orderTx) UpdateItemQuantity(ctx context.Context, itemID int64, quantity, subtotal decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE order_items
		SET quantity = $2, subtotal = $3, updated_at = NOW()
		WHERE id = $1
	`, itemID, quantity, subtotal)
	if err != nil {
		return errors.Wrap(err, "update order item")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("order item %d not found", itemID)
	}
	return nil
}

func (t *orderTx) DeleteItem(ctx context.Context, itemID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM order_items WHERE id = $1`, itemID); err != nil {
		return errors.Wrap(err, "delete order item")
	}
	return nil
}

func (t *orderTx) ListItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	return loadItems(ctx, t.tx, orderID)
}

func (t *orderTx) SetTotal(ctx context.Context, orderID int64, total decimal.Decimal, updatedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET total_amount = $2, updated_at = $3 WHERE id = $1
	`, orderID, total, updatedAt)
	if err != nil {
		return errors.Wrap(err, "update order total")
	}
	if tag.RowsAffected() == 0 {
		return domain.NewOrderNotFound(orderID)
	}
	return nil
}

func (t *orderTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	_, err := insertOutbox(ctx, t.tx, msg)
	return err
}

func (t *orderTx) AppendTimeline(ctx context.Context, event domain.TimelineEvent) error {
	return insertTimeline(ctx, t.tx, event)
}

func loadOrder(ctx context.Context, q querier, query string, orderID int64) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := q.QueryRow(ctx, query, orderID).Scan(
		&order.ID,
		&order.OrderNumber,
		&order.CustomerID,
		&order.CustomerName,
		&status,
		&order.TotalAmount,
		&order.OrderDate,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.NewOrderNotFound(orderID)
		}
		return domain.Order{}, errors.Wrap(err, "select order")
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func loadItems(ctx context.Context, q querier, orderID int64) ([]domain.OrderItem, error) {
	rows, err := q.Query(ctx, selectItemsSQL, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select order items")
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var item domain.OrderItem
		err := row.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		return item, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan order items")
	}
	return items, nil
}

var (
	_ domain.OrderStore          = (*OrderStore)(nil)
	_ domain.OrderNumberSequence = (*OrderStore)(nil)
	_ domain.OrderTx             = (*orderTx)(nil)
)
