package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

// linePlan — результат поиска строки заказа: вставка новой или изменение существующей.
type linePlan interface {
	// quantity — итоговое количество строки после применения.
	quantity() decimal.Decimal
	apply(ctx context.Context, tx domain.OrderTx, now time.Time) (domain.OrderItem, error)
}

// insertLine создаёт строку с ценой, зафиксированной из каталога.
type insertLine struct {
	orderID     int64
	productID   int64
	productName string
	qty         decimal.Decimal
	unitPrice   decimal.Decimal
}

func (p insertLine) quantity() decimal.Decimal { return p.qty }

func (p insertLine) apply(ctx context.Context, tx domain.OrderTx, now time.Time) (domain.OrderItem, error) {
	return tx.InsertItem(ctx, domain.OrderItem{
		OrderID:     p.orderID,
		ProductID:   p.productID,
		ProductName: p.productName,
		Quantity:    p.qty,
		UnitPrice:   p.unitPrice,
		Subtotal:    domain.Subtotal(p.qty, p.unitPrice),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// updateLine меняет количество существующей строки. Цена остаётся прежней.
type updateLine struct {
	existing domain.OrderItem
	qty      decimal.Decimal
}

func (p updateLine) quantity() decimal.Decimal { return p.qty }

func (p updateLine) apply(ctx context.Context, tx domain.OrderTx, now time.Time) (domain.OrderItem, error) {
	item := p.existing
	item.Quantity = p.qty
	item.Subtotal = domain.Subtotal(p.qty, item.UnitPrice)
	item.UpdatedAt = now
	if err := tx.UpdateItemQuantity(ctx, item.ID, item.Quantity, item.Subtotal); err != nil {
		return domain.OrderItem{}, err
	}
	return item, nil
}

// planAddition накапливает количество на строке товара (merge) или планирует вставку.
func planAddition(order domain.Order, product domain.Product, requested decimal.Decimal) linePlan {
	if existing, ok := order.FindItem(product.ID); ok {
		return updateLine{existing: existing, qty: existing.Quantity.Add(requested)}
	}
	return insertLine{
		orderID:     order.ID,
		productID:   product.ID,
		productName: product.Name,
		qty:         requested,
		unitPrice:   product.Price,
	}
}
