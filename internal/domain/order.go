package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusNew — заказ создан, позиции можно менять.
	OrderStatusNew OrderStatus = "new"
	// OrderStatusProcessing — заказ передан в обработку.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — заказ отгружен.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ доставлен (терминальный статус).
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён (терминальный статус).
	OrderStatusCancelled OrderStatus = "cancelled"
)

const (
	// QuantityScale — максимальное число знаков после запятой в количестве.
	QuantityScale = 3
	// MoneyScale — точность денежных сумм.
	MoneyScale = 2
)

// MaxQuantity — наибольшее количество в строке заказа, NUMERIC(10,3).
var MaxQuantity = decimal.RequireFromString("9999999.999")

// Valid проверяет, что статус относится к известным значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// OrderItem представляет одну позицию (строку) заказа.
type OrderItem struct {
	ID        int64
	OrderID   int64
	ProductID int64
	// ProductName заполняется только при чтении заказа.
	ProductName string
	Quantity    decimal.Decimal
	// UnitPrice фиксируется при первой вставке позиции и дальше не меняется.
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID          int64
	OrderNumber string
	CustomerID  int64
	// CustomerName заполняется при чтении заказа.
	CustomerName string
	Status       OrderStatus
	TotalAmount  decimal.Decimal
	OrderDate    time.Time
	UpdatedAt    time.Time
	Items        []OrderItem
}

// Mutable сообщает, можно ли менять позиции заказа.
func (o *Order) Mutable() bool {
	return o.Status == OrderStatusNew
}

// FindItem возвращает позицию по товару.
func (o *Order) FindItem(productID int64) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return OrderItem{}, false
}

// Subtotal считает стоимость строки: quantity * unit_price с округлением до копеек.
func Subtotal(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitPrice).Round(MoneyScale)
}

// SumSubtotals пересчитывает сумму заказа с нуля по позициям.
func SumSubtotals(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal)
	}
	return total.Round(MoneyScale)
}

// ValidQuantity проверяет, что количество положительное и укладывается в NUMERIC(10,3).
func ValidQuantity(q decimal.Decimal) bool {
	if !q.IsPositive() || q.GreaterThan(MaxQuantity) {
		return false
	}
	return q.Equal(q.Truncate(QuantityScale))
}

// ValidateInvariants проверяет инварианты заказа и возвращает список нарушений.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID <= 0 {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.OrderNumber == "" {
		errs = append(errs, ErrOrderNumberRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusUnknown)
	}
	if o.TotalAmount.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}

	seen := make(map[int64]struct{}, len(o.Items))
	for _, item := range o.Items {
		if !item.Quantity.IsPositive() {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if _, dup := seen[item.ProductID]; dup {
			errs = append(errs, ErrItemDuplicated)
		}
		seen[item.ProductID] = struct{}{}
	}
	if !SumSubtotals(o.Items).Equal(o.TotalAmount) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
