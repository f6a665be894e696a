package domain

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrorKind — машиночитаемый тип доменной ошибки, не зависящий от транспорта.
type ErrorKind string

const (
	KindOrderNotFound          ErrorKind = "order_not_found"
	KindProductNotFound        ErrorKind = "product_not_found"
	KindCustomerNotFound       ErrorKind = "customer_not_found"
	KindProductNotAvailable    ErrorKind = "product_not_available"
	KindOrderClosed            ErrorKind = "order_closed"
	KindConcurrentModification ErrorKind = "concurrent_modification"
	KindInvalidQuantity        ErrorKind = "invalid_quantity"
)

// Error — доменная ошибка с типом и структурированными деталями.
// errors.Is сравнивает ошибки по Kind, поэтому sentinel-значения ниже
// совпадают с любой ошибкой того же типа.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is реализует сравнение по типу ошибки.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrOrderNotFound          = &Error{Kind: KindOrderNotFound}
	ErrProductNotFound        = &Error{Kind: KindProductNotFound}
	ErrCustomerNotFound       = &Error{Kind: KindCustomerNotFound}
	ErrProductNotAvailable    = &Error{Kind: KindProductNotAvailable}
	ErrOrderClosed            = &Error{Kind: KindOrderClosed}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrInvalidQuantity        = &Error{Kind: KindInvalidQuantity}
)

// NewOrderNotFound возвращает ошибку отсутствующего заказа.
func NewOrderNotFound(orderID int64) *Error {
	return &Error{
		Kind:    KindOrderNotFound,
		Message: fmt.Sprintf("order %d not found", orderID),
		Details: map[string]any{"order_id": orderID},
	}
}

// NewProductNotFound возвращает ошибку отсутствующего товара (в каталоге или в заказе).
func NewProductNotFound(productID int64) *Error {
	return &Error{
		Kind:    KindProductNotFound,
		Message: fmt.Sprintf("product %d not found", productID),
		Details: map[string]any{"product_id": productID},
	}
}

// NewCustomerNotFound возвращает ошибку отсутствующего клиента.
func NewCustomerNotFound(customerID int64) *Error {
	return &Error{
		Kind:    KindCustomerNotFound,
		Message: fmt.Sprintf("customer %d not found", customerID),
		Details: map[string]any{"customer_id": customerID},
	}
}

// NewProductNotAvailable сообщает, что запрошенное количество превышает остаток.
func NewProductNotAvailable(productID int64, requested, available decimal.Decimal) *Error {
	return &Error{
		Kind:    KindProductNotAvailable,
		Message: fmt.Sprintf("product %d is not available in quantity %s (available %s)", productID, requested, available),
		Details: map[string]any{
			"product_id":         productID,
			"requested_quantity": requested,
			"available_quantity": available,
		},
	}
}

// NewOrderClosed сообщает, что заказ вышел из статуса new.
func NewOrderClosed(orderID int64, status OrderStatus) *Error {
	return &Error{
		Kind:    KindOrderClosed,
		Message: fmt.Sprintf("order %d has status %q and cannot be modified", orderID, status),
		Details: map[string]any{
			"order_id":       orderID,
			"current_status": string(status),
		},
	}
}

// NewConcurrentModification сообщает, что блокировку заказа получить не удалось.
func NewConcurrentModification(orderID int64) *Error {
	return &Error{
		Kind:    KindConcurrentModification,
		Message: fmt.Sprintf("order %d is being modified by another request", orderID),
		Details: map[string]any{"order_id": orderID},
	}
}

// NewInvalidQuantity сообщает о неположительном или слишком точном количестве.
func NewInvalidQuantity(quantity decimal.Decimal) *Error {
	return &Error{
		Kind:    KindInvalidQuantity,
		Message: fmt.Sprintf("quantity %s must be greater than zero with at most %d decimal places", quantity, QuantityScale),
		Details: map[string]any{"quantity": quantity},
	}
}

// KindOf извлекает тип доменной ошибки. ok=false для инфраструктурных ошибок.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// IsDomainError сообщает, что ошибка относится к доменной таксономии.
func IsDomainError(err error) bool {
	_, ok := KindOf(err)
	return ok
}

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего номера заказа.
	ErrOrderNumberRequired = errors.New("order_number is required")
	// Ошибка неизвестного статуса.
	ErrStatusUnknown = errors.New("order status is unknown")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("total_amount must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item unit price must be non-negative")
	// Ошибка дублирования товара в заказе.
	ErrItemDuplicated = errors.New("order contains more than one line for a product")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")

	// ErrLockBusy — блокировка удерживается другим владельцем.
	ErrLockBusy = errors.New("lock is held by another owner")
	// ErrLeaseLost — аренда истекла или перехвачена, продлить её нельзя.
	ErrLeaseLost = errors.New("lease is no longer owned")
	// ErrItemAlreadyExists — нарушение уникальности (order_id, product_id).
	ErrItemAlreadyExists = errors.New("order item already exists")
	// ErrOutboxMessageExists — сообщение с таким id уже записано.
	ErrOutboxMessageExists = errors.New("outbox message already exists")
	// ErrOutboxMessageNotFound — сообщения с таким id нет в outbox.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyStatusInvalid — попытка завершить ключ неизвестным статусом.
	ErrIdempotencyStatusInvalid = errors.New("idempotency status is invalid")
	// ErrIdempotencyKeyNotFound — запись по ключу не найдена.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)
