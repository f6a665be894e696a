package domain

import "github.com/shopspring/decimal"

// Product — товар каталога. Сервис заказов читает его, но не владеет им.
type Product struct {
	ID         int64
	Name       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	CategoryID int64
}

// Customer — клиент, которому принадлежит заказ.
type Customer struct {
	ID      int64
	Name    string
	Address string
}
