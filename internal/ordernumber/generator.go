// Package ordernumber выдаёт человекочитаемые номера заказов вида ORD-20261019-000042.
package ordernumber

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

const prefix = "ORD"

// Generator строит номер из даты (UTC) и атомарного счётчика хранилища.
// Уникальность обеспечивает счётчик, а не координация в приложении.
type Generator struct {
	seq domain.OrderNumberSequence
	now func() time.Time
}

// New создаёт генератор поверх последовательности хранилища.
func New(seq domain.OrderNumberSequence) *Generator {
	return &Generator{seq: seq, now: time.Now}
}

// Next возвращает следующий номер. Ошибка счётчика — инфраструктурная.
func (g *Generator) Next(ctx context.Context) (string, error) {
	n, err := g.seq.NextOrderSequence(ctx)
	if err != nil {
		return "", errors.Wrap(err, "next order sequence")
	}
	if n <= 0 {
		return "", errors.Errorf("order sequence returned non-positive value %d", n)
	}
	return Format(g.now(), n), nil
}

// Format собирает номер заказа. Счётчик дополняется нулями до 6 знаков.
func Format(date time.Time, n int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, date.UTC().Format("20060102"), n)
}
