package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "order not found",
			err:    NewOrderNotFound(7),
			target: ErrOrderNotFound,
			want:   true,
		},
		{
			name:   "wrapped order closed",
			err:    fmt.Errorf("add item: %w", NewOrderClosed(7, OrderStatusCancelled)),
			target: ErrOrderClosed,
			want:   true,
		},
		{
			name:   "joined concurrent modification",
			err:    errors.Join(NewConcurrentModification(1), errors.New("extra context")),
			target: ErrConcurrentModification,
			want:   true,
		},
		{
			name:   "different kind",
			err:    NewProductNotFound(3),
			target: ErrOrderNotFound,
			want:   false,
		},
		{
			name:   "plain error",
			err:    errors.New("connection refused"),
			target: ErrOrderNotFound,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(fmt.Errorf("wrap: %w", NewInvalidQuantity(decimal.Zero)))
	if !ok || kind != KindInvalidQuantity {
		t.Fatalf("KindOf() = %q, %v", kind, ok)
	}

	if _, ok := KindOf(errors.New("dial tcp: refused")); ok {
		t.Fatal("infrastructure error must not have a domain kind")
	}
	if IsDomainError(nil) {
		t.Fatal("nil is not a domain error")
	}
}

func TestProductNotAvailableDetails(t *testing.T) {
	err := NewProductNotAvailable(42, decimal.RequireFromString("5"), decimal.RequireFromString("3.5"))

	if err.Details["product_id"] != int64(42) {
		t.Fatalf("unexpected product_id: %v", err.Details["product_id"])
	}
	requested, ok := err.Details["requested_quantity"].(decimal.Decimal)
	if !ok || !requested.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("unexpected requested_quantity: %v", err.Details["requested_quantity"])
	}
	available, ok := err.Details["available_quantity"].(decimal.Decimal)
	if !ok || !available.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("unexpected available_quantity: %v", err.Details["available_quantity"])
	}
}

func TestOrderClosedDetails(t *testing.T) {
	err := NewOrderClosed(9, OrderStatusShipped)
	if err.Details["current_status"] != "shipped" {
		t.Fatalf("unexpected current_status: %v", err.Details["current_status"])
	}
}
