package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

const defaultIdempotencyTTL = 24 * time.Hour

// OrderService — операции над заказами, которые обслуживает API.
type OrderService interface {
	CreateOrder(ctx context.Context, customerID int64) (domain.Order, error)
	AddItem(ctx context.Context, orderID, productID int64, quantity decimal.Decimal) (order domain.Order, inserted bool, err error)
	RemoveItem(ctx context.Context, orderID, productID int64) (domain.Order, error)
	UpdateItemQuantity(ctx context.Context, orderID, productID int64, quantity decimal.Decimal) (domain.Order, error)
	GetOrder(ctx context.Context, orderID int64) (domain.Order, error)
	Timeline(ctx context.Context, orderID int64) ([]domain.TimelineEvent, error)
}

// Config — параметры HTTP API.
type Config struct {
	// APIKey включает проверку заголовка X-API-Key, если не пуст.
	APIKey         string
	IdempotencyTTL time.Duration
}

// Handler обслуживает /api/v1.
type Handler struct {
	orders      OrderService
	idempotency domain.IdempotencyRepository
	metrics     *metrics.HTTPMetrics
	logger      *log.Entry
	cfg         Config
	now         func() time.Time
}

// Option настраивает Handler.
type Option func(*Handler)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics включает HTTP-метрики.
func WithMetrics(m *metrics.HTTPMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithIdempotency включает обработку Idempotency-Key для создания заказа.
func WithIdempotency(repo domain.IdempotencyRepository) Option {
	return func(h *Handler) { h.idempotency = repo }
}

// NewHandler создаёт обработчик API.
func NewHandler(orders OrderService, cfg Config, opts ...Option) *Handler {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	h := &Handler{
		orders: orders,
		cfg:    cfg,
		logger: log.WithField("component", "http-api"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes собирает роутер со всеми middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.recoverer)
	r.Use(h.observe)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.requireAPIKey)

		r.With(h.idempotent).Post("/orders", h.createOrder)
		r.Post("/orders/add-item", h.addItem)
		r.Delete("/orders/remove-item", h.removeItem)
		r.Put("/orders/update-item", h.updateItem)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/timeline", h.timeline)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "route_not_found", Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "method not allowed"})
	})
	return r
}
