package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/lock"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
	"github.com/vladislavdragonenkov/ordersvc/internal/ordernumber"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/orders"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordersvc/internal/transport/httpapi"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

type orderBody struct {
	ID           int64           `json:"id"`
	OrderNumber  string          `json:"order_number"`
	CustomerName string          `json:"customer_name"`
	Status       string          `json:"status"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	IsNewItem    *bool           `json:"is_new_item"`
	Items        []struct {
		ProductID int64           `json:"product_id"`
		Quantity  decimal.Decimal `json:"quantity"`
		UnitPrice decimal.Decimal `json:"unit_price"`
		Subtotal  decimal.Decimal `json:"subtotal"`
	} `json:"items"`
}

type apiFixture struct {
	router   http.Handler
	store    *memory.OrderStore
	idem     *memory.IdempotencyRepository
	registry *prometheus.Registry
}

func newAPI(t *testing.T, cfg httpapi.Config) *apiFixture {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	store := memory.NewOrderStore(outbox, timeline)
	engine := orders.NewEngine(orders.Dependencies{
		Store: store,
		Catalog: memory.NewCatalog(
			domain.Product{ID: 1, Name: "Coffee beans", Quantity: decimal.NewFromInt(100), Price: decimal.RequireFromString("10.00")},
			domain.Product{ID: 2, Name: "Sugar", Quantity: decimal.NewFromInt(10), Price: decimal.RequireFromString("2.50")},
		),
		Customers: memory.NewCustomerDirectory(domain.Customer{ID: 1, Name: "Alice"}),
		Locker:    lock.NewMemoryLocker(),
		Numbers:   ordernumber.New(store),
		Timeline:  timeline,
	}, orders.WithLogger(quietLogger()))

	registry := prometheus.NewRegistry()
	idem := memory.NewIdempotencyRepository()
	handler := httpapi.NewHandler(engine, cfg,
		httpapi.WithLogger(quietLogger()),
		httpapi.WithMetrics(metrics.NewHTTPMetrics(registry)),
		httpapi.WithIdempotency(idem),
	)
	return &apiFixture{router: handler.Routes(), store: store, idem: idem, registry: registry}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) orderBody {
	t.Helper()
	var body orderBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	api := newAPI(t, httpapi.Config{})

	rec := api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeOrder(t, rec)
	assert.Equal(t, "new", created.Status)
	assert.Equal(t, "Alice", created.CustomerName)
	assert.Nil(t, created.IsNewItem)
	assert.True(t, created.TotalAmount.IsZero())
	assert.Empty(t, created.Items)

	rec = api.do(t, http.MethodPost, "/api/v1/orders/add-item", `{"order_id":1,"product_id":1,"quantity":"2"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	added := decodeOrder(t, rec)
	assert.True(t, added.TotalAmount.Equal(decimal.RequireFromString("20")))
	require.NotNil(t, added.IsNewItem)
	assert.True(t, *added.IsNewItem)

	rec = api.do(t, http.MethodPost, "/api/v1/orders/add-item", `{"order_id":1,"product_id":1,"quantity":"1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decodeOrder(t, rec)
	assert.True(t, merged.TotalAmount.Equal(decimal.RequireFromString("30")))
	require.NotNil(t, merged.IsNewItem)
	assert.False(t, *merged.IsNewItem)

	rec = api.do(t, http.MethodPost, "/api/v1/orders/add-item", `{"order_id":1,"product_id":2,"quantity":1.5}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	order := decodeOrder(t, rec)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("33.75")))
	assert.Len(t, order.Items, 2)

	rec = api.do(t, http.MethodPut, "/api/v1/orders/update-item", `{"order_id":1,"product_id":1,"quantity":"1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeOrder(t, rec).TotalAmount.Equal(decimal.RequireFromString("13.75")))

	rec = api.do(t, http.MethodDelete, "/api/v1/orders/remove-item", `{"order_id":1,"product_id":2}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeOrder(t, rec).TotalAmount.Equal(decimal.RequireFromString("10")))

	rec = api.do(t, http.MethodGet, "/api/v1/orders/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decodeOrder(t, rec)
	assert.Equal(t, "Alice", fetched.CustomerName)
	require.Len(t, fetched.Items, 1)
	assert.Equal(t, int64(1), fetched.Items[0].ProductID)
	assert.True(t, fetched.Items[0].UnitPrice.Equal(decimal.RequireFromString("10")))

	rec = api.do(t, http.MethodGet, "/api/v1/orders/1/timeline", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var timeline struct {
		OrderID int64 `json:"order_id"`
		Events  []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	require.Len(t, timeline.Events, 6)
	assert.Equal(t, domain.TimelineOrderCreated, timeline.Events[0].Type)

	assert.Equal(t, 1.0, counterValue(t, api.registry, "orders_http_requests_total",
		map[string]string{"route": "/api/v1/orders/{id}", "method": "GET", "code": "200"}))
}

func TestDomainErrorsOverHTTP(t *testing.T) {
	api := newAPI(t, httpapi.Config{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, nil).Code)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantKind string
	}{
		{name: "unknown order", method: http.MethodGet, path: "/api/v1/orders/99", wantCode: http.StatusNotFound, wantKind: "order_not_found"},
		{name: "unknown customer", method: http.MethodPost, path: "/api/v1/orders", body: `{"customer_id":7}`, wantCode: http.StatusNotFound, wantKind: "customer_not_found"},
		{name: "unknown product", method: http.MethodPost, path: "/api/v1/orders/add-item", body: `{"order_id":1,"product_id":9,"quantity":"1"}`, wantCode: http.StatusNotFound, wantKind: "product_not_found"},
		{name: "over stock", method: http.MethodPost, path: "/api/v1/orders/add-item", body: `{"order_id":1,"product_id":2,"quantity":"11"}`, wantCode: http.StatusBadRequest, wantKind: "product_not_available"},
		{name: "zero quantity", method: http.MethodPost, path: "/api/v1/orders/add-item", body: `{"order_id":1,"product_id":1,"quantity":"0"}`, wantCode: http.StatusUnprocessableEntity, wantKind: "invalid_quantity"},
		{name: "remove missing item", method: http.MethodDelete, path: "/api/v1/orders/remove-item", body: `{"order_id":1,"product_id":1}`, wantCode: http.StatusNotFound, wantKind: "product_not_found"},
		{name: "malformed body", method: http.MethodPost, path: "/api/v1/orders/add-item", body: `{"order_id":`, wantCode: http.StatusUnprocessableEntity, wantKind: "invalid_request"},
		{name: "unknown field", method: http.MethodPost, path: "/api/v1/orders", body: `{"customer":1}`, wantCode: http.StatusUnprocessableEntity, wantKind: "invalid_request"},
		{name: "bad path id", method: http.MethodGet, path: "/api/v1/orders/abc", wantCode: http.StatusUnprocessableEntity, wantKind: "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeError(t, rec)["error"])
		})
	}
}

func TestProductNotAvailableCarriesDetails(t *testing.T) {
	api := newAPI(t, httpapi.Config{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, nil).Code)

	rec := api.do(t, http.MethodPost, "/api/v1/orders/add-item", `{"order_id":1,"product_id":2,"quantity":"12"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, float64(2), body["product_id"])
	assert.Equal(t, "12", body["requested_quantity"])
	assert.Equal(t, "10", body["available_quantity"])
}

func TestClosedOrderOverHTTP(t *testing.T) {
	api := newAPI(t, httpapi.Config{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, nil).Code)
	require.NoError(t, api.store.SetStatus(context.Background(), 1, domain.OrderStatusShipped))

	rec := api.do(t, http.MethodPost, "/api/v1/orders/add-item", `{"order_id":1,"product_id":1,"quantity":"1"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "order_closed", body["error"])
	assert.Equal(t, "shipped", body["current_status"])
}

func TestAPIKey(t *testing.T) {
	api := newAPI(t, httpapi.Config{APIKey: "secret"})

	rec := api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestIdempotentCreateOrder(t *testing.T) {
	api := newAPI(t, httpapi.Config{})
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	replay := api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":1}`, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, decodeOrder(t, first).OrderNumber, decodeOrder(t, replay).OrderNumber)

	_, err := api.store.GetOrder(context.Background(), 2)
	require.True(t, errors.Is(err, domain.ErrOrderNotFound), "replay must not create a second order")

	mismatch := api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":2}`, headers)
	require.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
	assert.Equal(t, "idempotency_key_reused", decodeError(t, mismatch)["error"])
}

func TestIdempotentCreateOrderInFlight(t *testing.T) {
	api := newAPI(t, httpapi.Config{})
	body := `{"customer_id":1}`

	// Первый запрос ещё не завершён: запись в статусе processing с тем же хешем.
	seed := api.do(t, http.MethodPost, "/api/v1/orders", body, map[string]string{"Idempotency-Key": "seed"})
	require.Equal(t, http.StatusCreated, seed.Code)
	record, err := api.idem.Get(context.Background(), "seed")
	require.NoError(t, err)
	_, reserved, err := api.idem.Reserve(context.Background(), "in-flight", record.RequestHash, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, reserved)

	rec := api.do(t, http.MethodPost, "/api/v1/orders", body, map[string]string{"Idempotency-Key": "in-flight"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_request_in_progress", decodeError(t, rec)["error"])
}

func TestIdempotentFailureIsReplayed(t *testing.T) {
	api := newAPI(t, httpapi.Config{})
	headers := map[string]string{"Idempotency-Key": "bad-customer"}

	first := api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":5}`, headers)
	require.Equal(t, http.StatusNotFound, first.Code)

	second := api.do(t, http.MethodPost, "/api/v1/orders", `{"customer_id":5}`, headers)
	require.Equal(t, http.StatusNotFound, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	record, err := api.idem.Get(context.Background(), "bad-customer")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)
	assert.Equal(t, http.StatusNotFound, record.Response.StatusCode)
	assert.Contains(t, record.Response.ContentType, "application/json")
}

type scriptedOrders struct {
	httpapi.OrderService
	create func(ctx context.Context) (domain.Order, error)
}

func (s scriptedOrders) CreateOrder(ctx context.Context, _ int64) (domain.Order, error) {
	return s.create(ctx)
}

// ctxBoundIdempotency отказывает на отменённом ctx, как это делает pgx.
type ctxBoundIdempotency struct {
	*memory.IdempotencyRepository
}

func (r ctxBoundIdempotency) Complete(ctx context.Context, key string, status domain.IdempotencyStatus, response domain.StoredResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.IdempotencyRepository.Complete(ctx, key, status, response)
}

func TestIdempotencyKeyCompletedWhenHandlerPanics(t *testing.T) {
	idem := memory.NewIdempotencyRepository()
	orderService := scriptedOrders{create: func(context.Context) (domain.Order, error) {
		panic("order numbering exploded")
	}}
	router := httpapi.NewHandler(orderService, httpapi.Config{},
		httpapi.WithLogger(quietLogger()),
		httpapi.WithIdempotency(idem),
	).Routes()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"customer_id":1}`))
		req.Header.Set("Idempotency-Key", "panicky")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusInternalServerError, first.Code)

	retry := send()
	require.Equal(t, http.StatusInternalServerError, retry.Code, retry.Body.String())
	assert.Equal(t, "true", retry.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "internal_server_error", decodeError(t, retry)["error"])

	record, err := idem.Get(context.Background(), "panicky")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)
}

func TestIdempotencyKeyCompletedAfterClientDisconnect(t *testing.T) {
	idem := ctxBoundIdempotency{memory.NewIdempotencyRepository()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orderService := scriptedOrders{create: func(context.Context) (domain.Order, error) {
		cancel()
		return domain.Order{ID: 7, OrderNumber: "ORD-20240501-000007", CustomerID: 1, Status: domain.OrderStatusNew}, nil
	}}
	router := httpapi.NewHandler(orderService, httpapi.Config{},
		httpapi.WithLogger(quietLogger()),
		httpapi.WithIdempotency(idem),
	).Routes()

	send := func(ctx context.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"customer_id":1}`)).WithContext(ctx)
		req.Header.Set("Idempotency-Key", "disconnected")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send(ctx)
	require.Equal(t, http.StatusCreated, first.Code)

	retry := send(context.Background())
	require.Equal(t, http.StatusCreated, retry.Code, retry.Body.String())
	assert.Equal(t, "true", retry.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "ORD-20240501-000007", decodeOrder(t, retry).OrderNumber)

	record, err := idem.Get(context.Background(), "disconnected")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, record.Status)
}

func TestUnknownRoute(t *testing.T) {
	api := newAPI(t, httpapi.Config{})

	rec := api.do(t, http.MethodGet, "/api/v2/orders", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route_not_found", decodeError(t, rec)["error"])

	rec = api.do(t, http.MethodPatch, "/api/v1/orders/add-item", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type stubOrders struct {
	httpapi.OrderService
	err error
}

func (s stubOrders) GetOrder(context.Context, int64) (domain.Order, error) {
	return domain.Order{}, s.err
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{name: "concurrent", err: domain.NewConcurrentModification(1), wantCode: http.StatusConflict, wantKind: "concurrent_modification"},
		{name: "wrapped closed", err: errors.Join(errors.New("ctx"), domain.NewOrderClosed(1, domain.OrderStatusCancelled)), wantCode: http.StatusBadRequest, wantKind: "order_closed"},
		{name: "infrastructure", err: errors.New("connection reset"), wantCode: http.StatusInternalServerError, wantKind: "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := httpapi.NewHandler(stubOrders{err: tt.err}, httpapi.Config{}, httpapi.WithLogger(quietLogger()))
			rec := httptest.NewRecorder()
			handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/1", nil))

			require.Equal(t, tt.wantCode, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantKind, body["error"])
			if tt.wantCode == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "connection reset")
			}
		})
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}
