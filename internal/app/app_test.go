package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordersvc/internal/health"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Graceful.ShutdownTimeout = 2 * time.Second
	return cfg
}

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func TestNewDependenciesMemorySeeded(t *testing.T) {
	deps, err := NewDependencies(context.Background(), testConfig(), testLogger())
	require.NoError(t, err)
	defer deps.Close(testLogger())

	product, err := deps.Catalog.GetProduct(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Coffee beans 1kg", product.Name)

	customer, err := deps.Customers.GetCustomer(context.Background(), 2)
	require.NoError(t, err)
	assert.NotEmpty(t, customer.Name)

	assert.Nil(t, deps.Publisher)
	assert.Nil(t, deps.DLQ)
	require.NoError(t, deps.pingStorage(context.Background()))
	require.NoError(t, deps.pingLocker(context.Background()))
}

func TestNewDependenciesMemoryWithoutSeed(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.SeedDemo = false

	deps, err := NewDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer deps.Close(testLogger())

	_, err = deps.Catalog.GetProduct(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestNewDependenciesUnsupportedDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "mongo"

	deps, err := NewDependencies(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Nil(t, deps)
}

func TestNewDependenciesRedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deps, err := NewDependencies(ctx, cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
	assert.Nil(t, deps)
}

func TestDependenciesCloseOrder(t *testing.T) {
	var order []int
	deps := &Dependencies{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("close failed") },
		func() error { order = append(order, 3); return nil },
	}}

	deps.Close(testLogger())
	deps.Close(testLogger())

	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "mongo"

	err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestRunMemoryGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, testConfig()) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOpsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	healthHandler := healthcheck.NewHandler("test")
	healthHandler.RegisterChecker("storage", healthcheck.NewPingChecker("storage", func(context.Context) error { return nil }))

	srv := httptest.NewServer(opsHandler(registry, healthHandler))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")

	code, _ = get("/livez")
	assert.Equal(t, http.StatusOK, code)

	code, body = get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"storage"`)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	healthHandler.SetDraining(true)
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
