package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/lock"
	"github.com/vladislavdragonenkov/ordersvc/internal/ordernumber"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/orders"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordersvc/internal/transport/httpapi"
)

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := log.NewEntry(logger)

	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	store := memory.NewOrderStore(outbox, timeline)
	engine := orders.NewEngine(orders.Dependencies{
		Store:     store,
		Catalog:   memory.NewCatalog(domain.Product{ID: 1, Name: "Coffee", Quantity: decimal.NewFromInt(1000), Price: decimal.RequireFromString("5.00")}),
		Customers: memory.NewCustomerDirectory(domain.Customer{ID: 1, Name: "Load"}),
		Locker:    lock.NewMemoryLocker(),
		Numbers:   ordernumber.New(store),
		Timeline:  timeline,
	}, orders.WithLogger(entry))

	handler := httpapi.NewHandler(engine, httpapi.Config{APIKey: apiKey},
		httpapi.WithLogger(entry),
		httpapi.WithIdempotency(memory.NewIdempotencyRepository()),
	)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig([]string{"-addr=http://localhost:8080/", "-mode=contention", "-quantity=0.5", "-rps=10"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Addr)
	assert.Equal(t, 400, cfg.Total)
	assert.Equal(t, 40, cfg.Concurrency)
	assert.True(t, cfg.itemQuantity().Equal(decimal.RequireFromString("0.5")))

	invalid := [][]string{
		{"-mode=pay"},
		{"-quantity=0"},
		{"-quantity=abc"},
		{"-concurrency=0"},
		{"-total=0"},
		{"-timeout=0s"},
		{"-rps=-1"},
		{"-customer-id=0"},
	}
	for _, args := range invalid {
		_, err := loadConfig(args)
		assert.Error(t, err, "args %v", args)
	}

	cfg, err = loadConfig([]string{"-total=0", "-duration=1s"})
	require.NoError(t, err)
	assert.Equal(t, "duration:1s,max-total:0", runTarget(cfg))
}

func TestRunModes(t *testing.T) {
	srv := newTestServer(t, "secret")

	for _, mode := range []loadMode{modeCreate, modeCreateAdd, modeContention} {
		t.Run(string(mode), func(t *testing.T) {
			cfg, err := loadConfig([]string{
				"-addr=" + srv.URL,
				"-api-key=secret",
				"-mode=" + string(mode),
				"-total=20",
				"-concurrency=4",
			})
			require.NoError(t, err)

			result, err := run(context.Background(), cfg, srv.Client())
			require.NoError(t, err)

			assert.EqualValues(t, 20, result.TotalScenarios)
			assert.EqualValues(t, 20, result.SuccessScenarios)
			assert.EqualValues(t, 0, result.FailedScenarios)
			assert.Contains(t, result.Methods, scenarioMethod)
		})
	}
}

func TestRunReportsFailures(t *testing.T) {
	srv := newTestServer(t, "secret")

	cfg, err := loadConfig([]string{"-addr=" + srv.URL, "-api-key=wrong", "-mode=create", "-total=5", "-concurrency=2"})
	require.NoError(t, err)

	result, err := run(context.Background(), cfg, srv.Client())
	require.NoError(t, err)
	assert.EqualValues(t, 5, result.FailedScenarios)
	assert.EqualValues(t, 5, result.Methods["CreateOrder"].Statuses["401"])
	assert.InDelta(t, 1.0, result.ErrorRate, 0.0001)
}

func TestRunContentionNeedsSharedOrder(t *testing.T) {
	srv := newTestServer(t, "")

	cfg, err := loadConfig([]string{"-addr=" + srv.URL, "-mode=contention", "-customer-id=99", "-total=1"})
	require.NoError(t, err)

	_, err = run(context.Background(), cfg, srv.Client())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare shared order")
}

func TestCollectorCountsConflictsSeparately(t *testing.T) {
	col := newCollector()
	col.record("UpdateItemQuantity", time.Millisecond, http.StatusOK)
	col.record("UpdateItemQuantity", time.Millisecond, http.StatusConflict)
	col.record("UpdateItemQuantity", time.Millisecond, 0)
	col.record(scenarioMethod, time.Millisecond, http.StatusConflict)

	result := col.buildReport(time.Now(), time.Second)
	stats := result.Methods["UpdateItemQuantity"]
	assert.EqualValues(t, 3, stats.Calls)
	assert.EqualValues(t, 1, stats.Success)
	assert.EqualValues(t, 1, stats.Conflicts)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.Statuses["transport_error"])
	assert.EqualValues(t, 1, result.SuccessScenarios)
	assert.InDelta(t, 1.0, result.RPS, 0.0001)
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 50))
	assert.Equal(t, 7.0, percentile([]float64{7}, 99))
	assert.Equal(t, 2.5, percentile([]float64{1, 2, 3, 4}, 50))

	summary := buildLatencySummary([]float64{4, 1, 3, 2})
	assert.Equal(t, 1.0, summary.Min)
	assert.Equal(t, 4.0, summary.Max)
	assert.Equal(t, 2.5, summary.Avg)
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.Error(t, writeJSONReport(".", report{}))
	require.Error(t, writeJSONReport("../escape.json", report{}))

	require.NoError(t, writeJSONReport("report.json", report{TotalScenarios: 3}))
	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)

	var decoded report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 3, decoded.TotalScenarios)
}

func TestPrintReport(t *testing.T) {
	col := newCollector()
	col.record("CreateOrder", 2*time.Millisecond, http.StatusCreated)
	col.record(scenarioMethod, 2*time.Millisecond, http.StatusOK)

	var out bytes.Buffer
	printReport(&out, col.buildReport(time.Now(), time.Second), config{Mode: string(modeCreate), Total: 1})

	assert.Contains(t, out.String(), "mode=create run=count:1 total=1 success=1 failed=0")
	assert.Contains(t, out.String(), "CreateOrder: calls=1 success=1 conflicts=0 failed=0")
}
