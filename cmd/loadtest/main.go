package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	idempotencyHeader = "Idempotency-Key"
	apiKeyHeader      = "X-API-Key"
)

type loadMode string

const (
	// modeCreate только создаёт заказы.
	modeCreate loadMode = "create"
	// modeCreateAdd создаёт заказ, добавляет позицию и меняет её количество.
	modeCreateAdd loadMode = "create-add"
	// modeContention бьёт одним и тем же заказом из всех воркеров.
	modeContention loadMode = "contention"
)

type config struct {
	Addr        string        `default:"http://localhost:8080" usage:"order service base URL" flag:"addr"`
	APIKey      string        `usage:"X-API-Key header value" flag:"api-key"`
	Total       int           `default:"400" usage:"scenarios to run; with -duration acts as a cap (0 = no cap)" flag:"total"`
	Duration    time.Duration `default:"0s" usage:"time-based run duration" flag:"duration"`
	Concurrency int           `default:"40" usage:"number of concurrent workers" flag:"concurrency"`
	RPS         float64       `default:"0" usage:"scenario start rate limit, 0 = unlimited" flag:"rps"`
	Timeout     time.Duration `default:"5s" usage:"per-request timeout" flag:"timeout"`
	Mode        string        `default:"create-add" usage:"load mode: create | create-add | contention" flag:"mode"`
	CustomerID  int64         `default:"1" usage:"customer id for new orders" flag:"customer-id"`
	ProductID   int64         `default:"1" usage:"product id for order items" flag:"product-id"`
	Quantity    string        `default:"1" usage:"item quantity" flag:"quantity"`
	Output      string        `usage:"optional JSON report output file path" flag:"output"`
}

// itemQuantity возвращает количество позиции; значение проверено в loadConfig.
func (c config) itemQuantity() decimal.Decimal {
	return decimal.RequireFromString(strings.TrimSpace(c.Quantity))
}

func loadConfig(args []string) (config, error) {
	var cfg config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipEnv:   true,
		SkipFiles: true,
		Args:      args,
	})
	if err := loader.Load(); err != nil {
		return config{}, errors.Wrap(err, "load config")
	}

	cfg.Addr = strings.TrimRight(strings.TrimSpace(cfg.Addr), "/")
	qty, err := decimal.NewFromString(strings.TrimSpace(cfg.Quantity))
	if err != nil {
		return config{}, errors.Wrap(err, "parse quantity")
	}

	switch {
	case cfg.Addr == "":
		return config{}, errors.New("addr is required")
	case cfg.Duration < 0:
		return config{}, errors.New("duration must be >= 0")
	case cfg.Total < 0 || (cfg.Duration == 0 && cfg.Total == 0):
		return config{}, errors.New("total must be > 0 when duration is not set")
	case cfg.Concurrency <= 0:
		return config{}, errors.New("concurrency must be > 0")
	case cfg.RPS < 0:
		return config{}, errors.New("rps must be >= 0")
	case cfg.Timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	case cfg.CustomerID <= 0 || cfg.ProductID <= 0:
		return config{}, errors.New("customer-id and product-id must be > 0")
	case !qty.IsPositive():
		return config{}, errors.New("quantity must be > 0")
	}

	switch loadMode(cfg.Mode) {
	case modeCreate, modeCreateAdd, modeContention:
	default:
		return config{}, errors.Errorf("unsupported mode: %s", cfg.Mode)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, cfg, http.DefaultClient)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.Output != "" {
		if err := writeJSONReport(cfg.Output, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run прогоняет сценарии и возвращает сводку.
func run(ctx context.Context, cfg config, httpClient *http.Client) (report, error) {
	col := newCollector()
	client := &apiClient{
		base:    cfg.Addr,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		timeout: cfg.Timeout,
		col:     col,
	}
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())

	var sharedOrder int64
	if loadMode(cfg.Mode) == modeContention {
		id, err := client.createOrder(ctx, cfg.CustomerID, "lt-shared-"+runID)
		if err != nil {
			return report{}, errors.Wrap(err, "prepare shared order")
		}
		if err := client.addItem(ctx, id, cfg.ProductID, cfg.itemQuantity()); err != nil {
			return report{}, errors.Wrap(err, "prepare shared order item")
		}
		sharedOrder = id
	}

	jobs := make(chan int, cfg.Concurrency*2)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			for index := range jobs {
				runScenario(gctx, client, cfg, runID, index, sharedOrder)
			}
			return nil
		})
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Concurrency)
	}
	dispatchJobs(gctx, jobs, cfg, limiter)
	_ = g.Wait()

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config, limiter *rate.Limiter) {
	defer close(jobs)

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	for i := 0; cfg.Total == 0 || i < cfg.Total; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- i:
		}
	}
}

func runScenario(ctx context.Context, client *apiClient, cfg config, runID string, index int, sharedOrder int64) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		client.col.record(scenarioMethod, time.Since(start), status)
	}()

	var err error
	switch loadMode(cfg.Mode) {
	case modeCreate:
		_, err = client.createOrder(ctx, cfg.CustomerID, fmt.Sprintf("lt-create-%s-%d", runID, index))
	case modeCreateAdd:
		var orderID int64
		orderID, err = client.createOrder(ctx, cfg.CustomerID, fmt.Sprintf("lt-create-%s-%d", runID, index))
		if err == nil {
			err = client.addItem(ctx, orderID, cfg.ProductID, cfg.itemQuantity())
		}
		if err == nil {
			err = client.updateItem(ctx, orderID, cfg.ProductID, cfg.itemQuantity().Add(cfg.itemQuantity()))
		}
	case modeContention:
		qty := cfg.itemQuantity().Mul(decimal.NewFromInt(int64(index%5 + 1)))
		err = client.updateItem(ctx, sharedOrder, cfg.ProductID, qty)
	}
	status = statusOf(err)
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

// apiClient — минимальный клиент REST API заказов.
type apiClient struct {
	base    string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	col     *collector
}

func (c *apiClient) createOrder(ctx context.Context, customerID int64, key string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	body := map[string]any{"customer_id": customerID}
	if err := c.call(ctx, "CreateOrder", http.MethodPost, "/api/v1/orders", body, key, &out); err != nil {
		return 0, err
	}
	if out.ID == 0 {
		return 0, errors.New("create response returned empty order id")
	}
	return out.ID, nil
}

func (c *apiClient) addItem(ctx context.Context, orderID, productID int64, qty decimal.Decimal) error {
	body := map[string]any{"order_id": orderID, "product_id": productID, "quantity": qty}
	return c.call(ctx, "AddItem", http.MethodPost, "/api/v1/orders/add-item", body, "", nil)
}

func (c *apiClient) updateItem(ctx context.Context, orderID, productID int64, qty decimal.Decimal) error {
	body := map[string]any{"order_id": orderID, "product_id": productID, "quantity": qty}
	return c.call(ctx, "UpdateItemQuantity", http.MethodPut, "/api/v1/orders/update-item", body, "", nil)
}

func (c *apiClient) call(ctx context.Context, name, method, path string, body any, idempotencyKey string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.col.record(name, time.Since(start), 0)
		return errors.Wrapf(err, "%s", name)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.col.record(name, time.Since(start), resp.StatusCode)
	if readErr != nil {
		return errors.Wrap(readErr, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}
