package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/ordersvc/internal/health"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
	"github.com/vladislavdragonenkov/ordersvc/internal/ordernumber"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/orders"
	"github.com/vladislavdragonenkov/ordersvc/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordersvc/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/ordersvc/internal/version"
)

const (
	grpcStopTimeout        = 5 * time.Second
	grpcHealthSyncInterval = 5 * time.Second
)

// Run собирает сервис и блокируется до отмены ctx или падения одного из серверов.
// При штатной остановке возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	build := version.Get()
	metrics.RegisterBuildInfo(registry, build.Version, build.Commit, build.GoVersion)

	engine := orders.NewEngine(orders.Dependencies{
		Store:     deps.Orders,
		Catalog:   deps.Catalog,
		Customers: deps.Customers,
		Locker:    deps.Locker,
		Numbers:   ordernumber.New(deps.Orders),
		Timeline:  deps.Timeline,
	},
		orders.WithLogger(log.WithField("component", "order-engine")),
		orders.WithMetrics(metrics.NewOrderMetricsWithRegisterer(registry)),
		orders.WithLeaseTTL(cfg.Lock.TTL),
		orders.WithLockRetry(cfg.Lock.RetryConfig()),
	)

	api := httpapi.NewHandler(engine, httpapi.Config{
		APIKey:         cfg.HTTP.APIKey,
		IdempotencyTTL: cfg.Idempotency.TTL,
	},
		httpapi.WithMetrics(metrics.NewHTTPMetrics(registry)),
		httpapi.WithIdempotency(deps.Idempotency),
	)

	healthHandler := healthcheck.NewHandler(build.Version)
	healthHandler.RegisterChecker("storage", healthcheck.NewPingChecker("storage", deps.pingStorage))
	healthHandler.RegisterChecker("locker", healthcheck.NewPingChecker("locker", deps.pingLocker))

	outboxWorker := outbox.NewWorker(deps.Outbox, deps.Publisher,
		outbox.WithMetrics(metrics.NewOutboxMetrics(registry)),
		outbox.WithDLQPublisher(deps.DLQ),
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithRetryBaseDelay(cfg.Outbox.RetryDelay),
		outbox.WithLease(cfg.Outbox.Lease),
		outbox.WithLogger(logger),
	)
	sweeper := idempotency.NewSweeper(deps.Idempotency, idempotency.SweeperConfig{
		Interval:   cfg.Idempotency.CleanupInterval,
		BatchSize:  cfg.Idempotency.CleanupBatchSize,
		MaxBatches: cfg.Idempotency.CleanupMaxBatches,
	}, metrics.NewCleanupMetrics(registry), logger)

	grpcServer, grpcHealth := newGRPCServer(registry, logger)

	apiLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	opsLis, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		_ = apiLis.Close()
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		_ = apiLis.Close()
		_ = opsLis.Close()
		return err
	}

	apiSrv := &http.Server{
		Handler:           api.Routes(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	opsSrv := &http.Server{
		Handler:           opsHandler(registry, healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", apiLis.Addr().String()).Info("HTTP API слушает")
		return serveHTTP(apiSrv, apiLis)
	})
	g.Go(func() error {
		logger.WithField("addr", opsLis.Addr().String()).Info("метрики и health checks доступны")
		return serveHTTP(opsSrv, opsLis)
	})
	g.Go(func() error {
		logger.WithField("addr", grpcLis.Addr().String()).Info("gRPC сервер слушает")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error { return outboxWorker.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		syncGRPCHealth(gctx, healthHandler, grpcHealth, grpcHealthSyncInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		shutdown(cfg.Graceful, logger, healthHandler, grpcHealth, grpcServer, apiSrv, opsSrv)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newGRPCServer поднимает gRPC health и reflection с метриками go-grpc-prometheus.
func newGRPCServer(registry prometheus.Registerer, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	grpcMetrics.EnableHandlingTimeHistogram()
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	grpcMetrics.InitializeMetrics(server)
	if err := registry.Register(grpcMetrics); err != nil {
		logger.WithError(err).Warn("failed to register grpc metrics")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return server, healthServer
}

// opsHandler отдаёт /metrics и health-пробы.
func opsHandler(gatherer prometheus.Gatherer, healthHandler *healthcheck.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// syncGRPCHealth переносит готовность зависимостей в статус grpc.health.v1.
func syncGRPCHealth(ctx context.Context, h *healthcheck.Handler, srv *health.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if !h.Ready(ctx) {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			if ctx.Err() == nil {
				srv.SetServingStatus("", status)
			}
		}
	}
}

func shutdown(
	cfg GracefulConfig,
	logger *log.Entry,
	healthHandler *healthcheck.Handler,
	grpcHealth *health.Server,
	grpcServer *grpc.Server,
	servers ...*http.Server,
) {
	healthHandler.SetDraining(true)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if cfg.ReadinessDelay > 0 {
		logger.WithField("delay", cfg.ReadinessDelay).Info("readiness снят, ждём вывода из балансировки")
		time.Sleep(cfg.ReadinessDelay)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("http shutdown with error")
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcStopTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
}
