package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/lock"
	"github.com/vladislavdragonenkov/ordersvc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordersvc/internal/storage/postgres"
)

const startupTimeout = 30 * time.Second

// orderStorage — всё, что хранилище отдаёт движку и воркерам.
type orderStorage interface {
	domain.OrderStore
	domain.OrderNumberSequence
}

// Dependencies содержит инфраструктуру, собранную по конфигурации.
type Dependencies struct {
	Orders      orderStorage
	Catalog     domain.Catalog
	Customers   domain.CustomerDirectory
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
	Locker      domain.LockService

	// Publisher и DLQ равны nil, если Kafka не настроена.
	Publisher domain.OutboxPublisher
	DLQ       domain.OutboxPublisher

	pingStorage func(ctx context.Context) error
	pingLocker  func(ctx context.Context) error
	closers     []func() error
}

// Close освобождает соединения в обратном порядке.
func (d *Dependencies) Close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}

// NewDependencies подключает хранилище, блокировки и Kafka.
// При ошибке уже открытые ресурсы закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps := &Dependencies{}
	if err := deps.init(ctx, cfg, logger); err != nil {
		deps.Close(logger)
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) init(ctx context.Context, cfg Config, logger *log.Entry) error {
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	switch cfg.Storage.Driver {
	case StorageDriverMemory:
		d.initMemoryStorage(cfg.Storage.SeedDemo)
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if err := d.initPostgresStorage(startCtx, cfg.Storage); err != nil {
			return err
		}
		logger.Info("using postgres storage")
	default:
		return errors.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	if err := d.initLocker(startCtx, cfg.Redis, logger); err != nil {
		return err
	}
	return d.initKafka(cfg.Kafka, logger)
}

func (d *Dependencies) initMemoryStorage(seed bool) {
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()

	d.Orders = memory.NewOrderStore(outbox, timeline)
	d.Outbox = outbox
	d.Timeline = timeline
	d.Idempotency = memory.NewIdempotencyRepository()

	catalog := memory.NewCatalog()
	customers := memory.NewCustomerDirectory()
	if seed {
		for _, product := range demoProducts() {
			catalog.Put(product)
		}
		for _, customer := range demoCustomers() {
			customers.Put(customer)
		}
	}
	d.Catalog = catalog
	d.Customers = customers
	d.pingStorage = func(context.Context) error { return nil }
}

func (d *Dependencies) initPostgresStorage(ctx context.Context, cfg StorageConfig) error {
	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	d.closers = append(d.closers, store.Close)

	if cfg.AutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			return errors.Wrap(err, "apply migrations")
		}
	}

	d.Orders = postgres.NewOrderStore(store)
	d.Catalog = postgres.NewCatalog(store)
	d.Customers = postgres.NewCustomerDirectory(store)
	d.Outbox = postgres.NewOutboxRepository(store)
	d.Timeline = postgres.NewTimelineRepository(store)
	d.Idempotency = postgres.NewIdempotencyRepository(store)
	d.pingStorage = store.Ping
	return nil
}

func (d *Dependencies) initLocker(ctx context.Context, cfg RedisConfig, logger *log.Entry) error {
	if cfg.Addr == "" {
		d.Locker = lock.NewMemoryLocker()
		d.pingLocker = func(context.Context) error { return nil }
		logger.Warn("redis is not configured, order leases are local to this instance")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	d.closers = append(d.closers, client.Close)

	locker := lock.NewRedisLocker(client, cfg.KeyPrefix)
	if err := locker.Ping(ctx); err != nil {
		return errors.Wrap(err, "ping redis")
	}
	d.Locker = locker
	d.pingLocker = locker.Ping
	logger.WithField("addr", cfg.Addr).Info("using redis order leases")
	return nil
}

func (d *Dependencies) initKafka(cfg KafkaConfig, logger *log.Entry) error {
	if len(cfg.Brokers) == 0 {
		logger.Warn("kafka brokers are not configured, outbox events stay pending")
		return nil
	}

	producer, err := kafka.NewProducer(cfg.Brokers, cfg.ClientID)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, producer.Close)

	d.Publisher = kafka.NewOutboxPublisher(producer, cfg.Topic)
	d.DLQ = kafka.NewOutboxPublisher(producer, cfg.DLQTopic)
	logger.WithField("brokers", cfg.Brokers).Info("kafka producer initialized")
	return nil
}

func demoProducts() []domain.Product {
	return []domain.Product{
		{ID: 1, Name: "Coffee beans 1kg", Quantity: decimal.NewFromInt(500), Price: decimal.RequireFromString("24.90"), CategoryID: 1},
		{ID: 2, Name: "Green tea 100g", Quantity: decimal.NewFromInt(200), Price: decimal.RequireFromString("7.50"), CategoryID: 1},
		{ID: 3, Name: "Cane sugar", Quantity: decimal.RequireFromString("75.500"), Price: decimal.RequireFromString("3.20"), CategoryID: 2},
	}
}

func demoCustomers() []domain.Customer {
	return []domain.Customer{
		{ID: 1, Name: "Demo customer", Address: "1 Market street"},
		{ID: 2, Name: "Second customer", Address: "2 Harbour road"},
	}
}
