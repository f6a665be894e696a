package app

import (
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/vladislavdragonenkov/ordersvc/internal/lock"
)

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config — полная конфигурация сервиса: переменные ORDERS_*, флаги и YAML (-config).
type Config struct {
	HTTP        HTTPConfig
	Metrics     MetricsConfig
	GRPC        GRPCConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Lock        LockConfig
	Kafka       KafkaConfig
	Outbox      OutboxConfig
	Idempotency IdempotencyConfig
	Log         LogConfig
	Graceful    GracefulConfig
}

type HTTPConfig struct {
	Addr         string        `default:":8080" usage:"HTTP API listen address"`
	APIKey       string        `usage:"require X-API-Key header when set" flag:"api-key"`
	ReadTimeout  time.Duration `default:"5s" usage:"HTTP read timeout"`
	WriteTimeout time.Duration `default:"10s" usage:"HTTP write timeout"`
}

// MetricsConfig описывает ops-сервер: /metrics и health-пробы.
type MetricsConfig struct {
	Addr string `default:":9090" usage:"metrics and health listen address"`
}

type GRPCConfig struct {
	Addr string `default:":50051" usage:"gRPC listen address"`
}

type StorageConfig struct {
	Driver      string `default:"memory" usage:"storage driver: memory|postgres"`
	PostgresDSN string `usage:"PostgreSQL DSN (ORDERS_STORAGE_POSTGRES_DSN)" flag:"postgres-dsn"`
	AutoMigrate bool   `default:"true" usage:"apply migrations on start" flag:"auto-migrate"`
	// SeedDemo наполняет memory-каталог тестовыми товарами и клиентами.
	SeedDemo bool `default:"true" usage:"seed demo catalog for memory storage" flag:"seed-demo"`
}

// RedisConfig — бэкенд блокировок. Пустой адрес означает блокировки внутри процесса.
type RedisConfig struct {
	Addr      string `usage:"Redis address for order leases"`
	Password  string `usage:"Redis password"`
	DB        int    `default:"0" usage:"Redis database"`
	KeyPrefix string `default:"ordersvc:" usage:"prefix for lease keys" flag:"key-prefix"`
}

// LockConfig задаёт аренду заказа и ожидание занятой блокировки.
type LockConfig struct {
	TTL           time.Duration `default:"30s" usage:"order lease TTL"`
	MaxAttempts   int           `default:"5" usage:"lease acquire attempts" flag:"max-attempts"`
	InitialDelay  time.Duration `default:"25ms" usage:"first retry delay" flag:"initial-delay"`
	MaxDelay      time.Duration `default:"400ms" usage:"max retry delay" flag:"max-delay"`
	BackoffFactor float64       `default:"2" usage:"retry delay multiplier" flag:"backoff-factor"`
}

// KafkaConfig — публикация outbox. Без брокеров события остаются в outbox.
type KafkaConfig struct {
	Brokers  []string `usage:"Kafka brokers, comma-separated"`
	Topic    string   `default:"orders.events" usage:"order events topic"`
	DLQTopic string   `default:"orders.dlq" usage:"dead letter topic" flag:"dlq-topic"`
	ClientID string   `default:"order-service" usage:"Kafka client id" flag:"client-id"`
}

type OutboxConfig struct {
	PollInterval time.Duration `default:"1s" usage:"outbox poll interval" flag:"poll-interval"`
	BatchSize    int           `default:"100" usage:"outbox batch size" flag:"batch-size"`
	MaxAttempts  int           `default:"3" usage:"publish attempts before DLQ" flag:"max-attempts"`
	RetryDelay   time.Duration `default:"100ms" usage:"base publish retry delay" flag:"retry-delay"`
	Lease        time.Duration `default:"30s" usage:"how long a claimed batch stays invisible to other workers" flag:"lease"`
}

// IdempotencyConfig — хранение ключей Idempotency-Key.
type IdempotencyConfig struct {
	TTL               time.Duration `default:"24h" usage:"idempotency key TTL"`
	CleanupInterval   time.Duration `default:"1m" usage:"expired keys cleanup interval" flag:"cleanup-interval"`
	CleanupBatchSize  int           `default:"500" usage:"expired keys removed per DELETE" flag:"cleanup-batch-size"`
	CleanupMaxBatches int           `default:"20" usage:"DELETE statements per cleanup run" flag:"cleanup-max-batches"`
}

type LogConfig struct {
	Level  string `default:"info" usage:"log level"`
	Format string `default:"text" usage:"log format: text|json"`
}

// GracefulConfig управляет остановкой: сначала readiness уходит в 503, затем серверы гасятся.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"0s" usage:"delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig читает конфигурацию из args, окружения и YAML-файла.
func LoadConfig(args []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "ORDERS",
		AllowUnknownEnvs: true,
		Args:             args,
		FileFlag:         "config",
		Files:            []string{"config.yaml", "/etc/ordersvc/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig возвращает значения по умолчанию без чтения окружения и файлов.
func DefaultConfig() Config {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipEnv:   true,
		SkipFiles: true,
		SkipFlags: true,
	})
	if err := loader.Load(); err != nil {
		panic(errors.Wrap(err, "load default config"))
	}
	return cfg
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return errors.New("postgres DSN is required for postgres storage")
		}
	default:
		return errors.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if c.Lock.TTL <= 0 {
		return errors.New("lock TTL must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		return errors.New("outbox batch size and max attempts must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		return errors.New("idempotency TTL must be positive")
	}
	if c.Kafka.Topic == c.Kafka.DLQTopic {
		return errors.New("kafka topic and DLQ topic must differ")
	}
	return nil
}

// RetryConfig переводит настройки в lock.RetryConfig.
func (c LockConfig) RetryConfig() lock.RetryConfig {
	return lock.RetryConfig{
		MaxAttempts:   c.MaxAttempts,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
	}
}
