package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"

	"github.com/vladislavdragonenkov/ordersvc/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

type config struct {
	Direction string `default:"up" usage:"migration direction: up|down|status" flag:"direction"`
	Steps     int    `default:"0" usage:"migrations to apply/rollback (0=all for up, 1 for down)" flag:"steps"`
	DSN       string `usage:"PostgreSQL DSN (ORDERS_STORAGE_POSTGRES_DSN)" flag:"dsn" env:"STORAGE_POSTGRES_DSN"`
}

func loadConfig(args []string) (config, error) {
	var cfg config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "ORDERS",
		SkipFiles:        true,
		AllowUnknownEnvs: true,
		Args:             args,
	})
	if err := loader.Load(); err != nil {
		return config{}, errors.Wrap(err, "load config")
	}

	cfg.DSN = strings.TrimSpace(cfg.DSN)
	cfg.Direction = strings.ToLower(strings.TrimSpace(cfg.Direction))
	if cfg.DSN == "" {
		return config{}, errors.New("ORDERS_STORAGE_POSTGRES_DSN (or -dsn) is required")
	}
	switch cfg.Direction {
	case "up", "status":
	case "down":
		if cfg.Steps <= 0 {
			cfg.Steps = 1
		}
	default:
		return config{}, errors.Errorf("unsupported direction: %s (use up|down|status)", cfg.Direction)
	}
	return cfg, nil
}

type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
}

// run применяет миграции и печатает итоговую версию схемы.
func run(ctx context.Context, m migrator, cfg config, out io.Writer) error {
	switch cfg.Direction {
	case "up":
		if err := m.MigrateUp(ctx, cfg.Steps); err != nil {
			return errors.Wrap(err, "migrate up")
		}
	case "down":
		if err := m.MigrateDown(ctx, cfg.Steps); err != nil {
			return errors.Wrap(err, "migrate down")
		}
	case "status":
	default:
		return errors.Errorf("unsupported direction: %s", cfg.Direction)
	}

	version, count, err := m.MigrationStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "migration status")
	}
	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d\n", cfg.Direction, version, count)
	return nil
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.DSN)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	if err := run(ctx, store, cfg, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
