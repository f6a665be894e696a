package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/messaging/kafka"
)

type config struct {
	Brokers     []string      `usage:"Kafka brokers (ORDERS_BROKERS)" flag:"brokers"`
	SourceTopic string        `default:"orders.dlq" usage:"DLQ source topic" flag:"source-topic"`
	TargetTopic string        `default:"orders.events" usage:"target topic for replay" flag:"target-topic"`
	Limit       int           `default:"100" usage:"max number of messages to scan" flag:"limit"`
	Execute     bool          `default:"false" usage:"publish messages; default is dry-run" flag:"execute"`
	FromNewest  bool          `default:"false" usage:"scan latest messages first" flag:"from-newest"`
	IdleTimeout time.Duration `default:"2s" usage:"idle timeout per partition" flag:"idle-timeout"`
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

	switch {
	case len(cfg.Brokers) == 0:
		return config{}, errors.New("kafka brokers are required (-brokers or ORDERS_BROKERS)")
	case cfg.SourceTopic == "" || cfg.TargetTopic == "":
		return config{}, errors.New("source and target topics are required")
	case cfg.SourceTopic == cfg.TargetTopic:
		return config{}, errors.New("source and target topics must differ")
	case cfg.Limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.IdleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func (c config) replayOptions() kafka.ReplayOptions {
	return kafka.ReplayOptions{
		SourceTopic: c.SourceTopic,
		TargetTopic: c.TargetTopic,
		Limit:       c.Limit,
		Execute:     c.Execute,
		FromNewest:  c.FromNewest,
		IdleTimeout: c.IdleTimeout,
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"source_topic": cfg.SourceTopic,
		"target_topic": cfg.TargetTopic,
		"limit":        cfg.Limit,
		"execute":      cfg.Execute,
	}).Info("starting dlq replay")

	replayer, err := kafka.NewReplayer(cfg.Brokers, cfg.replayOptions())
	if err != nil {
		fail("dlq replay failed: %v", err)
	}
	defer func() { _ = replayer.Close() }()

	stats, err := replayer.Run(ctx)
	if err != nil {
		fail("dlq replay failed: %v", err)
	}
	fmt.Printf("processed=%d replayed=%d skipped=%d\n", stats.Processed, stats.Replayed, stats.Skipped)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
