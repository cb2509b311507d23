// Command sweep runs one pass of the deadline sweep and prints the result
// as JSON. Useful from cron when the server's own timer is disabled, or to
// drain a backlog by hand.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/sweep
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/mbd888/tradeguard/internal/config"
	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/lease"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/order"
	"github.com/mbd888/tradeguard/internal/server"
	"github.com/mbd888/tradeguard/internal/storage"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := storage.Open(ctx, cfg.DatabaseURL, 4)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store := storage.NewPostgresDB(db)
	sinks := events.Multi{events.NewLogSink(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		k := events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		defer func() { _ = k.Close() }()
		sinks = append(sinks, server.GuardKafka(k))
	}

	svc := order.NewService(store, store, server.OrderConfig(cfg), events.NewEmitter(sinks, logger), logger)

	timer := order.NewTimer(svc, cfg.SweepInterval, logger)
	if cfg.RedisURL != "" {
		client, err := lease.Connect(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to configure redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()
		timer.WithLocker(lease.NewRedisLocker(client))
	}

	result, skipped, err := timer.RunOnce(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}
	if skipped {
		logger.Info("another sweeper holds the lease; nothing done")
		return
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("failed to write result", "error", err)
		os.Exit(1)
	}
}
