package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IlyasAtabaev731/wallet/internal/api"
	"github.com/IlyasAtabaev731/wallet/internal/broker/kafka"
	"github.com/IlyasAtabaev731/wallet/internal/config"
	"github.com/IlyasAtabaev731/wallet/internal/outbox"
	"github.com/IlyasAtabaev731/wallet/internal/services/auth"
	"github.com/IlyasAtabaev731/wallet/internal/services/ledger"
	"github.com/IlyasAtabaev731/wallet/internal/storage/memory"
	"github.com/IlyasAtabaev731/wallet/internal/storage/postgres"
	redisstore "github.com/IlyasAtabaev731/wallet/internal/storage/redis"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// store is what the services need from a storage backend.
type store interface {
	auth.UserStorage
	ledger.Store
	outbox.Source
}

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("Starting application",
		slog.String("env", cfg.Env),
		slog.String("host", cfg.ApiHost),
		slog.Int("port", cfg.ApiPort),
		slog.String("storage", cfg.Storage),
	)

	var storage store
	switch cfg.Storage {
	case config.StorageMemory:
		storage = memory.New()
	default:
		pg, err := postgres.New(cfg.Postgres.URL(), log)
		if err != nil {
			log.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Stop()
		storage = pg
	}

	maxAmount, _ := cfg.Ledger.MaxAmount()
	ledgerService := ledger.New(log, storage,
		ledger.WithMaxAmount(maxAmount),
		ledger.WithMaxRetries(cfg.Ledger.MaxRetries),
	)
	authService := auth.New(log, storage, ledgerService, ledger.RandomSeedBalance, cfg.JWT.Secret, cfg.JWT.TokenTTL)

	var idempotency api.Idempotency
	if cfg.Redis.Addr != "" {
		client, err := redisstore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		idempotency = redisstore.NewIdempotency(client, cfg.Redis.IdempotencyTTL)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	outboxDone := make(chan struct{})
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		processor := outbox.NewProcessor(log, storage, producer, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)
		go func() {
			defer close(outboxDone)
			processor.Run(ctx)
			if err := producer.Close(); err != nil {
				log.Error("Failed to close producer", "error", err)
			}
		}()
	} else {
		close(outboxDone)
	}

	apiServer := api.New(cfg, log, authService, ledgerService, idempotency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		apiServer.MustStart()
	}()

	<-sigChan
	log.Info("Got signal to shutdown server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Stopping server error", "error", err)
	}

	stop()
	<-outboxDone
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger
	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
