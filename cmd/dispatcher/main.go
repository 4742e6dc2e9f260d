// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/clients"
	"bookshop/internal/config"
	"bookshop/internal/dispatcher"
	"bookshop/internal/logging"
	"bookshop/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("dispatcher-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Service.Name, cfg.Service.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Service.Name, cfg.Telemetry.OTLPEndpoint, log)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	memo, closeMemo, err := openMemo(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeMemo()

	b, err := broker.Open(cfg.Broker, log)
	if err != nil {
		return err
	}
	defer b.Close()

	catalog := clients.NewCatalogClient(cfg.Catalog.URL, clients.CatalogOptions{
		Timeout:            cfg.Catalog.Timeout,
		BreakerFailures:    cfg.Catalog.BreakerFailures,
		BreakerOpenTimeout: cfg.Catalog.BreakerOpenTimeout,
	})
	engine := dispatcher.NewEngine(log, catalog, memo, b, cfg.Broker.OrderDispatchedTopic)
	accepted := broker.NewProcessor(log, broker.PolicyFrom(cfg.Retry), b, cfg.Broker.DeadLetterTopic, engine.Handle)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health endpoint failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("dispatcher consuming", "topic", cfg.Broker.OrderAcceptedTopic, "group", cfg.Broker.DispatcherGroup)
	err = b.Subscribe(ctx, cfg.Broker.OrderAcceptedTopic, cfg.Broker.DispatcherGroup, accepted.Handle)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrClosed) {
		return fmt.Errorf("order accepted consumer: %w", err)
	}
	log.Info("dispatcher stopped")
	return nil
}

// openMemo connects to Redis when an address is configured. Without one the
// decisions live in process memory and do not survive a restart.
func openMemo(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (dispatcher.Memo, func(), error) {
	if cfg.Addr == "" {
		log.Warn("no redis address; decision memo is in-process only")
		return dispatcher.NewMemoryMemo(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return dispatcher.NewRedisMemo(rdb, cfg.MemoTTL), func() { rdb.Close() }, nil
}
