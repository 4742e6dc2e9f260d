// cmd/order/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/clients"
	"bookshop/internal/config"
	"bookshop/internal/logging"
	"bookshop/internal/order"
	"bookshop/internal/outbox"
	"bookshop/internal/telemetry"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load("order-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Service.Name, cfg.Service.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("order service stopped", "error", err)
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

	db, err := sqlx.Connect("postgres", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)

	store := order.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

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
	svc := order.NewService(log, store, catalog, order.Options{
		AcceptedTopic:      cfg.Broker.OrderAcceptedTopic,
		MaxQuantity:        cfg.Placement.MaxQuantity,
		TransitionAttempts: cfg.Retry.TransitionAttempts,
	})

	relayOpts := []outbox.Option{
		outbox.WithBatchSize(cfg.Relay.BatchSize),
		outbox.WithConcurrency(cfg.Relay.Concurrency),
		outbox.WithInterval(cfg.Relay.Interval),
		outbox.WithLeader(outbox.NewAdvisoryLeader(db, cfg.Relay.LeaderLockKey)),
	}
	if cfg.Relay.Listen {
		wake, err := outbox.Listen(ctx, cfg.Postgres.URL, log)
		if err != nil {
			return err
		}
		relayOpts = append(relayOpts, outbox.WithWakeup(wake))
	}
	relay := outbox.NewRelay(log, outbox.NewPostgresStore(db, log), b, relayOpts...)

	decisions := broker.NewProcessor(log, broker.PolicyFrom(cfg.Retry), b, cfg.Broker.DeadLetterTopic,
		order.NewDecisionHandler(log, svc))

	limiter := rate.NewLimiter(rate.Limit(cfg.Placement.RateLimit), cfg.Placement.Burst)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           order.NewHandler(log, svc, limiter, cfg.HTTP.RequestTimeout).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("outbox relay: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		err := b.Subscribe(ctx, cfg.Broker.OrderDispatchedTopic, cfg.Broker.OrderGroup, decisions.Handle)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrClosed) {
			errs <- fmt.Errorf("dispatch decision consumer: %w", err)
		}
	}()
	go func() {
		log.Info("order service listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	log.Info("order service stopped")
	return runErr
}
