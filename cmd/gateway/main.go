// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookshop/internal/config"
	"bookshop/internal/logging"
)

func main() {
	cfg, err := config.Load("gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Service.Name, cfg.Service.LogLevel)

	upstream, err := url.Parse(cfg.Gateway.OrderServiceURL)
	if err != nil {
		log.Error("invalid order service url", "url", cfg.Gateway.OrderServiceURL, "error", err)
		os.Exit(1)
	}

	gw := newGateway(log, upstream, gatewayOptions{
		RateLimit:          cfg.Gateway.RateLimit,
		Burst:              cfg.Gateway.Burst,
		BreakerFailures:    cfg.Gateway.BreakerFailures,
		BreakerOpenTimeout: cfg.Gateway.BreakerOpenTimeout,
	})
	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("gateway listening", "addr", cfg.Gateway.Addr, "upstream", upstream.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", "error", err)
	}
}
