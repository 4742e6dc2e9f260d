// cmd/gateway/gateway.go
package main

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type gatewayOptions struct {
	RateLimit          float64
	Burst              int
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// gateway forwards to the order service behind a limiter and a breaker.
// Upstream 5xx answers and transport errors count as breaker failures.
type gateway struct {
	log     *slog.Logger
	proxy   *httputil.ReverseProxy
	limiter *rate.Limiter
	breaker *gobreaker.TwoStepCircuitBreaker
}

func newGateway(log *slog.Logger, upstream *url.URL, opts gatewayOptions) *gateway {
	g := &gateway{
		log:     log,
		proxy:   httputil.NewSingleHostReverseProxy(upstream),
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
	}
	g.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    "order-service",
		Timeout: opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "upstream", name, "from", from.String(), "to", to.String())
		},
	})
	g.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("upstream request failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return g
}

func (g *gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/api/v1/orders", http.StripPrefix("/api/v1", g))
	r.Handle("/api/v1/orders/*", http.StripPrefix("/api/v1", g))
	return r
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	done, err := g.breaker.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "order service unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	// The proxy aborts with a panic when the upstream body breaks off. The
	// breaker still has to hear about it, or a half-open trial never ends.
	defer func() {
		if p := recover(); p != nil {
			done(false)
			panic(p)
		}
		done(rec.status < http.StatusInternalServerError)
	}()
	g.proxy.ServeHTTP(rec, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
