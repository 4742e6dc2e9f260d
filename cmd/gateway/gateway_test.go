package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, upstream http.HandlerFunc, opts gatewayOptions) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(upstream)
	t.Cleanup(backend.Close)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	gw := newGateway(slog.New(slog.NewTextHandler(io.Discard, nil)), u, opts)
	front := httptest.NewServer(gw.Routes())
	t.Cleanup(front.Close)
	return front
}

func defaultOptions() gatewayOptions {
	return gatewayOptions{RateLimit: 1000, Burst: 1000, BreakerFailures: 3, BreakerOpenTimeout: time.Minute}
}

func TestGatewayStripsPrefix(t *testing.T) {
	var gotPath atomic.Value
	front := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}, defaultOptions())

	resp, err := http.Get(front.URL + "/api/v1/orders/abc")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/orders/abc", gotPath.Load())
}

func TestGatewayBreakerOpensOnUpstreamErrors(t *testing.T) {
	var hits atomic.Int32
	front := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, defaultOptions())

	for range 3 {
		resp, err := http.Get(front.URL + "/api/v1/orders/abc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	resp, err := http.Get(front.URL + "/api/v1/orders/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGatewayClientErrorsDoNotTrip(t *testing.T) {
	front := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, defaultOptions())

	for range 5 {
		resp, err := http.Get(front.URL + "/api/v1/orders/missing")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestGatewayRecoversAfterTruncatedUpstreamBody(t *testing.T) {
	var mode atomic.Int32 // 0 failing, 1 truncating, 2 healthy
	opts := defaultOptions()
	opts.BreakerFailures, opts.BreakerOpenTimeout = 1, 50*time.Millisecond
	front := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		switch mode.Load() {
		case 0:
			w.WriteHeader(http.StatusInternalServerError)
		case 1:
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("short"))
			conn, _, err := http.NewResponseController(w).Hijack()
			if err == nil {
				conn.Close()
			}
		default:
			w.WriteHeader(http.StatusOK)
		}
	}, opts)

	resp, err := http.Get(front.URL + "/api/v1/orders")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// half-open: the single trial request breaks off mid-body
	time.Sleep(80 * time.Millisecond)
	mode.Store(1)
	if resp, err := http.Get(front.URL + "/api/v1/orders"); err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	// the failed trial reopened the breaker; after the timeout it lets traffic through again
	mode.Store(2)
	require.Eventually(t, func() bool {
		resp, err := http.Get(front.URL + "/api/v1/orders")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGatewayRateLimits(t *testing.T) {
	opts := defaultOptions()
	opts.RateLimit, opts.Burst = 0.001, 1
	front := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, opts)

	first, err := http.Get(front.URL + "/api/v1/orders")
	require.NoError(t, err)
	first.Body.Close()
	second, err := http.Get(front.URL + "/api/v1/orders")
	require.NoError(t, err)
	second.Body.Close()

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))
}
