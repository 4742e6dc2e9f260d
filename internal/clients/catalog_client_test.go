package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/books/isbn-1":
			w.Write([]byte(`{"isbn":"isbn-1","title":"Northern Lights","author":"Lyra Silvertongue","price":"9.90","available":5}`))
		case "/books/isbn-500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, CatalogOptions{Timeout: time.Second, BreakerFailures: 10})

	book, err := c.GetBook(context.Background(), "isbn-1")
	require.NoError(t, err)
	assert.Equal(t, "Northern Lights", book.Title)
	assert.Equal(t, 5, book.Available)
	assert.Equal(t, "9.9", book.Price.String())

	_, err = c.GetBook(context.Background(), "isbn-missing")
	require.ErrorIs(t, err, ErrBookNotFound)

	_, err = c.GetBook(context.Background(), "isbn-500")
	require.ErrorIs(t, err, ErrLookupUnavailable)
}

func TestGetBookTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, CatalogOptions{Timeout: 20 * time.Millisecond})
	_, err := c.GetBook(context.Background(), "isbn-1")
	require.ErrorIs(t, err, ErrLookupUnavailable)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, CatalogOptions{Timeout: time.Second, BreakerFailures: 3, BreakerOpenTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		_, err := c.GetBook(context.Background(), "isbn-1")
		require.ErrorIs(t, err, ErrLookupUnavailable)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewCatalogClient(srv.URL, CatalogOptions{Timeout: time.Second, BreakerFailures: 2, BreakerOpenTimeout: time.Minute})
	for i := 0; i < 4; i++ {
		_, err := c.GetBook(context.Background(), "isbn-x")
		require.ErrorIs(t, err, ErrBookNotFound)
	}
}
