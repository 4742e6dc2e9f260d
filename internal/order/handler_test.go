package order

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bookshop/internal/clients"
	"bookshop/internal/events"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T, books BookLookup, limiter *rate.Limiter) (*httptest.Server, Service) {
	t.Helper()
	svc, _, _ := newTestService(t, books)
	srv := httptest.NewServer(NewHandler(testLogger(), svc, limiter, time.Second).Routes())
	t.Cleanup(srv.Close)
	return srv, svc
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPlaceAndFetchOrder(t *testing.T) {
	srv, _ := newTestServer(t, shelf(), nil)

	resp := post(t, srv.URL+"/orders", PlaceRequest{ISBN: "1234567891", Quantity: 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var placed Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&placed))
	assert.Equal(t, StatusPending, placed.Status)
	assert.Equal(t, "/orders/"+placed.ID, resp.Header.Get("Location"))

	resp = get(t, srv.URL+"/orders/"+placed.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Equal(t, placed.ID, fetched.ID)
	assert.Equal(t, 2, fetched.Quantity)

	resp = get(t, srv.URL+"/orders")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)

	resp = get(t, srv.URL+"/orders/"+placed.ID+"/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []Transition
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Len(t, history, 1)
}

func TestErrorMapping(t *testing.T) {
	srv, svc := newTestServer(t, shelf(), nil)

	o, err := svc.PlaceOrder(context.Background(), PlaceRequest{ISBN: "1234567891", Quantity: 1})
	require.NoError(t, err)
	_, err = svc.ApplyDispatchDecision(context.Background(), events.OrderDispatched{OrderID: o.ID, Outcome: events.OutcomeAccepted})
	require.NoError(t, err)

	tests := []struct {
		name   string
		do     func() *http.Response
		status int
	}{
		{"zero quantity", func() *http.Response {
			return post(t, srv.URL+"/orders", PlaceRequest{ISBN: "1234567891", Quantity: 0})
		}, http.StatusBadRequest},
		{"unknown book", func() *http.Response {
			return post(t, srv.URL+"/orders", PlaceRequest{ISBN: "0000000000", Quantity: 1})
		}, http.StatusBadRequest},
		{"broken body", func() *http.Response {
			resp, err := http.Post(srv.URL+"/orders", "application/json", bytes.NewReader([]byte("{")))
			require.NoError(t, err)
			t.Cleanup(func() { resp.Body.Close() })
			return resp
		}, http.StatusBadRequest},
		{"missing order", func() *http.Response {
			return get(t, srv.URL+"/orders/does-not-exist")
		}, http.StatusNotFound},
		{"bad limit", func() *http.Response {
			return get(t, srv.URL+"/orders?limit=0")
		}, http.StatusBadRequest},
		{"cancel accepted order", func() *http.Response {
			return post(t, srv.URL+"/orders/"+o.ID+"/cancel", nil)
		}, http.StatusConflict},
		{"fulfillment with bad status", func() *http.Response {
			return post(t, srv.URL+"/orders/"+o.ID+"/fulfillment", map[string]string{"status": "REJECTED"})
		}, http.StatusBadRequest},
		{"fulfillment dispatch", func() *http.Response {
			return post(t, srv.URL+"/orders/"+o.ID+"/fulfillment", map[string]string{"status": "DISPATCHED"})
		}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.do()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status >= 400 {
				var body errorBody
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.NotEmpty(t, body.Error)
			}
		})
	}
}

func TestCatalogOutageIsServiceUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, fakeBooks{err: clients.ErrLookupUnavailable}, nil)

	resp := post(t, srv.URL+"/orders", PlaceRequest{ISBN: "1234567891", Quantity: 1})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestPlacementIsRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, shelf(), rate.NewLimiter(rate.Every(time.Hour), 2))

	for range 2 {
		resp := post(t, srv.URL+"/orders", PlaceRequest{ISBN: "1234567891", Quantity: 1})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := post(t, srv.URL+"/orders", PlaceRequest{ISBN: "1234567891", Quantity: 1})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// reads are not limited
	resp = get(t, srv.URL+"/orders")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
