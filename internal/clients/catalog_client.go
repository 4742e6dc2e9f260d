// internal/clients/catalog_client.go
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrLookupUnavailable = errors.New("catalog lookup unavailable")
)

// Book is the catalog's view of a title, including current stock.
type Book struct {
	ISBN      string          `json:"isbn"`
	Title     string          `json:"title"`
	Author    string          `json:"author"`
	Price     decimal.Decimal `json:"price"`
	Available int             `json:"available"`
}

type CatalogOptions struct {
	Timeout            time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// CatalogClient queries the catalog service. Every failure other than a 404
// is reported as ErrLookupUnavailable; consecutive failures open the breaker,
// which then fails fast with the same error.
type CatalogClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	tracer  trace.Tracer
}

func NewCatalogClient(baseURL string, opts CatalogOptions) *CatalogClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}

	return &CatalogClient{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: opts.Timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "catalog",
			Timeout: opts.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerFailures
			},
		}),
		tracer: otel.Tracer("bookshop/clients"),
	}
}

// GetBook returns the book registered under isbn.
func (c *CatalogClient) GetBook(ctx context.Context, isbn string) (*Book, error) {
	ctx, span := c.tracer.Start(ctx, "catalog.get_book",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("book.isbn", isbn)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, isbn)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return nil, err
	}

	book, _ := result.(*Book)
	if book == nil {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
	}
	span.SetAttributes(attribute.Int("book.available", book.Available))
	return book, nil
}

// fetch returns a nil book for 404 so the breaker does not count it as a failure.
func (c *CatalogClient) fetch(ctx context.Context, isbn string) (*Book, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/books/%s", c.baseURL, url.PathEscape(isbn)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrLookupUnavailable, resp.StatusCode)
	}

	var book Book
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("%w: decode book: %v", ErrLookupUnavailable, err)
	}
	return &book, nil
}
