// internal/order/store.go
package order

import (
	"context"

	"bookshop/internal/clients"
	"bookshop/internal/outbox"
)

// Store persists orders, their transition history and their outbox entries.
// Each write is atomic: the order row, the history row and every entry commit
// together or not at all.
type Store interface {
	Create(ctx context.Context, o Order, t Transition, entries ...outbox.Entry) error
	// Update fails with ErrVersionConflict unless the stored version equals
	// expectedVersion.
	Update(ctx context.Context, o Order, expectedVersion int, t Transition, entries ...outbox.Entry) error
	Get(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, limit int) ([]Order, error)
	History(ctx context.Context, id string) ([]Transition, error)
}

// BookLookup provides the catalog snapshot taken at placement.
type BookLookup interface {
	GetBook(ctx context.Context, isbn string) (*clients.Book, error)
}
