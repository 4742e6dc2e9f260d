// internal/order/service.go
package order

import (
	"context"

	"bookshop/internal/events"
)

// Service defines the interface for the order service.
type Service interface {
	PlaceOrder(ctx context.Context, req PlaceRequest) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, limit int) ([]Order, error)
	History(ctx context.Context, id string) ([]Transition, error)
	ApplyDispatchDecision(ctx context.Context, decision events.OrderDispatched) (*Order, error)
	Fulfill(ctx context.Context, id string, status Status) (*Order, error)
	Cancel(ctx context.Context, id string) (*Order, error)
}
