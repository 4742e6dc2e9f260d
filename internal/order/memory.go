// internal/order/memory.go
package order

import (
	"context"
	"fmt"
	"sync"

	"bookshop/internal/outbox"
)

// MemoryStore keeps orders in process. Outbox entries are appended to the
// shared outbox.Memory while the store lock is held.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]Order
	ids     []string
	history map[string][]Transition
	outbox  *outbox.Memory
}

func NewMemoryStore(ob *outbox.Memory) *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]Order),
		history: make(map[string][]Transition),
		outbox:  ob,
	}
}

func (s *MemoryStore) Create(ctx context.Context, o Order, t Transition, entries ...outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", ErrVersionConflict, o.ID)
	}
	s.orders[o.ID] = o
	s.ids = append(s.ids, o.ID)
	s.history[o.ID] = []Transition{t}
	for _, e := range entries {
		s.outbox.Append(e)
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, o Order, expectedVersion int, t Transition, entries ...outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, o.ID)
	}
	if current.Version != expectedVersion || o.Version != expectedVersion+1 {
		return fmt.Errorf("%w: order %s at version %d, expected %d", ErrVersionConflict, o.ID, current.Version, expectedVersion)
	}
	s.orders[o.ID] = o
	s.history[o.ID] = append(s.history[o.ID], t)
	for _, e := range entries {
		s.outbox.Append(e)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, nil
}

// List returns the most recently created orders first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for i := len(s.ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.orders[s.ids[i]])
	}
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[id]
	out := make([]Transition, len(h))
	copy(out, h)
	return out, nil
}
