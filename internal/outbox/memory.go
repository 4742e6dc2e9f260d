// internal/outbox/memory.go
package outbox

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process outbox. Append is expected to be called while the
// owning store holds its own lock, which makes the write atomic with the state
// change.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
	wake    chan struct{}
}

func NewMemory() *Memory {
	return &Memory{nextID: 1, wake: make(chan struct{}, 1)}
}

// Append stores e and returns it with its assigned id.
func (m *Memory) Append(e Entry) Entry {
	m.mu.Lock()
	e.ID = m.nextID
	m.nextID++
	e.DispatchedAt = nil
	m.entries = append(m.entries, e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return e
}

func (m *Memory) Pending(ctx context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.DispatchedAt != nil {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id && m.entries[i].DispatchedAt == nil {
			m.entries[i].DispatchedAt = &at
		}
	}
	return nil
}

// Entries returns a snapshot of every entry.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Wakeup fires after each Append.
func (m *Memory) Wakeup() <-chan struct{} {
	return m.wake
}
