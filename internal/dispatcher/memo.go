// internal/dispatcher/memo.go
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Memo remembers the first decision made for each order so redeliveries
// republish it instead of deciding again against a newer catalog.
type Memo interface {
	Recall(ctx context.Context, orderID string) (Decision, bool, error)
	// Remember stores d unless a decision for the order already exists, and
	// returns whichever decision is now on record.
	Remember(ctx context.Context, d Decision) (Decision, error)
}

type MemoryMemo struct {
	mu        sync.Mutex
	decisions map[string]Decision
}

func NewMemoryMemo() *MemoryMemo {
	return &MemoryMemo{decisions: make(map[string]Decision)}
}

func (m *MemoryMemo) Recall(ctx context.Context, orderID string) (Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[orderID]
	return d, ok, nil
}

func (m *MemoryMemo) Remember(ctx context.Context, d Decision) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.decisions[d.OrderID]; ok {
		return existing, nil
	}
	m.decisions[d.OrderID] = d
	return d, nil
}

// RedisMemo keeps decisions under dispatch:decision:<order id> until the TTL
// expires. SetNX makes the first writer win across dispatcher replicas.
type RedisMemo struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisMemo(rdb redis.Cmdable, ttl time.Duration) *RedisMemo {
	return &RedisMemo{rdb: rdb, ttl: ttl}
}

func (m *RedisMemo) key(orderID string) string {
	return fmt.Sprintf("dispatch:decision:%s", orderID)
}

func (m *RedisMemo) Recall(ctx context.Context, orderID string) (Decision, bool, error) {
	data, err := m.rdb.Get(ctx, m.key(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("recall decision %s: %w", orderID, err)
	}

	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, false, fmt.Errorf("decode decision %s: %w", orderID, err)
	}
	return d, true, nil
}

func (m *RedisMemo) Remember(ctx context.Context, d Decision) (Decision, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return Decision{}, fmt.Errorf("encode decision %s: %w", d.OrderID, err)
	}

	stored, err := m.rdb.SetNX(ctx, m.key(d.OrderID), data, m.ttl).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("remember decision %s: %w", d.OrderID, err)
	}
	if stored {
		return d, nil
	}

	existing, ok, err := m.Recall(ctx, d.OrderID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		// expired between SetNX and Get
		return d, nil
	}
	return existing, nil
}
