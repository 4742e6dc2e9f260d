// internal/broker/memory.go
package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process channel with at-least-once semantics. Each
// (topic, group) pair gets its own queue that starts from the beginning of the
// topic, like a new consumer group reading from the earliest offset. A handler
// error leaves the message at the head of its queue for redelivery.
type Memory struct {
	mu        sync.Mutex
	published map[string][]Message
	queues    map[string]map[string]*memoryQueue
	closed    bool

	// RedeliveryDelay is the pause before an unacknowledged message is
	// delivered again.
	RedeliveryDelay time.Duration
}

type memoryQueue struct {
	mu    sync.Mutex
	items []Message
	ready chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		published:       make(map[string][]Message),
		queues:          make(map[string]map[string]*memoryQueue),
		RedeliveryDelay: 10 * time.Millisecond,
	}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Headers = cloneHeaders(msg.Headers)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.published[msg.Topic] = append(m.published[msg.Topic], msg)
	for _, q := range m.queues[msg.Topic] {
		q.push(msg)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	q, err := m.queue(topic, group)
	if err != nil {
		return err
	}

	for {
		msg, ok := q.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.ready:
				continue
			}
		}

		if err := h(ctx, msg); err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.RedeliveryDelay):
				continue
			}
		}
		q.pop()
	}
}

// Published returns every message ever published to topic, in order.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.published[topic]))
	copy(out, m.published[topic])
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) queue(topic, group string) (*memoryQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	groups, ok := m.queues[topic]
	if !ok {
		groups = make(map[string]*memoryQueue)
		m.queues[topic] = groups
	}
	q, ok := groups[group]
	if !ok {
		q = &memoryQueue{ready: make(chan struct{}, 1)}
		for _, msg := range m.published[topic] {
			q.push(msg)
		}
		groups[group] = q
	}
	return q, nil
}

func (q *memoryQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	return q.items[0], true
}

func (q *memoryQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}
