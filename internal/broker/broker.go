// internal/broker/broker.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bookshop/internal/config"
)

// Header keys set by the broker layer. Trace context travels in the same map.
const (
	HeaderMessageID     = "x-message-id"
	HeaderEventType     = "x-event-type"
	HeaderOriginalTopic = "x-original-topic"
	HeaderError         = "x-error"
	HeaderAttempts      = "x-attempts"
)

// Message is a single event on the channel. Key selects the partition, so all
// messages of one order share it and keep their relative order.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Type    string
	Payload []byte
	Headers map[string]string
}

// Publisher hands a message to the channel. Publish returns only after the
// channel has acknowledged durable receipt.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivery. A nil error acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages of topic to h until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the message goes straight to the
// dead-letter destination.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Open connects to the channel selected by cfg.Kind.
func Open(cfg config.BrokerConfig, log *slog.Logger) (Broker, error) {
	switch cfg.Kind {
	case "kafka":
		return NewKafka(log, cfg.KafkaBrokers), nil
	case "amqp":
		return DialAMQP(log, cfg.AMQPURL, cfg.Exchange)
	case "memory":
		log.Warn("using in-process message channel; messages do not leave this process")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+3)
	for k, v := range h {
		out[k] = v
	}
	return out
}
