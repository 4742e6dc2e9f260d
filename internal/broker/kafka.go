// internal/broker/kafka.go
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka publishes with a hash balancer on the message key, so every message of
// one order lands on the same partition, and waits for all in-sync replicas.
type Kafka struct {
	log     *slog.Logger
	brokers []string
	writer  *kafka.Writer

	// RedeliveryDelay is the pause before a handler that returned an error
	// is given the same message again.
	RedeliveryDelay time.Duration
}

func NewKafka(log *slog.Logger, brokers []string) *Kafka {
	return &Kafka{
		log:     log,
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		RedeliveryDelay: time.Second,
	}
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	if err := k.writer.WriteMessages(ctx, toKafka(msg, time.Now().UTC())); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe commits an offset only after h returned nil for it. A failing
// handler blocks its partition and is retried until ctx ends.
func (k *Kafka) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer r.Close()

	k.log.Info("kafka consumer started", "topic", topic, "group", group)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", topic, err)
		}

		msg := fromKafka(m)
		for {
			err := h(ctx, msg)
			if err == nil {
				break
			}
			k.log.Error("delivery not acknowledged",
				"topic", topic, "partition", m.Partition, "offset", m.Offset, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(k.RedeliveryDelay):
			}
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit %s: %w", topic, err)
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// toKafka carries the message id and event type as headers, ahead of the
// caller's own headers.
func toKafka(msg Message, at time.Time) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	headers = append(headers,
		kafka.Header{Key: HeaderMessageID, Value: []byte(msg.ID)},
		kafka.Header{Key: HeaderEventType, Value: []byte(msg.Type)},
	)
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: headers,
		Time:    at,
	}
}

func fromKafka(m kafka.Message) Message {
	msg := Message{
		Topic:   m.Topic,
		Key:     string(m.Key),
		Payload: m.Value,
		Headers: make(map[string]string, len(m.Headers)),
	}
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderMessageID:
			msg.ID = string(h.Value)
		case HeaderEventType:
			msg.Type = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
