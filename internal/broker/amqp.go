// internal/broker/amqp.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmed is returned when the broker negatively acknowledges a publish.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// AMQP routes every topic through one durable topic exchange into one durable
// queue named after the topic. Consumers share the queue with prefetch 1, which
// keeps per-key order for a single consumer.
type AMQP struct {
	log      *slog.Logger
	conn     *amqp.Connection
	exchange string

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

func DialAMQP(log *slog.Logger, url, exchange string) (*AMQP, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn("rabbitmq not ready, retrying", "attempt", i+1, "error", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &AMQP{
		log:      log,
		conn:     conn,
		exchange: exchange,
		pub:      ch,
		declared: make(map[string]bool),
	}, nil
}

func (a *AMQP) Publish(ctx context.Context, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.declare(a.pub, msg.Topic); err != nil {
		return err
	}

	dc, err := a.pub.PublishWithDeferredConfirmWithContext(ctx, a.exchange, msg.Topic, false, false,
		toPublishing(msg, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", msg.Topic, err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm %s: %w", msg.Topic, err)
	}
	if !ok {
		return fmt.Errorf("amqp publish %s: %w", msg.Topic, ErrNotConfirmed)
	}
	return nil
}

// Subscribe acknowledges a delivery after h returned nil and requeues it
// otherwise. The group names the consumer tag.
func (a *AMQP) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := a.declare(ch, topic); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(topic, group, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	a.log.Info("amqp consumer started", "queue", topic, "consumer", group)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", topic)
			}
			if err := h(ctx, fromDelivery(topic, d)); err != nil {
				a.log.Error("delivery not acknowledged", "queue", topic, "message_id", d.MessageId, "error", err)
				time.Sleep(time.Second)
				if err := d.Nack(false, true); err != nil {
					return fmt.Errorf("nack %s: %w", d.MessageId, err)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack %s: %w", d.MessageId, err)
			}
		}
	}
}

func (a *AMQP) Close() error {
	return a.conn.Close()
}

// declare makes sure topic has its durable queue. Callers on the publish
// channel hold a.mu.
func (a *AMQP) declare(ch *amqp.Channel, topic string) error {
	if ch == a.pub && a.declared[topic] {
		return nil
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	if err := ch.QueueBind(topic, topic, a.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topic, err)
	}
	if ch == a.pub {
		a.declared[topic] = true
	}
	return nil
}

// toPublishing maps the message key onto the correlation id, which
// fromDelivery reads back.
func toPublishing(msg Message, at time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		MessageId:     msg.ID,
		Type:          msg.Type,
		CorrelationId: msg.Key,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     at,
		Headers:       headers,
		Body:          msg.Payload,
	}
}

func fromDelivery(topic string, d amqp.Delivery) Message {
	msg := Message{
		ID:      d.MessageId,
		Topic:   topic,
		Key:     d.CorrelationId,
		Type:    d.Type,
		Payload: d.Body,
		Headers: make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}
	return msg
}
