// internal/broker/processor.go
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"bookshop/internal/config"
	"bookshop/internal/telemetry"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy bounds in-consumer redelivery of a failing message.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func PolicyFrom(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
	}
}

// Processor wraps a Handler with exponential-backoff retries and dead-letter
// routing. Retries happen in place, so later messages with the same key wait
// behind the failing one.
type Processor struct {
	log             *slog.Logger
	policy          RetryPolicy
	deadLetters     Publisher
	deadLetterTopic func(string) string
	handler         Handler
	tracer          trace.Tracer
	retried         metric.Int64Counter
	deadLettered    metric.Int64Counter
}

func NewProcessor(log *slog.Logger, policy RetryPolicy, deadLetters Publisher, deadLetterTopic func(string) string, h Handler) *Processor {
	meter := otel.Meter("bookshop/broker")
	retried, _ := meter.Int64Counter("messages.retried",
		metric.WithDescription("Handler attempts that failed with a retryable error"))
	deadLettered, _ := meter.Int64Counter("messages.dead_lettered",
		metric.WithDescription("Messages moved to a dead-letter destination"))

	return &Processor{
		log:             log,
		policy:          policy,
		deadLetters:     deadLetters,
		deadLetterTopic: deadLetterTopic,
		handler:         h,
		tracer:          otel.Tracer("bookshop/broker"),
		retried:         retried,
		deadLettered:    deadLettered,
	}
}

// Handle runs the wrapped handler until it succeeds, fails permanently or
// exhausts the attempt bound. The latter two dead-letter the message and
// return nil so the delivery is acknowledged. An error is returned only when
// ctx ends or the dead-letter publish fails; the delivery must then stay
// unacknowledged.
func (p *Processor) Handle(ctx context.Context, msg Message) error {
	ctx = telemetry.Extract(ctx, msg.Headers)
	ctx, span := p.tracer.Start(ctx, "broker.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.key", msg.Key),
		),
	)
	defer span.End()

	attempts := 0
	permanent := false
	operation := func() (struct{}, error) {
		attempts++
		err := p.handler(ctx, msg)
		if err == nil {
			return struct{}{}, nil
		}
		if IsPermanent(err) {
			permanent = true
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, next time.Duration) {
		p.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", msg.Topic)))
		p.log.Warn("handler failed, retrying",
			"topic", msg.Topic, "key", msg.Key, "message_id", msg.ID,
			"attempt", attempts, "next", next, "error", err)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.policy.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err == nil {
		span.SetAttributes(attribute.Int("attempts", attempts))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "dead-lettered")
	span.SetAttributes(attribute.Bool("permanent", permanent), attribute.Int("attempts", attempts))
	return p.deadLetter(ctx, msg, err, attempts)
}

func (p *Processor) deadLetter(ctx context.Context, msg Message, cause error, attempts int) error {
	dl := msg
	dl.Topic = p.deadLetterTopic(msg.Topic)
	dl.Headers = cloneHeaders(msg.Headers)
	dl.Headers[HeaderOriginalTopic] = msg.Topic
	dl.Headers[HeaderError] = cause.Error()
	dl.Headers[HeaderAttempts] = strconv.Itoa(attempts)

	if err := p.deadLetters.Publish(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter message %s to %s: %w", msg.ID, dl.Topic, err)
	}

	p.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", msg.Topic)))
	p.log.Error("message dead-lettered",
		"topic", msg.Topic, "dead_letter_topic", dl.Topic, "key", msg.Key,
		"message_id", msg.ID, "attempts", attempts, "error", cause)
	return nil
}

func (p *Processor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.InitialInterval
	b.MaxInterval = p.policy.MaxInterval
	b.Multiplier = p.policy.Multiplier
	return b
}
