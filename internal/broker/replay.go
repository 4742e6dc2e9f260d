// internal/broker/replay.go
package broker

import (
	"context"
	"fmt"
	"log/slog"
)

// ReplayHandler returns a handler that sends dead-lettered messages back to
// the topic they failed on. The dead-letter headers are dropped, so the
// message starts over with a fresh attempt budget. Messages without an
// original topic are permanent failures.
func ReplayHandler(log *slog.Logger, pub Publisher) Handler {
	return func(ctx context.Context, msg Message) error {
		original := msg.Headers[HeaderOriginalTopic]
		if original == "" {
			return Permanent(fmt.Errorf("message %s has no %s header", msg.ID, HeaderOriginalTopic))
		}

		replay := msg
		replay.Topic = original
		replay.Headers = cloneHeaders(msg.Headers)
		delete(replay.Headers, HeaderOriginalTopic)
		delete(replay.Headers, HeaderError)
		delete(replay.Headers, HeaderAttempts)

		if err := pub.Publish(ctx, replay); err != nil {
			return fmt.Errorf("replay %s to %s: %w", msg.ID, original, err)
		}
		log.Info("dead letter replayed", "message_id", msg.ID, "topic", original, "cause", msg.Headers[HeaderError])
		return nil
	}
}

// NewReplayer wraps ReplayHandler in a Processor. A message that cannot be
// replayed is parked on the dead-letter topic of the topic being replayed,
// so it does not hold up the messages queued behind it.
func NewReplayer(log *slog.Logger, policy RetryPolicy, pub Publisher, deadLetterTopic func(string) string) *Processor {
	return NewProcessor(log, policy, pub, deadLetterTopic, ReplayHandler(log, pub))
}
