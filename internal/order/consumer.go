// internal/order/consumer.go
package order

import (
	"context"
	"errors"
	"log/slog"

	"bookshop/internal/broker"
	"bookshop/internal/events"
)

// NewDecisionHandler applies order-dispatched events. Malformed payloads,
// unknown orders and conflicting outcomes are permanent; anything else is
// left to the retry policy.
func NewDecisionHandler(log *slog.Logger, svc Service) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		decision, err := events.DecodeOrderDispatched(msg.Payload)
		if err != nil {
			return broker.Permanent(err)
		}

		o, err := svc.ApplyDispatchDecision(ctx, decision)
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition), errors.Is(err, events.ErrMalformed):
			return broker.Permanent(err)
		case err != nil:
			return err
		}

		log.Info("dispatch decision consumed",
			"order_id", o.ID, "decision", decision.Key(), "status", o.Status, "version", o.Version)
		return nil
	}
}
