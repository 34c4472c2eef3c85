package dispatch

import (
	"context"
	"errors"

	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/transport"
)

// EventProcessor consumes decoded saga events.
type EventProcessor interface {
	Process(ctx context.Context, event saga.Event) (*saga.Outcome, error)
}

// EventHandler feeds event-channel messages into processor. Messages that can
// never succeed are dropped; store failures and exhausted conflict retries
// are redelivered.
func EventHandler(processor EventProcessor) Handler {
	return func(ctx context.Context, msg transport.Message) error {
		event, err := transport.DecodeEvent(msg.Payload)
		if err != nil {
			return Drop(err)
		}
		_, err = processor.Process(ctx, event)
		if err == nil {
			return nil
		}
		if permanentEventError(err) {
			return Drop(err)
		}
		return err
	}
}

func permanentEventError(err error) bool {
	switch {
	case errors.Is(err, saga.ErrUnexpectedEvent),
		errors.Is(err, saga.ErrSagaNotFound),
		errors.Is(err, saga.ErrMissingIdempotencyKey),
		errors.Is(err, saga.ErrUnknownEventType):
		return true
	default:
		return false
	}
}
