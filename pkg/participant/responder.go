// Package participant helps services answer saga commands idempotently.
package participant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/sagaflow/pkg/dispatch"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/transport"
)

// Result is what a local action reports for one command.
type Result struct {
	EventType saga.EventType
	Payload   map[string]any
}

// Action executes a command against the participant's own state. A returned
// error means the command could not be attempted and should be redelivered;
// business failures are reported through Result.
type Action func(ctx context.Context, cmd saga.Command) (Result, error)

// EventPublisher publishes result events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event saga.Event) error
}

// Responder routes commands to registered actions and publishes their result
// events. A command seen before re-emits the stored event instead of running
// the action again.
type Responder struct {
	name      string
	publisher EventPublisher
	dedup     Dedup
	logger    logger.Logger
	now       func() time.Time

	mu      sync.RWMutex
	actions map[saga.CommandType]Action
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the responder logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResponder creates a responder for the participant called name.
func NewResponder(name string, publisher EventPublisher, dedup Dedup, opts ...Option) (*Responder, error) {
	if name == "" {
		return nil, fmt.Errorf("participant: name cannot be empty")
	}
	if publisher == nil {
		return nil, fmt.Errorf("participant: publisher cannot be nil")
	}
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	r := &Responder{
		name:      name,
		publisher: publisher,
		dedup:     dedup,
		logger:    logger.Global(),
		now:       func() time.Time { return time.Now().UTC() },
		actions:   make(map[saga.CommandType]Action),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Handle registers action for commandType.
func (r *Responder) Handle(commandType saga.CommandType, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[commandType] = action
}

// Handles reports whether an action is registered for commandType.
func (r *Responder) Handles(commandType saga.CommandType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[commandType]
	return ok
}

// HandleCommand runs the action for cmd at most once per idempotency key and
// publishes the result event. Commands without a registered action are
// ignored. It returns the published event, or nil when nothing was published.
func (r *Responder) HandleCommand(ctx context.Context, cmd saga.Command) (*saga.Event, error) {
	r.mu.RLock()
	action, ok := r.actions[cmd.CommandType]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	key := cmd.IdempotencyKey()
	event, seen, err := r.dedup.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if seen {
		r.logger.DebugContext(ctx, "duplicate command, re-emitting stored result",
			"participant", r.name, "saga_id", cmd.SagaID, "command_type", cmd.CommandType)
	} else {
		result, err := action(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %s for saga %s: %w", r.name, cmd.CommandType, cmd.SagaID, err)
		}
		if result.EventType == "" {
			return nil, nil
		}
		event, err = r.dedup.Store(ctx, key, ResultEvent(cmd, result, r.now()))
		if err != nil {
			return nil, err
		}
	}

	if err := r.publisher.PublishEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("participant %s: publish %s: %w", r.name, event.EventType, err)
	}
	r.logger.InfoContext(ctx, "command answered",
		"participant", r.name, "saga_id", cmd.SagaID, "command_type", cmd.CommandType, "event_type", event.EventType)
	return &event, nil
}

// Handler adapts the responder to a command-channel dispatch pool.
func (r *Responder) Handler() dispatch.Handler {
	return func(ctx context.Context, msg transport.Message) error {
		cmd, err := transport.DecodeCommand(msg.Payload)
		if err != nil {
			return dispatch.Drop(err)
		}
		_, err = r.HandleCommand(ctx, cmd)
		return err
	}
}

// ResultEvent builds the event answering cmd. Its idempotency key is the
// command's key, so redelivered results collapse on the orchestrator side.
func ResultEvent(cmd saga.Command, result Result, now time.Time) saga.Event {
	return saga.Event{
		SagaID:         cmd.SagaID,
		EventType:      result.EventType,
		Payload:        result.Payload,
		IdempotencyKey: cmd.IdempotencyKey(),
		ProducedAt:     now,
	}
}
