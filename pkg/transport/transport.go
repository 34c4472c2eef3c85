// Package transport carries saga events and commands over a message bus.
//
// Every adapter offers at-least-once delivery to consumer groups: a delivery
// that is not acknowledged is handed out again, possibly to another member
// of the same group.
package transport

import (
	"context"
	"errors"
	"time"
)

const (
	// EventChannel carries saga.Event messages into the orchestrator.
	EventChannel = "saga.events"
	// CommandChannel carries saga.Command messages out to participants.
	CommandChannel = "saga.commands"
)

var (
	// ErrClosed is returned by buses and subscriptions after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrInvalidMessage is returned when a payload cannot be decoded into a
	// saga message.
	ErrInvalidMessage = errors.New("transport: invalid message")
)

// Message is one delivered bus message.
type Message struct {
	ID        string
	Channel   string
	Key       string
	Payload   []byte
	Attempt   int
	Timestamp time.Time
}

// Delivery is a message awaiting acknowledgement.
type Delivery interface {
	Message() Message
	// Ack marks the message as processed.
	Ack(ctx context.Context) error
	// Nack returns the message for redelivery.
	Nack(ctx context.Context) error
}

// Subscription pulls deliveries for one consumer group.
type Subscription interface {
	// Next blocks until a delivery is available, ctx is done or the
	// subscription is closed.
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Sender publishes raw payloads. Key orders messages of one saga on
// adapters that partition.
type Sender interface {
	Publish(ctx context.Context, channel, key string, payload []byte) error
}

// Bus is a message bus adapter.
type Bus interface {
	Sender
	Subscribe(ctx context.Context, channel, group string) (Subscription, error)
	Close() error
}
