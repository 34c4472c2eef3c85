package transport

import (
	"encoding/json"
	"fmt"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// EncodeEvent encodes an event in its wire form.
func EncodeEvent(event saga.Event) ([]byte, error) {
	if event.SagaID == "" || event.EventType == "" {
		return nil, fmt.Errorf("%w: event requires sagaId and eventType", ErrInvalidMessage)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal event: %w", err)
	}
	return body, nil
}

// DecodeEvent decodes an event and checks its required fields.
func DecodeEvent(raw []byte) (saga.Event, error) {
	var event saga.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return saga.Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if event.SagaID == "" {
		return saga.Event{}, fmt.Errorf("%w: sagaId is required", ErrInvalidMessage)
	}
	if event.EventType == "" {
		return saga.Event{}, fmt.Errorf("%w: eventType is required", ErrInvalidMessage)
	}
	return event, nil
}

// EncodeCommand encodes a command in its wire form.
func EncodeCommand(cmd saga.Command) ([]byte, error) {
	if cmd.SagaID == "" || cmd.CommandType == "" {
		return nil, fmt.Errorf("%w: command requires sagaId and commandType", ErrInvalidMessage)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal command: %w", err)
	}
	return body, nil
}

// DecodeCommand decodes a command and checks its required fields.
func DecodeCommand(raw []byte) (saga.Command, error) {
	var cmd saga.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return saga.Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if cmd.SagaID == "" {
		return saga.Command{}, fmt.Errorf("%w: sagaId is required", ErrInvalidMessage)
	}
	if cmd.CommandType == "" {
		return saga.Command{}, fmt.Errorf("%w: commandType is required", ErrInvalidMessage)
	}
	return cmd, nil
}
