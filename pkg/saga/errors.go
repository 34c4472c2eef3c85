package saga

import "errors"

var (
	// ErrSagaNotFound is returned when a saga instance cannot be located.
	ErrSagaNotFound = errors.New("saga instance not found")
	// ErrSagaExists is returned by Store.Create for an existing saga id.
	ErrSagaExists = errors.New("saga instance already exists")
	// ErrVersionConflict is returned by Store.CompareAndSwap when the stored
	// version differs from the expected one.
	ErrVersionConflict = errors.New("saga version conflict")
	// ErrUnexpectedEvent marks an event with no edge from the saga's current step.
	ErrUnexpectedEvent = errors.New("saga: unexpected event for current step")
	// ErrConflictRetriesExhausted is returned when concurrent writers keep winning.
	ErrConflictRetriesExhausted = errors.New("saga: conflict retries exhausted")
	// ErrMissingIdempotencyKey marks a compensation result with no derivable key.
	ErrMissingIdempotencyKey = errors.New("saga: event has no idempotency key")
	// ErrUnknownEventType marks an event type the step graph does not know.
	ErrUnknownEventType = errors.New("saga: unknown event type")
)
