package saga

import "fmt"

// IdempotencyKey derives the key shared by every delivery of the result of
// one command.
func IdempotencyKey(sagaID string, commandType CommandType) string {
	return fmt.Sprintf("%s:%s", sagaID, commandType)
}

// EventKey resolves the idempotency key of an event from the command it
// answers. A key carried by the event must equal the derived one; a mismatch
// is ErrUnexpectedEvent, never a duplicate.
//
// Compensation results answer whichever compensation is in flight, so they
// name the command in payload["commandType"] or carry its key. With neither,
// EventKey returns ErrMissingIdempotencyKey and the orchestrator resolves the
// key against the saga's compensation plan.
func (g *Graph) EventKey(event Event) (string, error) {
	if cmd, ok := g.CommandAnswered(event.EventType); ok {
		return checkedKey(event, IdempotencyKey(event.SagaID, cmd))
	}
	switch event.EventType {
	case EventCompensationSucceeded, EventCompensationFailed:
		if raw, ok := event.Payload["commandType"].(string); ok && raw != "" {
			return checkedKey(event, IdempotencyKey(event.SagaID, CommandType(raw)))
		}
		if event.IdempotencyKey != "" {
			return event.IdempotencyKey, nil
		}
		return "", fmt.Errorf("%w: %s for saga %s", ErrMissingIdempotencyKey, event.EventType, event.SagaID)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownEventType, event.EventType)
	}
}

func checkedKey(event Event, derived string) (string, error) {
	if event.IdempotencyKey != "" && event.IdempotencyKey != derived {
		return "", fmt.Errorf("%w: %s for saga %s carries key %s, want %s",
			ErrUnexpectedEvent, event.EventType, event.SagaID, event.IdempotencyKey, derived)
	}
	return derived, nil
}

// inFlightKey resolves the key of a compensation result that names no
// command. Only the head of the plan can be answered, and only by a result
// produced after that command was issued; an older result is a redelivery of
// an earlier compensation's outcome.
func inFlightKey(s *Saga, event Event) (string, error) {
	if len(s.CompensationPlan) == 0 {
		return "", fmt.Errorf("%w: %s for saga %s with no compensation in flight",
			ErrMissingIdempotencyKey, event.EventType, s.ID)
	}
	head := s.CompensationPlan[0].Command
	if event.ProducedAt.IsZero() || event.ProducedAt.Before(head.IssuedAt) {
		return "", fmt.Errorf("%w: %s for saga %s was produced before %s was issued",
			ErrMissingIdempotencyKey, event.EventType, s.ID, head.CommandType)
	}
	return head.IdempotencyKey(), nil
}
