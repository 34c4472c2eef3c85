// Package saga implements an event-driven saga orchestrator: a persisted state
// machine that reacts to participant result events, issues the next command or
// compensation, and records every transition behind optimistic concurrency.
package saga

import (
	"time"
)

// Step is a position in the saga step graph.
type Step string

const (
	StepStarted         Step = "STARTED"
	StepAwaitingStock   Step = "AWAITING_STOCK"
	StepAwaitingPayment Step = "AWAITING_PAYMENT"
	StepCompleted       Step = "COMPLETED"
	StepCompensating    Step = "COMPENSATING"
	StepFailed          Step = "FAILED"
)

// Status is the coarse lifecycle of a saga.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further command may be issued for the saga.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts an operator supplied status string.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusRunning, StatusCompleted, StatusFailed:
		return Status(value), true
	default:
		return "", false
	}
}

// EventType identifies a message on the event channel.
type EventType string

const (
	EventTriggerReceived       EventType = "TriggerReceived"
	EventReservationSucceeded  EventType = "ReservationSucceeded"
	EventReservationFailed     EventType = "ReservationFailed"
	EventPaymentSucceeded      EventType = "PaymentSucceeded"
	EventPaymentFailed         EventType = "PaymentFailed"
	EventCompensationSucceeded EventType = "CompensationSucceeded"
	EventCompensationFailed    EventType = "CompensationFailed"
)

// CommandType identifies a message on the command channel.
type CommandType string

const (
	CommandReserveStock   CommandType = "ReserveStock"
	CommandReleaseStock   CommandType = "ReleaseStock"
	CommandProcessPayment CommandType = "ProcessPayment"
	CommandRefundPayment  CommandType = "RefundPayment"
	// CommandFinalizeRecord notifies the originating record store of the
	// terminal outcome. It has no result event.
	CommandFinalizeRecord CommandType = "FinalizeRecord"

	// commandTrigger is the pseudo command answered by TriggerReceived.
	commandTrigger CommandType = "Trigger"
)

// Event is a message from a participant (or the trigger source) to the orchestrator.
type Event struct {
	SagaID         string         `json:"sagaId"`
	EventType      EventType      `json:"eventType"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	ProducedAt     time.Time      `json:"producedAt"`
}

// Command is a message from the orchestrator to a participant.
type Command struct {
	SagaID      string         `json:"sagaId"`
	CommandType CommandType    `json:"commandType"`
	Payload     map[string]any `json:"payload,omitempty"`
	IssuedAt    time.Time      `json:"issuedAt"`
}

// IdempotencyKey returns the key a result event for this command carries.
func (c Command) IdempotencyKey() string {
	return IdempotencyKey(c.SagaID, c.CommandType)
}

// Compensation is one undo command bound to the forward step it reverses.
type Compensation struct {
	Step    string  `json:"step"`
	Command Command `json:"command"`
}

// HistoryEntry records one processed event.
type HistoryEntry struct {
	Step           Step           `json:"step"`
	EventType      EventType      `json:"eventType"`
	Outcome        TransitionKind `json:"outcome"`
	IdempotencyKey string         `json:"idempotencyKey"`
	// Completes names the forward step this event finished, if any.
	Completes string `json:"completes,omitempty"`
	// Compensates names the forward step this event confirmed undone, if any.
	Compensates string `json:"compensates,omitempty"`
	// Snapshot is the saga context at the time Completes finished.
	Snapshot  map[string]any `json:"snapshot,omitempty"`
	Commands  []Command      `json:"commands,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Saga is the persisted state of one saga instance.
type Saga struct {
	ID          string         `json:"sagaId"`
	CurrentStep Step           `json:"currentStep"`
	Status      Status         `json:"status"`
	Context     map[string]any `json:"context"`
	History     []HistoryEntry `json:"history"`
	Version     int64          `json:"version"`

	// Awaiting holds the commands issued by the last transition.
	Awaiting []Command `json:"awaiting,omitempty"`
	// CompensationPlan holds unconfirmed compensations; the head is in flight.
	CompensationPlan       []Compensation `json:"compensationPlan,omitempty"`
	UnresolvedCompensation bool           `json:"unresolvedCompensation"`
	FailureReason          string         `json:"failureReason,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	RepublishCount int        `json:"republishCount"`
}

// NewSaga creates an empty saga positioned at the start step.
func NewSaga(id string, now time.Time) *Saga {
	return &Saga{
		ID:          id,
		CurrentStep: StepStarted,
		Status:      StatusRunning,
		Context:     make(map[string]any),
		History:     make([]HistoryEntry, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// FindHistory returns the history entry recorded for an idempotency key.
func (s *Saga) FindHistory(key string) (HistoryEntry, bool) {
	if s == nil {
		return HistoryEntry{}, false
	}
	for _, entry := range s.History {
		if entry.IdempotencyKey == key {
			return entry, true
		}
	}
	return HistoryEntry{}, false
}

// CompletedSteps lists forward steps in completion order.
func (s *Saga) CompletedSteps() []string {
	steps := make([]string, 0)
	for _, entry := range s.History {
		if entry.Completes != "" {
			steps = append(steps, entry.Completes)
		}
	}
	return steps
}

// CompensatedSteps lists forward steps confirmed undone, in confirmation order.
func (s *Saga) CompensatedSteps() []string {
	steps := make([]string, 0)
	for _, entry := range s.History {
		if entry.Compensates != "" {
			steps = append(steps, entry.Compensates)
		}
	}
	return steps
}

// LastActivity is the newer of the last transition and the last (re)publish.
func (s *Saga) LastActivity() time.Time {
	if s.PublishedAt != nil && s.PublishedAt.After(s.UpdatedAt) {
		return *s.PublishedAt
	}
	return s.UpdatedAt
}

// Clone returns a deep copy.
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Context = copyContext(s.Context)
	cloned.History = make([]HistoryEntry, len(s.History))
	for i, entry := range s.History {
		entry.Snapshot = copyContext(entry.Snapshot)
		entry.Commands = copyCommands(entry.Commands)
		cloned.History[i] = entry
	}
	cloned.Awaiting = copyCommands(s.Awaiting)
	if s.CompensationPlan != nil {
		cloned.CompensationPlan = make([]Compensation, len(s.CompensationPlan))
		for i, comp := range s.CompensationPlan {
			comp.Command = copyCommand(comp.Command)
			cloned.CompensationPlan[i] = comp
		}
	}
	if s.PublishedAt != nil {
		published := *s.PublishedAt
		cloned.PublishedAt = &published
	}
	return &cloned
}

func copyContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyCommand(cmd Command) Command {
	cmd.Payload = copyContext(cmd.Payload)
	return cmd
}

func copyCommands(in []Command) []Command {
	if in == nil {
		return nil
	}
	out := make([]Command, len(in))
	for i, cmd := range in {
		out[i] = copyCommand(cmd)
	}
	return out
}
