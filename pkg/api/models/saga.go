// Package models defines the request and response payloads of the operator API.
package models

import (
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// SagaListQuery holds the parsed query string of GET /api/v1/sagas.
type SagaListQuery struct {
	Status     string `validate:"omitempty,oneof=RUNNING COMPLETED FAILED"`
	Stuck      bool
	Unresolved bool
	Limit      int `validate:"min=0,max=500"`
	Offset     int `validate:"min=0"`
}

// SagaSummary is one row in a list response.
type SagaSummary struct {
	SagaID                 string    `json:"saga_id"`
	CurrentStep            string    `json:"current_step"`
	Status                 string    `json:"status"`
	Version                int64     `json:"version"`
	UnresolvedCompensation bool      `json:"unresolved_compensation"`
	FailureReason          string    `json:"failure_reason,omitempty"`
	RepublishCount         int       `json:"republish_count"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// NewSagaSummary builds a list row from a saga.
func NewSagaSummary(s *saga.Saga) SagaSummary {
	return SagaSummary{
		SagaID:                 s.ID,
		CurrentStep:            string(s.CurrentStep),
		Status:                 string(s.Status),
		Version:                s.Version,
		UnresolvedCompensation: s.UnresolvedCompensation,
		FailureReason:          s.FailureReason,
		RepublishCount:         s.RepublishCount,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

// SagaListResponse is a paginated list of saga summaries.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// SagaHistoryEntry is one processed event.
type SagaHistoryEntry struct {
	Step           string    `json:"step"`
	EventType      string    `json:"event_type"`
	Outcome        string    `json:"outcome"`
	IdempotencyKey string    `json:"idempotency_key"`
	Completes      string    `json:"completes,omitempty"`
	Compensates    string    `json:"compensates,omitempty"`
	Commands       []string  `json:"commands,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SagaCommand is an outstanding command.
type SagaCommand struct {
	CommandType string         `json:"command_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
}

// SagaDetail is the full state of one saga.
type SagaDetail struct {
	SagaSummary
	Context          map[string]any     `json:"context"`
	CompletedSteps   []string           `json:"completed_steps"`
	CompensatedSteps []string           `json:"compensated_steps"`
	PendingUndo      []string           `json:"pending_compensations,omitempty"`
	Awaiting         []SagaCommand      `json:"awaiting,omitempty"`
	History          []SagaHistoryEntry `json:"history"`
	PublishedAt      *time.Time         `json:"published_at,omitempty"`
}

// NewSagaDetail builds the detail view of a saga.
func NewSagaDetail(s *saga.Saga) SagaDetail {
	detail := SagaDetail{
		SagaSummary:      NewSagaSummary(s),
		Context:          s.Context,
		CompletedSteps:   s.CompletedSteps(),
		CompensatedSteps: s.CompensatedSteps(),
		History:          make([]SagaHistoryEntry, 0, len(s.History)),
		PublishedAt:      s.PublishedAt,
	}
	if detail.Context == nil {
		detail.Context = map[string]any{}
	}
	for _, comp := range s.CompensationPlan {
		detail.PendingUndo = append(detail.PendingUndo, comp.Step)
	}
	for _, cmd := range s.Awaiting {
		detail.Awaiting = append(detail.Awaiting, SagaCommand{
			CommandType: string(cmd.CommandType),
			Payload:     cmd.Payload,
			IssuedAt:    cmd.IssuedAt,
		})
	}
	for _, entry := range s.History {
		row := SagaHistoryEntry{
			Step:           string(entry.Step),
			EventType:      string(entry.EventType),
			Outcome:        string(entry.Outcome),
			IdempotencyKey: entry.IdempotencyKey,
			Completes:      entry.Completes,
			Compensates:    entry.Compensates,
			Timestamp:      entry.Timestamp,
		}
		for _, cmd := range entry.Commands {
			row.Commands = append(row.Commands, string(cmd.CommandType))
		}
		detail.History = append(detail.History, row)
	}
	return detail
}
