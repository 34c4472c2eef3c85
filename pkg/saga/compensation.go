package saga

import "time"

// CompensationEngine derives undo commands from a saga's history.
type CompensationEngine struct {
	graph *Graph
}

// NewCompensationEngine creates a compensation engine for a validated graph.
func NewCompensationEngine(graph *Graph) *CompensationEngine {
	return &CompensationEngine{graph: graph}
}

// Compensate returns the compensations for every completed forward step that
// registers one and is not yet compensated, latest step first. Payloads come
// from the context captured when each step completed. The engine only plans;
// issuing goes through the orchestrator's persist-then-publish path.
func (e *CompensationEngine) Compensate(s *Saga) []Compensation {
	if s == nil {
		return nil
	}

	done := make(map[string]struct{})
	for _, step := range s.CompensatedSteps() {
		done[step] = struct{}{}
	}

	plan := make([]Compensation, 0)
	for i := len(s.History) - 1; i >= 0; i-- {
		entry := s.History[i]
		if entry.Completes == "" {
			continue
		}
		if _, ok := done[entry.Completes]; ok {
			continue
		}
		step, ok := e.graph.ForwardStep(entry.Completes)
		if !ok || step.Compensation == "" {
			continue
		}
		plan = append(plan, Compensation{
			Step: step.Name,
			Command: Command{
				SagaID:      s.ID,
				CommandType: step.Compensation,
				Payload:     buildPayload(e.graph.Payloads[step.Compensation], entry.Snapshot),
			},
		})
	}
	return plan
}

// Commands flattens a compensation plan into its commands.
func Commands(plan []Compensation) []Command {
	out := make([]Command, 0, len(plan))
	for _, comp := range plan {
		out = append(out, comp.Command)
	}
	return out
}

func buildPayload(fields []string, source map[string]any) map[string]any {
	payload := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, ok := source[field]; ok {
			payload[field] = value
		}
	}
	return payload
}

func stamp(cmd Command, now time.Time) Command {
	cmd = copyCommand(cmd)
	cmd.IssuedAt = now
	return cmd
}
