package saga

import (
	"fmt"
	"sort"
)

// TransitionKind classifies how a transition changes a saga.
type TransitionKind string

const (
	// TransitionForward completes a forward step and issues the next command.
	TransitionForward TransitionKind = "forward"
	// TransitionFail records a participant failure and starts compensation.
	TransitionFail TransitionKind = "fail"
	// TransitionCompensated confirms the in-flight compensation.
	TransitionCompensated TransitionKind = "compensated"
	// TransitionCompensationFailed ends the saga with an unresolved compensation.
	TransitionCompensationFailed TransitionKind = "compensation_failed"
)

// Transition is one edge of the step graph.
type Transition struct {
	From Step
	On   EventType
	// To is the declared target. Fail edges target COMPENSATING and fall
	// through to FAILED when nothing needs undoing; compensated edges stay in
	// COMPENSATING until the plan is drained.
	To   Step
	Kind TransitionKind
	// Completes names the forward step finished by a forward edge.
	Completes string
	// Merge lists event payload keys copied into the saga context.
	Merge []string
	Emit  []CommandType
}

// ForwardStep is a business step that may register a compensation.
type ForwardStep struct {
	Name         string
	Compensation CommandType
}

type edgeKey struct {
	step  Step
	event EventType
}

// Graph is the static, declarative step graph of one saga type.
type Graph struct {
	Start       EventType
	Transitions []Transition
	Steps       []ForwardStep
	// Payloads lists the context keys copied into each command's payload.
	Payloads map[CommandType][]string
	// Answers maps each result event to the command it answers.
	Answers map[EventType]CommandType

	edges   map[edgeKey]Transition
	forward map[string]ForwardStep
}

// Lookup returns the transition for (step, eventType).
func (g *Graph) Lookup(step Step, eventType EventType) (Transition, bool) {
	tr, ok := g.edges[edgeKey{step: step, event: eventType}]
	return tr, ok
}

// IsStart reports whether eventType may create a saga.
func (g *Graph) IsStart(eventType EventType) bool {
	return eventType == g.Start
}

// IsTerminal reports whether step has no outgoing edges by construction.
func (g *Graph) IsTerminal(step Step) bool {
	return step == StepCompleted || step == StepFailed
}

// ForwardStep returns the registered forward step by name.
func (g *Graph) ForwardStep(name string) (ForwardStep, bool) {
	step, ok := g.forward[name]
	return step, ok
}

// CommandAnswered returns the command type a result event answers.
func (g *Graph) CommandAnswered(eventType EventType) (CommandType, bool) {
	cmd, ok := g.Answers[eventType]
	return cmd, ok
}

// Validate indexes the table and checks it for completeness.
func (g *Graph) Validate() error {
	if g == nil {
		return fmt.Errorf("saga: step graph cannot be nil")
	}
	if g.Start == "" {
		return fmt.Errorf("saga: step graph has no start event")
	}

	g.forward = make(map[string]ForwardStep, len(g.Steps))
	for _, step := range g.Steps {
		if step.Name == "" {
			return fmt.Errorf("saga: forward step name cannot be empty")
		}
		if _, dup := g.forward[step.Name]; dup {
			return fmt.Errorf("saga: duplicate forward step %q", step.Name)
		}
		if step.Compensation != "" {
			if _, ok := g.Payloads[step.Compensation]; !ok {
				return fmt.Errorf("saga: compensation %q of step %q has no payload mapping", step.Compensation, step.Name)
			}
		}
		g.forward[step.Name] = step
	}

	g.edges = make(map[edgeKey]Transition, len(g.Transitions))
	outgoing := make(map[Step]map[TransitionKind]bool)
	startSeen := false
	for _, tr := range g.Transitions {
		key := edgeKey{step: tr.From, event: tr.On}
		if _, dup := g.edges[key]; dup {
			return fmt.Errorf("saga: duplicate transition (%s, %s)", tr.From, tr.On)
		}
		if g.IsTerminal(tr.From) {
			return fmt.Errorf("saga: transition leaves terminal step %s", tr.From)
		}
		if tr.On == g.Start {
			if tr.From != StepStarted {
				return fmt.Errorf("saga: start event %s must leave %s", g.Start, StepStarted)
			}
			startSeen = true
		}
		switch tr.Kind {
		case TransitionForward:
			if tr.Completes == "" {
				return fmt.Errorf("saga: forward transition (%s, %s) completes no step", tr.From, tr.On)
			}
			if _, ok := g.forward[tr.Completes]; !ok {
				return fmt.Errorf("saga: transition (%s, %s) completes unknown step %q", tr.From, tr.On, tr.Completes)
			}
			if !g.IsTerminal(tr.To) && len(tr.Emit) == 0 {
				return fmt.Errorf("saga: forward transition (%s, %s) emits nothing", tr.From, tr.On)
			}
		case TransitionFail:
			if tr.To != StepCompensating {
				return fmt.Errorf("saga: fail transition (%s, %s) must target %s", tr.From, tr.On, StepCompensating)
			}
		case TransitionCompensated, TransitionCompensationFailed:
			if tr.From != StepCompensating {
				return fmt.Errorf("saga: compensation transition must leave %s", StepCompensating)
			}
		default:
			return fmt.Errorf("saga: transition (%s, %s) has unknown kind %q", tr.From, tr.On, tr.Kind)
		}
		for _, cmd := range tr.Emit {
			if _, ok := g.Payloads[cmd]; !ok {
				return fmt.Errorf("saga: command %q has no payload mapping", cmd)
			}
			if !g.answered(cmd) {
				return fmt.Errorf("saga: command %q has no result event", cmd)
			}
		}
		if outgoing[tr.From] == nil {
			outgoing[tr.From] = make(map[TransitionKind]bool)
		}
		outgoing[tr.From][tr.Kind] = true
		g.edges[key] = tr
	}
	if !startSeen {
		return fmt.Errorf("saga: no transition for start event %s", g.Start)
	}

	steps := make([]string, 0, len(outgoing))
	for step := range outgoing {
		steps = append(steps, string(step))
	}
	sort.Strings(steps)
	for _, name := range steps {
		step := Step(name)
		kinds := outgoing[step]
		switch {
		case step == StepCompensating:
			if !kinds[TransitionCompensated] || !kinds[TransitionCompensationFailed] {
				return fmt.Errorf("saga: %s needs success and failure edges", step)
			}
		case step == StepStarted:
		default:
			if !kinds[TransitionForward] || !kinds[TransitionFail] {
				return fmt.Errorf("saga: step %s needs success and failure edges", step)
			}
		}
	}
	for _, tr := range g.Transitions {
		if g.IsTerminal(tr.To) || tr.To == StepCompensating {
			continue
		}
		if _, ok := outgoing[tr.To]; !ok {
			return fmt.Errorf("saga: step %s is reachable but has no outgoing edges", tr.To)
		}
	}
	return nil
}

func (g *Graph) answered(cmd CommandType) bool {
	for _, answered := range g.Answers {
		if answered == cmd {
			return true
		}
	}
	return false
}

// OrderGraph returns the reference "place order" step graph.
func OrderGraph() *Graph {
	return &Graph{
		Start: EventTriggerReceived,
		Steps: []ForwardStep{
			{Name: "record_opened"},
			{Name: "reserve_stock", Compensation: CommandReleaseStock},
			{Name: "process_payment", Compensation: CommandRefundPayment},
		},
		Transitions: []Transition{
			{
				From:      StepStarted,
				On:        EventTriggerReceived,
				To:        StepAwaitingStock,
				Kind:      TransitionForward,
				Completes: "record_opened",
				Merge:     []string{"orderId", "productId", "quantity", "userId", "amount"},
				Emit:      []CommandType{CommandReserveStock},
			},
			{
				From:      StepAwaitingStock,
				On:        EventReservationSucceeded,
				To:        StepAwaitingPayment,
				Kind:      TransitionForward,
				Completes: "reserve_stock",
				Merge:     []string{"reservationId"},
				Emit:      []CommandType{CommandProcessPayment},
			},
			{
				From: StepAwaitingStock,
				On:   EventReservationFailed,
				To:   StepCompensating,
				Kind: TransitionFail,
			},
			{
				From:      StepAwaitingPayment,
				On:        EventPaymentSucceeded,
				To:        StepCompleted,
				Kind:      TransitionForward,
				Completes: "process_payment",
				Merge:     []string{"paymentRef"},
			},
			{
				From: StepAwaitingPayment,
				On:   EventPaymentFailed,
				To:   StepCompensating,
				Kind: TransitionFail,
			},
			{
				From: StepCompensating,
				On:   EventCompensationSucceeded,
				To:   StepCompensating,
				Kind: TransitionCompensated,
			},
			{
				From: StepCompensating,
				On:   EventCompensationFailed,
				To:   StepFailed,
				Kind: TransitionCompensationFailed,
			},
		},
		Payloads: map[CommandType][]string{
			CommandReserveStock:   {"orderId", "productId", "quantity"},
			CommandProcessPayment: {"orderId", "userId", "amount", "reservationId"},
			CommandReleaseStock:   {"orderId", "productId", "quantity", "reservationId"},
			CommandRefundPayment:  {"orderId", "userId", "amount", "paymentRef"},
		},
		Answers: map[EventType]CommandType{
			EventTriggerReceived:      commandTrigger,
			EventReservationSucceeded: CommandReserveStock,
			EventReservationFailed:    CommandReserveStock,
			EventPaymentSucceeded:     CommandProcessPayment,
			EventPaymentFailed:        CommandProcessPayment,
		},
	}
}
