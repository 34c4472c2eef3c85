package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	commands []Command
	fail     bool
}

func (p *recordingPublisher) Publish(_ context.Context, cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.commands = append(p.commands, cmd)
	return nil
}

func (p *recordingPublisher) SetFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *recordingPublisher) Commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Command, len(p.commands))
	copy(out, p.commands)
	return out
}

func (p *recordingPublisher) Types() []CommandType {
	cmds := p.Commands()
	out := make([]CommandType, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, cmd.CommandType)
	}
	return out
}

type countingMetrics struct {
	nopMetricsRecorder
	mu         sync.Mutex
	conflicts  int
	duplicates int
	stuck      int
	unresolved int
}

func (m *countingMetrics) RecordSagaConflict() {
	m.mu.Lock()
	m.conflicts++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordSagaDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
}

func (m *countingMetrics) SetStuckSagas(count int) {
	m.mu.Lock()
	m.stuck = count
	m.mu.Unlock()
}

func (m *countingMetrics) SetUnresolvedSagas(count int) {
	m.mu.Lock()
	m.unresolved = count
	m.mu.Unlock()
}

func newTestOrchestrator(t *testing.T, store Store, pub Publisher, clock *testClock, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	opts = append([]OrchestratorOption{WithClock(clock.Now)}, opts...)
	o, err := NewOrchestrator(store, pub, opts...)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func triggerEvent(sagaID string) Event {
	return Event{
		SagaID:    sagaID,
		EventType: EventTriggerReceived,
		Payload: map[string]any{
			"orderId":   "order-" + sagaID,
			"productId": "sku-1",
			"quantity":  2,
			"userId":    "user-7",
			"amount":    4200,
		},
	}
}

func resultEvent(sagaID string, eventType EventType, payload map[string]any) Event {
	return Event{SagaID: sagaID, EventType: eventType, Payload: payload}
}

func compensationEvent(sagaID string, eventType EventType, cmd CommandType) Event {
	return Event{
		SagaID:         sagaID,
		EventType:      eventType,
		IdempotencyKey: IdempotencyKey(sagaID, cmd),
	}
}

func mustProcess(t *testing.T, o *Orchestrator, event Event) *Outcome {
	t.Helper()
	out, err := o.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process(%s) error = %v", event.EventType, err)
	}
	return out
}

func mustLoad(t *testing.T, store Store, sagaID string) *Saga {
	t.Helper()
	s, err := store.Load(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", sagaID, err)
	}
	return s
}

func equalTypes(got, want []CommandType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// shippingGraph extends the order graph with a compensatable step after
// payment so multi-step compensation can be exercised.
func shippingGraph() *Graph {
	g := OrderGraph()
	const awaitingShipment Step = "AWAITING_SHIPMENT"
	for i, tr := range g.Transitions {
		if tr.From == StepAwaitingPayment && tr.On == EventPaymentSucceeded {
			g.Transitions[i].To = awaitingShipment
			g.Transitions[i].Emit = []CommandType{"ShipOrder"}
		}
	}
	g.Steps = append(g.Steps, ForwardStep{Name: "ship_order"})
	g.Transitions = append(g.Transitions,
		Transition{
			From:      awaitingShipment,
			On:        "ShipmentSucceeded",
			To:        StepCompleted,
			Kind:      TransitionForward,
			Completes: "ship_order",
		},
		Transition{
			From: awaitingShipment,
			On:   "ShipmentFailed",
			To:   StepCompensating,
			Kind: TransitionFail,
		},
	)
	g.Payloads["ShipOrder"] = []string{"orderId"}
	g.Answers["ShipmentSucceeded"] = "ShipOrder"
	g.Answers["ShipmentFailed"] = "ShipOrder"
	return g
}
