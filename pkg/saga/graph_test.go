package saga

import (
	"errors"
	"testing"
)

func TestOrderGraphValidates(t *testing.T) {
	g := OrderGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tr, ok := g.Lookup(StepAwaitingStock, EventReservationSucceeded)
	if !ok || tr.To != StepAwaitingPayment || tr.Kind != TransitionForward {
		t.Fatalf("Lookup(AWAITING_STOCK, ReservationSucceeded) = %#v, %v", tr, ok)
	}
	if _, ok := g.Lookup(StepAwaitingStock, EventPaymentSucceeded); ok {
		t.Fatal("expected no edge that skips the reservation step")
	}
	for _, step := range []Step{StepCompleted, StepFailed} {
		for _, tr := range g.Transitions {
			if tr.From == step {
				t.Fatalf("terminal step %s has outgoing edge %#v", step, tr)
			}
		}
	}
	if !g.IsStart(EventTriggerReceived) || g.IsStart(EventReservationSucceeded) {
		t.Fatal("unexpected start event classification")
	}
}

func TestGraphValidateRejectsBrokenTables(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *Graph)
	}{
		{
			name:   "missing start",
			mutate: func(g *Graph) { g.Start = "" },
		},
		{
			name: "duplicate edge",
			mutate: func(g *Graph) {
				g.Transitions = append(g.Transitions, g.Transitions[0])
			},
		},
		{
			name: "edge out of terminal step",
			mutate: func(g *Graph) {
				g.Transitions = append(g.Transitions, Transition{
					From: StepCompleted, On: EventPaymentFailed, To: StepCompensating, Kind: TransitionFail,
				})
			},
		},
		{
			name: "step without failure edge",
			mutate: func(g *Graph) {
				kept := g.Transitions[:0]
				for _, tr := range g.Transitions {
					if tr.On != EventPaymentFailed {
						kept = append(kept, tr)
					}
				}
				g.Transitions = kept
			},
		},
		{
			name: "command without payload mapping",
			mutate: func(g *Graph) {
				delete(g.Payloads, CommandProcessPayment)
			},
		},
		{
			name: "command without result event",
			mutate: func(g *Graph) {
				delete(g.Answers, EventPaymentSucceeded)
				delete(g.Answers, EventPaymentFailed)
			},
		},
		{
			name: "unknown forward step",
			mutate: func(g *Graph) {
				g.Transitions[0].Completes = "nope"
			},
		},
		{
			name: "compensation without payload",
			mutate: func(g *Graph) {
				delete(g.Payloads, CommandRefundPayment)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := OrderGraph()
			tt.mutate(g)
			if err := g.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestGraphEventKey(t *testing.T) {
	g := OrderGraph()

	key, err := g.EventKey(Event{SagaID: "S1", EventType: EventReservationFailed})
	if err != nil || key != "S1:ReserveStock" {
		t.Fatalf("EventKey(ReservationFailed) = %q, %v", key, err)
	}
	succeeded, _ := g.EventKey(Event{SagaID: "S1", EventType: EventReservationSucceeded})
	if succeeded != key {
		t.Fatalf("success and failure results of one command must share a key: %q != %q", succeeded, key)
	}

	key, err = g.EventKey(Event{SagaID: "S1", EventType: EventCompensationFailed, IdempotencyKey: "S1:RefundPayment"})
	if err != nil || key != "S1:RefundPayment" {
		t.Fatalf("EventKey(explicit) = %q, %v", key, err)
	}

	if _, err := g.EventKey(Event{SagaID: "S1", EventType: EventCompensationSucceeded}); !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Fatalf("EventKey(keyless compensation) error = %v", err)
	}

	key, err = g.EventKey(Event{SagaID: "S1", EventType: EventPaymentSucceeded, IdempotencyKey: "S1:ProcessPayment"})
	if err != nil || key != "S1:ProcessPayment" {
		t.Fatalf("EventKey(matching explicit key) = %q, %v", key, err)
	}
}

func TestGraphEventKeyRejectsForeignKeys(t *testing.T) {
	g := OrderGraph()

	tests := []struct {
		name  string
		event Event
	}{
		{
			name:  "result carries an earlier command's key",
			event: Event{SagaID: "S1", EventType: EventPaymentSucceeded, IdempotencyKey: "S1:ReserveStock"},
		},
		{
			name:  "result carries another saga's key",
			event: Event{SagaID: "S1", EventType: EventReservationFailed, IdempotencyKey: "S2:ReserveStock"},
		},
		{
			name: "compensation key disagrees with payload",
			event: Event{
				SagaID:         "S1",
				EventType:      EventCompensationSucceeded,
				IdempotencyKey: "S1:RefundPayment",
				Payload:        map[string]any{"commandType": string(CommandReleaseStock)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := g.EventKey(tt.event)
			if !errors.Is(err, ErrUnexpectedEvent) {
				t.Fatalf("EventKey() = %q, %v, want ErrUnexpectedEvent", key, err)
			}
		})
	}
}
