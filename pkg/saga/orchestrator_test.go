package saga

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestOrchestratorHappyPath(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())

	out := mustProcess(t, o, triggerEvent("S1"))
	if out.Saga.CurrentStep != StepAwaitingStock {
		t.Fatalf("after trigger step = %s, want %s", out.Saga.CurrentStep, StepAwaitingStock)
	}
	if !equalTypes(pub.Types(), []CommandType{CommandReserveStock}) {
		t.Fatalf("published = %v, want [ReserveStock]", pub.Types())
	}
	reserve := pub.Commands()[0]
	if reserve.Payload["productId"] != "sku-1" || reserve.Payload["quantity"] != 2 {
		t.Fatalf("unexpected ReserveStock payload: %#v", reserve.Payload)
	}
	if _, ok := reserve.Payload["amount"]; ok {
		t.Fatalf("ReserveStock payload leaked amount: %#v", reserve.Payload)
	}

	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	if !equalTypes(pub.Types(), []CommandType{CommandReserveStock, CommandProcessPayment}) {
		t.Fatalf("published = %v", pub.Types())
	}
	payment := pub.Commands()[1]
	if payment.Payload["reservationId"] != "res-9" || payment.Payload["amount"] != 4200 {
		t.Fatalf("unexpected ProcessPayment payload: %#v", payment.Payload)
	}

	out = mustProcess(t, o, resultEvent("S1", EventPaymentSucceeded, map[string]any{"paymentRef": "pay-3"}))
	if out.Saga.Status != StatusCompleted || out.Saga.CurrentStep != StepCompleted {
		t.Fatalf("final saga = %s/%s, want COMPLETED/COMPLETED", out.Saga.Status, out.Saga.CurrentStep)
	}

	want := []CommandType{CommandReserveStock, CommandProcessPayment, CommandFinalizeRecord}
	if !equalTypes(pub.Types(), want) {
		t.Fatalf("published = %v, want %v", pub.Types(), want)
	}
	final := pub.Commands()[2]
	if final.Payload["finalStatus"] != string(StatusCompleted) || final.Payload["sagaId"] != "S1" {
		t.Fatalf("unexpected FinalizeRecord payload: %#v", final.Payload)
	}

	saga := mustLoad(t, store, "S1")
	if got := saga.CompletedSteps(); !equalStrings(got, []string{"record_opened", "reserve_stock", "process_payment"}) {
		t.Fatalf("CompletedSteps() = %v", got)
	}
	if saga.PublishedAt == nil {
		t.Fatal("expected final notification to be marked published")
	}

	// Redelivered final event must not notify a second time.
	dup := mustProcess(t, o, resultEvent("S1", EventPaymentSucceeded, map[string]any{"paymentRef": "pay-3"}))
	if !dup.Duplicate {
		t.Fatal("expected duplicate outcome")
	}
	if len(pub.Commands()) != 3 {
		t.Fatalf("final notification published %d times", len(pub.Commands())-2)
	}
}

func TestOrchestratorPaymentFailureCompensates(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())

	mustProcess(t, o, triggerEvent("S1"))
	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	out := mustProcess(t, o, resultEvent("S1", EventPaymentFailed, map[string]any{"reason": "card declined"}))

	if out.Saga.CurrentStep != StepCompensating || out.Saga.Status != StatusRunning {
		t.Fatalf("after failure saga = %s/%s, want COMPENSATING/RUNNING", out.Saga.CurrentStep, out.Saga.Status)
	}
	cmds := pub.Commands()
	release := cmds[len(cmds)-1]
	if release.CommandType != CommandReleaseStock {
		t.Fatalf("last command = %s, want ReleaseStock", release.CommandType)
	}
	if release.Payload["reservationId"] != "res-9" || release.Payload["productId"] != "sku-1" {
		t.Fatalf("ReleaseStock payload missing captured context: %#v", release.Payload)
	}

	out = mustProcess(t, o, compensationEvent("S1", EventCompensationSucceeded, CommandReleaseStock))
	if out.Saga.Status != StatusFailed || out.Saga.CurrentStep != StepFailed {
		t.Fatalf("after compensation saga = %s/%s, want FAILED/FAILED", out.Saga.Status, out.Saga.CurrentStep)
	}
	if out.Saga.UnresolvedCompensation {
		t.Fatal("expected no unresolved compensation")
	}

	final := pub.Commands()[len(pub.Commands())-1]
	if final.CommandType != CommandFinalizeRecord {
		t.Fatalf("last command = %s, want FinalizeRecord", final.CommandType)
	}
	if final.Payload["finalStatus"] != string(StatusFailed) || final.Payload["failureReason"] != "card declined" {
		t.Fatalf("unexpected FinalizeRecord payload: %#v", final.Payload)
	}

	saga := mustLoad(t, store, "S1")
	if got := saga.CompensatedSteps(); !equalStrings(got, []string{"reserve_stock"}) {
		t.Fatalf("CompensatedSteps() = %v", got)
	}
}

func TestOrchestratorDuplicateReservation(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	metrics := &countingMetrics{}
	o := newTestOrchestrator(t, store, pub, newTestClock(), WithMetrics(metrics))

	mustProcess(t, o, triggerEvent("S1"))
	reservation := resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"})
	mustProcess(t, o, reservation)
	before := mustLoad(t, store, "S1")

	out := mustProcess(t, o, reservation)
	if !out.Duplicate {
		t.Fatal("expected duplicate outcome")
	}
	if len(out.Commands) != 0 {
		t.Fatalf("duplicate issued %d new commands", len(out.Commands))
	}
	if len(out.Recorded) != 1 || out.Recorded[0].CommandType != CommandProcessPayment {
		t.Fatalf("Recorded = %#v, want prior ProcessPayment", out.Recorded)
	}
	if !equalTypes(pub.Types(), []CommandType{CommandReserveStock, CommandProcessPayment}) {
		t.Fatalf("published = %v", pub.Types())
	}

	after := mustLoad(t, store, "S1")
	if after.Version != before.Version || len(after.History) != len(before.History) {
		t.Fatalf("duplicate changed state: version %d -> %d, history %d -> %d",
			before.Version, after.Version, len(before.History), len(after.History))
	}
	count := 0
	for _, step := range after.CompletedSteps() {
		if step == "reserve_stock" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("reserve_stock recorded %d times", count)
	}
	if metrics.duplicates != 1 {
		t.Fatalf("duplicates metric = %d, want 1", metrics.duplicates)
	}
}

func TestOrchestratorReservationFailureHasNothingToUndo(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())

	mustProcess(t, o, triggerEvent("S1"))
	out := mustProcess(t, o, resultEvent("S1", EventReservationFailed, map[string]any{"reason": "out of stock"}))

	if out.Saga.Status != StatusFailed || out.Saga.CurrentStep != StepFailed {
		t.Fatalf("saga = %s/%s, want FAILED/FAILED", out.Saga.Status, out.Saga.CurrentStep)
	}
	if len(out.Saga.CompensationPlan) != 0 {
		t.Fatalf("expected empty compensation plan, got %#v", out.Saga.CompensationPlan)
	}
	if !equalTypes(pub.Types(), []CommandType{CommandReserveStock, CommandFinalizeRecord}) {
		t.Fatalf("published = %v", pub.Types())
	}
	if out.Saga.FailureReason != "out of stock" {
		t.Fatalf("FailureReason = %q", out.Saga.FailureReason)
	}
}

func TestOrchestratorMultiStepCompensationOrder(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock(), WithGraph(shippingGraph()))

	mustProcess(t, o, triggerEvent("S1"))
	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	mustProcess(t, o, resultEvent("S1", EventPaymentSucceeded, map[string]any{"paymentRef": "pay-3"}))
	out := mustProcess(t, o, resultEvent("S1", "ShipmentFailed", map[string]any{"reason": "no courier"}))

	if len(out.Commands) != 1 || out.Commands[0].CommandType != CommandRefundPayment {
		t.Fatalf("first compensation = %#v, want RefundPayment", out.Commands)
	}
	if out.Commands[0].Payload["paymentRef"] != "pay-3" {
		t.Fatalf("RefundPayment payload = %#v", out.Commands[0].Payload)
	}

	// Only the in-flight compensation may be confirmed.
	_, err := o.Process(context.Background(), compensationEvent("S1", EventCompensationSucceeded, CommandReleaseStock))
	if !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("out-of-order compensation error = %v, want ErrUnexpectedEvent", err)
	}

	out = mustProcess(t, o, compensationEvent("S1", EventCompensationSucceeded, CommandRefundPayment))
	if len(out.Commands) != 1 || out.Commands[0].CommandType != CommandReleaseStock {
		t.Fatalf("second compensation = %#v, want ReleaseStock", out.Commands)
	}
	if out.Saga.Status != StatusRunning {
		t.Fatalf("status = %s while compensations remain", out.Saga.Status)
	}

	out = mustProcess(t, o, compensationEvent("S1", EventCompensationSucceeded, CommandReleaseStock))
	if out.Saga.Status != StatusFailed || out.Saga.UnresolvedCompensation {
		t.Fatalf("saga = %s unresolved=%v, want FAILED and resolved", out.Saga.Status, out.Saga.UnresolvedCompensation)
	}

	saga := mustLoad(t, store, "S1")
	// ship_order has no compensation; the rest are undone latest first.
	if got := saga.CompensatedSteps(); !equalStrings(got, []string{"process_payment", "reserve_stock"}) {
		t.Fatalf("CompensatedSteps() = %v", got)
	}
}

func TestOrchestratorCompensationFailureIsUnresolved(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock(), WithGraph(shippingGraph()))

	mustProcess(t, o, triggerEvent("S1"))
	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	mustProcess(t, o, resultEvent("S1", EventPaymentSucceeded, map[string]any{"paymentRef": "pay-3"}))
	mustProcess(t, o, resultEvent("S1", "ShipmentFailed", map[string]any{"reason": "no courier"}))

	failed := compensationEvent("S1", EventCompensationFailed, CommandRefundPayment)
	failed.Payload = map[string]any{"reason": "gateway timeout"}
	out := mustProcess(t, o, failed)

	if out.Saga.Status != StatusFailed || !out.Saga.UnresolvedCompensation {
		t.Fatalf("saga = %s unresolved=%v, want FAILED and unresolved", out.Saga.Status, out.Saga.UnresolvedCompensation)
	}
	if !strings.Contains(out.Saga.FailureReason, "gateway timeout") || !strings.Contains(out.Saga.FailureReason, "no courier") {
		t.Fatalf("FailureReason = %q", out.Saga.FailureReason)
	}
	if len(out.Commands) != 1 || out.Commands[0].CommandType != CommandFinalizeRecord {
		t.Fatalf("commands = %#v, want only FinalizeRecord", out.Commands)
	}
	for _, cmd := range pub.Commands() {
		if cmd.CommandType == CommandReleaseStock {
			t.Fatal("ReleaseStock must not be issued after a failed compensation")
		}
	}

	// No further commands for a terminal saga.
	published := len(pub.Commands())
	_, err := o.Process(context.Background(), compensationEvent("S1", EventCompensationSucceeded, CommandReleaseStock))
	if !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("event on terminal saga error = %v, want ErrUnexpectedEvent", err)
	}
	if len(pub.Commands()) != published {
		t.Fatal("terminal saga issued a command")
	}
}

func TestOrchestratorRejectsUnexpectedEvents(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())
	ctx := context.Background()

	if _, err := o.Process(ctx, resultEvent("ghost", EventReservationSucceeded, nil)); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("event for unknown saga error = %v, want ErrSagaNotFound", err)
	}

	mustProcess(t, o, triggerEvent("S1"))
	before := mustLoad(t, store, "S1")

	if _, err := o.Process(ctx, resultEvent("S1", EventPaymentSucceeded, nil)); !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("skipped step error = %v, want ErrUnexpectedEvent", err)
	}
	if _, err := o.Process(ctx, Event{SagaID: "S1", EventType: EventCompensationSucceeded}); !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Fatalf("keyless compensation error = %v, want ErrMissingIdempotencyKey", err)
	}
	if _, err := o.Process(ctx, Event{SagaID: "S1", EventType: "Bogus"}); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("unknown event error = %v, want ErrUnknownEventType", err)
	}

	after := mustLoad(t, store, "S1")
	if after.Version != before.Version {
		t.Fatalf("rejected events changed version %d -> %d", before.Version, after.Version)
	}
}

func TestOrchestratorDuplicateTriggerReplays(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())

	mustProcess(t, o, triggerEvent("S1"))
	out := mustProcess(t, o, triggerEvent("S1"))
	if !out.Duplicate || len(out.Recorded) != 1 || out.Recorded[0].CommandType != CommandReserveStock {
		t.Fatalf("duplicate trigger outcome = %#v", out)
	}
	if len(pub.Commands()) != 1 {
		t.Fatalf("published %d commands, want 1", len(pub.Commands()))
	}
}

func TestOrchestratorCompensationKeyFromPayload(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())

	mustProcess(t, o, triggerEvent("S1"))
	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	mustProcess(t, o, resultEvent("S1", EventPaymentFailed, nil))

	out := mustProcess(t, o, resultEvent("S1", EventCompensationSucceeded, map[string]any{
		"commandType": string(CommandReleaseStock),
	}))
	if out.Saga.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", out.Saga.Status)
	}
	if out.Saga.FailureReason != string(EventPaymentFailed) {
		t.Fatalf("FailureReason = %q, want event type fallback", out.Saga.FailureReason)
	}
}

func TestOrchestratorRejectsMismatchedResultKey(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())
	ctx := context.Background()

	mustProcess(t, o, triggerEvent("S1"))
	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	before := mustLoad(t, store, "S1")
	published := len(pub.Commands())

	wrong := resultEvent("S1", EventPaymentSucceeded, map[string]any{"paymentRef": "pay-3"})
	wrong.IdempotencyKey = IdempotencyKey("S1", CommandReserveStock)
	out, err := o.Process(ctx, wrong)
	if !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("mismatched key outcome = %#v, error = %v, want ErrUnexpectedEvent", out, err)
	}

	after := mustLoad(t, store, "S1")
	if after.Version != before.Version || after.CurrentStep != StepAwaitingPayment {
		t.Fatalf("saga moved to %s v%d on a rejected event", after.CurrentStep, after.Version)
	}
	if len(pub.Commands()) != published {
		t.Fatal("rejected event published commands")
	}

	// The correctly keyed result still completes the saga.
	right := resultEvent("S1", EventPaymentSucceeded, map[string]any{"paymentRef": "pay-3"})
	right.IdempotencyKey = IdempotencyKey("S1", CommandProcessPayment)
	out = mustProcess(t, o, right)
	if out.Duplicate || out.Saga.Status != StatusCompleted {
		t.Fatalf("outcome duplicate=%v status=%s, want applied COMPLETED", out.Duplicate, out.Saga.Status)
	}
}

func TestOrchestratorKeylessCompensationAnswersInFlight(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	clock := newTestClock()
	o := newTestOrchestrator(t, store, pub, clock, WithGraph(shippingGraph()))
	ctx := context.Background()

	mustProcess(t, o, triggerEvent("S1"))
	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	mustProcess(t, o, resultEvent("S1", EventPaymentSucceeded, map[string]any{"paymentRef": "pay-3"}))
	mustProcess(t, o, resultEvent("S1", "ShipmentFailed", map[string]any{"reason": "no courier"}))

	clock.Advance(time.Second)
	refunded := Event{SagaID: "S1", EventType: EventCompensationSucceeded, ProducedAt: clock.Now()}
	clock.Advance(time.Second)
	out := mustProcess(t, o, refunded)
	if len(out.Commands) != 1 || out.Commands[0].CommandType != CommandReleaseStock {
		t.Fatalf("after keyless refund result commands = %#v, want ReleaseStock", out.Commands)
	}
	if got := out.Saga.History[len(out.Saga.History)-1].IdempotencyKey; got != "S1:RefundPayment" {
		t.Fatalf("recorded key = %q, want S1:RefundPayment", got)
	}

	// A redelivery of the refund result must not confirm ReleaseStock.
	before := mustLoad(t, store, "S1")
	if _, err := o.Process(ctx, refunded); !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Fatalf("redelivered keyless result error = %v, want ErrMissingIdempotencyKey", err)
	}
	if after := mustLoad(t, store, "S1"); after.Version != before.Version || len(after.CompensationPlan) != 1 {
		t.Fatalf("redelivery changed saga: v%d plan=%d", after.Version, len(after.CompensationPlan))
	}

	released := Event{SagaID: "S1", EventType: EventCompensationSucceeded, ProducedAt: clock.Now()}
	out = mustProcess(t, o, released)
	if out.Saga.Status != StatusFailed || out.Saga.UnresolvedCompensation {
		t.Fatalf("saga = %s unresolved=%v, want FAILED and resolved", out.Saga.Status, out.Saga.UnresolvedCompensation)
	}
	if got := out.Saga.CompensatedSteps(); !equalStrings(got, []string{"process_payment", "reserve_stock"}) {
		t.Fatalf("CompensatedSteps() = %v", got)
	}
}

// interleavingStore lets a competing writer bump the version between the
// orchestrator's read and its first compare-and-swap.
type interleavingStore struct {
	*MemoryStore
	once sync.Once
}

func (s *interleavingStore) CompareAndSwap(ctx context.Context, saga *Saga, expectedVersion int64) error {
	s.once.Do(func() {
		current, err := s.MemoryStore.Load(ctx, saga.ID)
		if err != nil {
			return
		}
		bumped := current.Clone()
		bumped.Version++
		_ = s.MemoryStore.CompareAndSwap(ctx, bumped, current.Version)
	})
	return s.MemoryStore.CompareAndSwap(ctx, saga, expectedVersion)
}

func TestOrchestratorRetriesOnVersionConflict(t *testing.T) {
	base := NewMemoryStore()
	pub := &recordingPublisher{}
	metrics := &countingMetrics{}
	clock := newTestClock()

	seed := newTestOrchestrator(t, base, pub, clock)
	mustProcess(t, seed, triggerEvent("S1"))

	store := &interleavingStore{MemoryStore: base}
	o := newTestOrchestrator(t, store, pub, clock, WithMetrics(metrics))

	out, err := o.HandleEvent(context.Background(), resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if metrics.conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", metrics.conflicts)
	}
	if out.Saga.CurrentStep != StepAwaitingPayment {
		t.Fatalf("step = %s, want %s", out.Saga.CurrentStep, StepAwaitingPayment)
	}
	if got := mustLoad(t, base, "S1"); len(got.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(got.History))
	}
}

type alwaysConflictStore struct {
	*MemoryStore
}

func (s *alwaysConflictStore) CompareAndSwap(context.Context, *Saga, int64) error {
	return ErrVersionConflict
}

func TestOrchestratorConflictRetriesExhausted(t *testing.T) {
	base := NewMemoryStore()
	pub := &recordingPublisher{}
	clock := newTestClock()
	mustProcess(t, newTestOrchestrator(t, base, pub, clock), triggerEvent("S1"))

	o := newTestOrchestrator(t, &alwaysConflictStore{MemoryStore: base}, pub, clock, WithMaxConflictRetries(3))
	_, err := o.HandleEvent(context.Background(), resultEvent("S1", EventReservationSucceeded, nil))
	if !errors.Is(err, ErrConflictRetriesExhausted) {
		t.Fatalf("HandleEvent() error = %v, want ErrConflictRetriesExhausted", err)
	}
}

type brokenStore struct {
	*MemoryStore
}

func (s *brokenStore) Load(context.Context, string) (*Saga, error) {
	return nil, errors.New("connection refused")
}

func TestOrchestratorSurfacesStoreErrors(t *testing.T) {
	o := newTestOrchestrator(t, &brokenStore{MemoryStore: NewMemoryStore()}, &recordingPublisher{}, newTestClock())
	_, err := o.Process(context.Background(), triggerEvent("S1"))
	if err == nil {
		t.Fatal("expected store error")
	}
	if errors.Is(err, ErrUnexpectedEvent) || errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("store error misclassified: %v", err)
	}
}

func TestOrchestratorConcurrentDuplicateDelivery(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())
	mustProcess(t, o, triggerEvent("S1"))

	event := resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"})
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Process(context.Background(), event); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Process() error = %v", err)
	}

	payments := 0
	for _, cmd := range pub.Commands() {
		if cmd.CommandType == CommandProcessPayment {
			payments++
		}
	}
	if payments != 1 {
		t.Fatalf("ProcessPayment published %d times, want 1", payments)
	}
	if got := mustLoad(t, store, "S1").CompletedSteps(); !equalStrings(got, []string{"record_opened", "reserve_stock"}) {
		t.Fatalf("CompletedSteps() = %v", got)
	}
}

func TestOrchestratorPublishFailureLeavesCommandsOutstanding(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	pub.SetFail(true)
	o := newTestOrchestrator(t, store, pub, newTestClock())

	out, err := o.Process(context.Background(), triggerEvent("S1"))
	if err != nil {
		t.Fatalf("Process() error = %v, publish failures must not fail the event", err)
	}
	saga := mustLoad(t, store, "S1")
	if saga.PublishedAt != nil {
		t.Fatal("PublishedAt set despite publish failure")
	}
	if len(saga.Awaiting) != 1 || saga.Awaiting[0].CommandType != CommandReserveStock {
		t.Fatalf("Awaiting = %#v", saga.Awaiting)
	}
	if out.Saga.Version != saga.Version {
		t.Fatalf("outcome version %d, stored %d", out.Saga.Version, saga.Version)
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	if _, err := NewOrchestrator(nil, &recordingPublisher{}); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewOrchestrator(NewMemoryStore(), nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	broken := OrderGraph()
	broken.Start = ""
	if _, err := NewOrchestrator(NewMemoryStore(), &recordingPublisher{}, WithGraph(broken)); err == nil {
		t.Fatal("expected error for invalid graph")
	}
}
