package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	return db
}

func storeFixture(id string, status Status, created time.Time) *Saga {
	s := NewSaga(id, created)
	s.Status = status
	s.Version = 1
	s.Context["orderId"] = "order-" + id
	s.History = append(s.History, HistoryEntry{
		Step:           StepStarted,
		EventType:      EventTriggerReceived,
		Outcome:        TransitionForward,
		IdempotencyKey: IdempotencyKey(id, commandTrigger),
		Completes:      "record_opened",
		Commands:       []Command{{SagaID: id, CommandType: CommandReserveStock, IssuedAt: created}},
		Timestamp:      created,
	})
	return s
}

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("Load(missing) error = %v, want ErrSagaNotFound", err)
	}

	first := storeFixture("s1", StatusRunning, base)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, first); !errors.Is(err, ErrSagaExists) {
		t.Fatalf("Create(duplicate) error = %v, want ErrSagaExists", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ID != "s1" || loaded.Status != StatusRunning || loaded.Version != 1 || loaded.CurrentStep != StepStarted {
		t.Fatalf("unexpected loaded saga: %#v", loaded)
	}
	if loaded.Context["orderId"] != "order-s1" {
		t.Fatalf("context not persisted: %#v", loaded.Context)
	}
	if len(loaded.History) != 1 || loaded.History[0].IdempotencyKey != "s1:Trigger" {
		t.Fatalf("history not persisted: %#v", loaded.History)
	}
	if len(loaded.History[0].Commands) != 1 || loaded.History[0].Commands[0].CommandType != CommandReserveStock {
		t.Fatalf("history commands not persisted: %#v", loaded.History[0].Commands)
	}

	next := loaded.Clone()
	next.Version = 2
	next.CurrentStep = StepAwaitingStock
	if err := store.CompareAndSwap(ctx, next, 5); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("CompareAndSwap(stale) error = %v, want ErrVersionConflict", err)
	}
	if err := store.CompareAndSwap(ctx, next, 1); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	if err := store.CompareAndSwap(ctx, next, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("CompareAndSwap(replayed) error = %v, want ErrVersionConflict", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			racer := next.Clone()
			racer.Version = 3
			err := store.CompareAndSwap(ctx, racer, 2)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("CompareAndSwap(race) error = %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 7 {
		t.Fatalf("race: wins=%d conflicts=%d, want 1 and 7", wins, conflicts)
	}

	published := base.Add(time.Minute)
	done := storeFixture("s2", StatusFailed, base.Add(time.Second))
	done.UnresolvedCompensation = true
	done.PublishedAt = &published
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("Create(s2) error = %v", err)
	}
	later := storeFixture("s3", StatusRunning, base.Add(2*time.Hour))
	if err := store.Create(ctx, later); err != nil {
		t.Fatalf("Create(s3) error = %v", err)
	}

	moved, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load(s1) error = %v", err)
	}
	completed := moved.Clone()
	completed.Status = StatusCompleted
	completed.Version = moved.Version + 1
	if err := store.CompareAndSwap(ctx, completed, moved.Version); err != nil {
		t.Fatalf("CompareAndSwap(status change) error = %v", err)
	}

	checks := []struct {
		name   string
		filter ListFilter
		want   []string
		total  int
	}{
		{name: "all", filter: ListFilter{}, want: []string{"s1", "s2", "s3"}, total: 3},
		{name: "running", filter: ListFilter{Status: StatusRunning}, want: []string{"s3"}, total: 1},
		{name: "completed", filter: ListFilter{Status: StatusCompleted}, want: []string{"s1"}, total: 1},
		{name: "unresolved", filter: ListFilter{Unresolved: true}, want: []string{"s2"}, total: 1},
		{name: "stale", filter: ListFilter{UpdatedBefore: base.Add(time.Hour)}, want: []string{"s1", "s2"}, total: 2},
		{name: "unpublished", filter: ListFilter{Unpublished: true}, want: []string{"s1", "s3"}, total: 2},
		{name: "page", filter: ListFilter{Limit: 1, Offset: 1}, want: []string{"s2"}, total: 3},
	}
	for _, check := range checks {
		list, total, err := store.List(ctx, check.filter)
		if err != nil {
			t.Fatalf("List(%s) error = %v", check.name, err)
		}
		ids := make([]string, 0, len(list))
		for _, s := range list {
			ids = append(ids, s.ID)
		}
		if total != check.total || !equalStrings(ids, check.want) {
			t.Fatalf("List(%s) = %v total=%d, want %v total=%d", check.name, ids, total, check.want, check.total)
		}
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	s := storeFixture("s1", StatusRunning, time.Now())
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s.Context["orderId"] = "mutated"

	loaded := mustLoad(t, store, "s1")
	loaded.History[0].Commands[0].CommandType = "Mutated"
	again := mustLoad(t, store, "s1")
	if again.Context["orderId"] != "order-s1" || again.History[0].Commands[0].CommandType != CommandReserveStock {
		t.Fatalf("store shares memory with callers: %#v", again)
	}
}

func TestBadgerStoreContract(t *testing.T) {
	db := openTestBadger(t)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewBadgerStore(db)
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	runStoreContract(t, store)
}

func TestBadgerStoreRejectsNil(t *testing.T) {
	if _, err := NewBadgerStore(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestBadgerStoreStatusIndex(t *testing.T) {
	db := openTestBadger(t)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewBadgerStore(db)
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	odd := storeFixture("i/RUNNING/ghost", StatusRunning, base)
	if err := store.Create(ctx, odd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	moved := storeFixture("order-7", StatusRunning, base.Add(time.Minute))
	if err := store.Create(ctx, moved); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	done := moved.Clone()
	done.Status = StatusCompleted
	done.Version = moved.Version + 1
	if err := store.CompareAndSwap(ctx, done, moved.Version); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}

	running, total, err := store.List(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("List(RUNNING) error = %v", err)
	}
	if total != 1 || running[0].ID != odd.ID {
		t.Fatalf("List(RUNNING) = %d sagas, first %+v", total, running)
	}
	completed, total, err := store.List(ctx, ListFilter{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("List(COMPLETED) error = %v", err)
	}
	if total != 1 || completed[0].ID != "order-7" {
		t.Fatalf("List(COMPLETED) = %d sagas", total)
	}
	if _, total, _ := store.List(ctx, ListFilter{}); total != 2 {
		t.Fatalf("List() total = %d, want 2", total)
	}
}

func TestOrchestratorOnBadgerStore(t *testing.T) {
	db := openTestBadger(t)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewBadgerStore(db)
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}

	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, store, pub, newTestClock())
	mustProcess(t, o, triggerEvent("S1"))
	mustProcess(t, o, resultEvent("S1", EventReservationSucceeded, map[string]any{"reservationId": "res-9"}))
	mustProcess(t, o, resultEvent("S1", EventPaymentFailed, map[string]any{"reason": "declined"}))
	out := mustProcess(t, o, compensationEvent("S1", EventCompensationSucceeded, CommandReleaseStock))

	if out.Saga.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", out.Saga.Status)
	}
	saga := mustLoad(t, store, "S1")
	if got := saga.CompensatedSteps(); !equalStrings(got, []string{"reserve_stock"}) {
		t.Fatalf("CompensatedSteps() = %v", got)
	}
	want := []CommandType{CommandReserveStock, CommandProcessPayment, CommandReleaseStock, CommandFinalizeRecord}
	if !equalTypes(pub.Types(), want) {
		t.Fatalf("published = %v, want %v", pub.Types(), want)
	}
}
