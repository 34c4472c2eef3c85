package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publisher publishes commands on the command channel.
type Publisher interface {
	Publish(ctx context.Context, cmd Command) error
}

// Logger is the logging subset used by the orchestrator and reconciler.
type Logger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

type nopLogger struct{}

func (n *nopLogger) DebugContext(context.Context, string, ...any) {}
func (n *nopLogger) InfoContext(context.Context, string, ...any)  {}
func (n *nopLogger) WarnContext(context.Context, string, ...any)  {}
func (n *nopLogger) ErrorContext(context.Context, string, ...any) {}

// OrchestratorOption customizes Orchestrator initialization.
type OrchestratorOption func(orchestrator *Orchestrator)

// WithGraph replaces the step graph.
func WithGraph(graph *Graph) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if graph != nil {
			orchestrator.graph = graph
		}
	}
}

// WithLogger wires a logger.
func WithLogger(logger Logger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithMetrics wires a metrics recorder.
func WithMetrics(metrics MetricsRecorder) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if metrics != nil {
			orchestrator.metrics = metrics
		}
	}
}

// WithMaxConflictRetries bounds re-read/re-evaluate rounds per event.
func WithMaxConflictRetries(max int) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if max > 0 {
			orchestrator.maxConflictRetries = max
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.now = now
		}
	}
}

// Outcome describes the result of handling one event.
type Outcome struct {
	Saga *Saga
	// Commands are newly issued by this call and must be published.
	Commands []Command
	// Recorded holds the commands a duplicate's first processing issued.
	Recorded   []Command
	Duplicate  bool
	Transition TransitionKind
}

// Orchestrator drives sagas through the step graph.
type Orchestrator struct {
	graph              *Graph
	store              Store
	publisher          Publisher
	engine             *CompensationEngine
	logger             Logger
	metrics            MetricsRecorder
	maxConflictRetries int
	now                func() time.Time
}

// NewOrchestrator creates an orchestrator and validates its step graph.
func NewOrchestrator(store Store, publisher Publisher, options ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("saga store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("command publisher cannot be nil")
	}

	orchestrator := &Orchestrator{
		graph:              OrderGraph(),
		store:              store,
		publisher:          publisher,
		logger:             &nopLogger{},
		metrics:            &nopMetricsRecorder{},
		maxConflictRetries: 16,
		now:                func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	if err := orchestrator.graph.Validate(); err != nil {
		return nil, err
	}
	orchestrator.engine = NewCompensationEngine(orchestrator.graph)
	return orchestrator, nil
}

// Graph returns the validated step graph.
func (o *Orchestrator) Graph() *Graph {
	return o.graph
}

// Store returns the saga store.
func (o *Orchestrator) Store() Store {
	return o.store
}

// HandleEvent applies one event and persists the result. It never publishes.
//
// Duplicates (by idempotency key) return the commands recorded on first
// processing with Duplicate set and no new commands. Version conflicts re-read
// the saga and re-evaluate the event from scratch.
func (o *Orchestrator) HandleEvent(ctx context.Context, event Event) (*Outcome, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaHandleEvent, trace.WithAttributes(
		attribute.String("saga.id", event.SagaID),
		attribute.String("saga.event_type", string(event.EventType)),
	))
	defer span.End()

	start := time.Now()
	out, err := o.handle(ctx, event)
	o.metrics.RecordSagaHandleDuration(time.Since(start))

	switch {
	case err != nil:
		o.metrics.RecordSagaEvent(string(event.EventType), eventResult(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case out.Duplicate:
		o.metrics.RecordSagaEvent(string(event.EventType), "duplicate")
		o.metrics.RecordSagaDuplicate()
		span.SetAttributes(attribute.Bool("saga.duplicate", true))
	default:
		o.metrics.RecordSagaEvent(string(event.EventType), "applied")
		o.metrics.RecordSagaTransition(string(out.Transition))
		span.SetAttributes(
			attribute.String("saga.step", string(out.Saga.CurrentStep)),
			attribute.Int64("saga.version", out.Saga.Version),
		)
	}
	return out, err
}

func (o *Orchestrator) handle(ctx context.Context, event Event) (*Outcome, error) {
	if event.SagaID == "" {
		return nil, fmt.Errorf("saga: event %s has no saga id", event.EventType)
	}
	key, err := o.graph.EventKey(event)
	if err != nil && !errors.Is(err, ErrMissingIdempotencyKey) {
		return nil, err
	}

	for attempt := 0; attempt < o.maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := o.attempt(ctx, event, key)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrSagaExists) {
			o.metrics.RecordSagaConflict()
			o.logger.DebugContext(ctx, "saga write conflict, re-evaluating",
				"saga_id", event.SagaID,
				"event_type", event.EventType,
				"attempt", attempt+1,
			)
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("%w: saga %s after %d attempts", ErrConflictRetriesExhausted, event.SagaID, o.maxConflictRetries)
}

func (o *Orchestrator) attempt(ctx context.Context, event Event, key string) (*Outcome, error) {
	creating := false
	current, err := o.store.Load(ctx, event.SagaID)
	switch {
	case errors.Is(err, ErrSagaNotFound):
		if !o.graph.IsStart(event.EventType) {
			return nil, fmt.Errorf("%w: %s (event %s)", ErrSagaNotFound, event.SagaID, event.EventType)
		}
		current = NewSaga(event.SagaID, o.now())
		creating = true
	case err != nil:
		return nil, fmt.Errorf("load saga %s: %w", event.SagaID, err)
	}

	if key == "" {
		if key, err = inFlightKey(current, event); err != nil {
			return nil, err
		}
	}
	if entry, ok := current.FindHistory(key); ok {
		return &Outcome{
			Saga:       current,
			Recorded:   copyCommands(entry.Commands),
			Duplicate:  true,
			Transition: entry.Outcome,
		}, nil
	}

	next, cmds, kind, err := o.apply(current, event, key)
	if err != nil {
		return nil, err
	}

	if creating {
		err = o.store.Create(ctx, next)
	} else {
		err = o.store.CompareAndSwap(ctx, next, current.Version)
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrSagaExists) {
			return nil, err
		}
		return nil, fmt.Errorf("persist saga %s: %w", event.SagaID, err)
	}

	switch {
	case kind == TransitionFail && next.Status == StatusFailed:
		o.metrics.RecordCompensation("nothing_to_undo")
	case kind == TransitionCompensated && next.Status == StatusFailed:
		o.metrics.RecordCompensation("completed")
	case kind == TransitionCompensationFailed:
		o.metrics.RecordCompensation("unresolved")
		o.logger.ErrorContext(ctx, "compensation failed, saga needs operator action",
			"saga_id", next.ID,
			"failure_reason", next.FailureReason,
		)
	}

	return &Outcome{Saga: next, Commands: cmds, Transition: kind}, nil
}

// apply evaluates the step graph against a copy of current.
func (o *Orchestrator) apply(current *Saga, event Event, key string) (*Saga, []Command, TransitionKind, error) {
	if current.Status.IsTerminal() {
		return nil, nil, "", fmt.Errorf("%w: saga %s is %s, got %s", ErrUnexpectedEvent, current.ID, current.Status, event.EventType)
	}
	tr, ok := o.graph.Lookup(current.CurrentStep, event.EventType)
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: saga %s at %s, got %s", ErrUnexpectedEvent, current.ID, current.CurrentStep, event.EventType)
	}

	now := o.now()
	next := current.Clone()
	if next.Context == nil {
		next.Context = make(map[string]any)
	}
	for _, field := range tr.Merge {
		if value, ok := event.Payload[field]; ok {
			next.Context[field] = value
		}
	}

	entry := HistoryEntry{
		Step:           current.CurrentStep,
		EventType:      event.EventType,
		Outcome:        tr.Kind,
		IdempotencyKey: key,
		Timestamp:      now,
	}

	var cmds []Command
	switch tr.Kind {
	case TransitionForward:
		entry.Completes = tr.Completes
		entry.Snapshot = copyContext(next.Context)
		next.CurrentStep = tr.To
		if o.graph.IsTerminal(tr.To) {
			next.Status = StatusCompleted
			cmds = []Command{o.finalize(next, now)}
			break
		}
		for _, cmdType := range tr.Emit {
			cmds = append(cmds, Command{
				SagaID:      next.ID,
				CommandType: cmdType,
				Payload:     buildPayload(o.graph.Payloads[cmdType], next.Context),
				IssuedAt:    now,
			})
		}

	case TransitionFail:
		next.FailureReason = failureReason(event)
		plan := o.engine.Compensate(next)
		if len(plan) == 0 {
			next.CurrentStep = StepFailed
			next.Status = StatusFailed
			cmds = []Command{o.finalize(next, now)}
			break
		}
		plan[0].Command = stamp(plan[0].Command, now)
		next.CurrentStep = StepCompensating
		next.CompensationPlan = plan
		cmds = []Command{plan[0].Command}

	case TransitionCompensated:
		head, err := inFlightCompensation(next, key)
		if err != nil {
			return nil, nil, "", err
		}
		entry.Compensates = head.Step
		next.CompensationPlan = next.CompensationPlan[1:]
		if len(next.CompensationPlan) == 0 {
			next.CompensationPlan = nil
			next.CurrentStep = StepFailed
			next.Status = StatusFailed
			cmds = []Command{o.finalize(next, now)}
			break
		}
		next.CompensationPlan[0].Command = stamp(next.CompensationPlan[0].Command, now)
		cmds = []Command{next.CompensationPlan[0].Command}

	case TransitionCompensationFailed:
		head, err := inFlightCompensation(next, key)
		if err != nil {
			return nil, nil, "", err
		}
		next.UnresolvedCompensation = true
		next.FailureReason = joinReason(next.FailureReason,
			fmt.Sprintf("compensation %s for %s failed: %s", head.Command.CommandType, head.Step, failureReason(event)))
		next.CurrentStep = tr.To
		next.Status = StatusFailed
		cmds = []Command{o.finalize(next, now)}
	}

	entry.Commands = copyCommands(cmds)
	next.History = append(next.History, entry)
	next.Awaiting = copyCommands(cmds)
	next.PublishedAt = nil
	next.RepublishCount = 0
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, cmds, tr.Kind, nil
}

func (o *Orchestrator) finalize(s *Saga, now time.Time) Command {
	payload := map[string]any{
		"sagaId":      s.ID,
		"finalStatus": string(s.Status),
	}
	if s.FailureReason != "" {
		payload["failureReason"] = s.FailureReason
	}
	return Command{
		SagaID:      s.ID,
		CommandType: CommandFinalizeRecord,
		Payload:     payload,
		IssuedAt:    now,
	}
}

func inFlightCompensation(s *Saga, key string) (Compensation, error) {
	if len(s.CompensationPlan) == 0 {
		return Compensation{}, fmt.Errorf("%w: saga %s has no compensation in flight", ErrUnexpectedEvent, s.ID)
	}
	head := s.CompensationPlan[0]
	if head.Command.IdempotencyKey() != key {
		return Compensation{}, fmt.Errorf("%w: saga %s awaits %s, got key %s", ErrUnexpectedEvent, s.ID, head.Command.CommandType, key)
	}
	return head, nil
}

func failureReason(event Event) string {
	if reason, ok := event.Payload["reason"].(string); ok && reason != "" {
		return reason
	}
	return string(event.EventType)
}

func joinReason(first, second string) string {
	if first == "" {
		return second
	}
	return first + "; " + second
}

func eventResult(err error) string {
	switch {
	case errors.Is(err, ErrUnexpectedEvent):
		return "unexpected"
	case errors.Is(err, ErrSagaNotFound):
		return "unknown_saga"
	case errors.Is(err, ErrConflictRetriesExhausted):
		return "conflict_exhausted"
	case errors.Is(err, ErrMissingIdempotencyKey), errors.Is(err, ErrUnknownEventType):
		return "invalid"
	default:
		return "error"
	}
}

// Process handles an event, then publishes the commands it issued. Commands
// are published only after the new state is persisted; a publish failure is
// logged and left to the reconciler because the state already records the
// outstanding commands.
func (o *Orchestrator) Process(ctx context.Context, event Event) (*Outcome, error) {
	out, err := o.HandleEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if out.Duplicate || len(out.Commands) == 0 {
		return out, nil
	}

	if err := o.publish(ctx, out.Commands); err != nil {
		o.logger.WarnContext(ctx, "command publish failed, leaving for reconciliation",
			"saga_id", out.Saga.ID,
			"step", out.Saga.CurrentStep,
			"error", err,
		)
		return out, nil
	}

	if published, ok := o.markPublished(ctx, out.Saga, false); ok {
		out.Saga = published
	}
	return out, nil
}

func (o *Orchestrator) publish(ctx context.Context, cmds []Command) error {
	ctx, span := sagaTracer().Start(ctx, spanSagaPublish)
	defer span.End()

	for _, cmd := range cmds {
		if err := o.publisher.Publish(ctx, cmd); err != nil {
			o.metrics.RecordCommandPublish(string(cmd.CommandType), "failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("publish %s for saga %s: %w", cmd.CommandType, cmd.SagaID, err)
		}
		o.metrics.RecordCommandPublish(string(cmd.CommandType), "ok")
	}
	return nil
}

// markPublished records that the awaiting commands of s went out. It gives up
// silently if the saga moved on in the meantime.
func (o *Orchestrator) markPublished(ctx context.Context, s *Saga, republished bool) (*Saga, bool) {
	now := o.now()
	next := s.Clone()
	next.PublishedAt = &now
	if republished {
		next.RepublishCount++
	}
	next.Version = s.Version + 1
	if err := o.store.CompareAndSwap(ctx, next, s.Version); err != nil {
		o.logger.DebugContext(ctx, "publish marker not recorded",
			"saga_id", s.ID,
			"version", s.Version,
			"error", err,
		)
		return nil, false
	}
	return next, true
}

// Republish re-sends the outstanding commands of a saga loaded from the store.
// Participants dedup on (sagaId, commandType), so a stray duplicate is harmless.
func (o *Orchestrator) Republish(ctx context.Context, s *Saga) (*Saga, error) {
	if s == nil || len(s.Awaiting) == 0 {
		return s, nil
	}
	if err := o.publish(ctx, s.Awaiting); err != nil {
		return nil, err
	}
	for _, cmd := range s.Awaiting {
		o.metrics.RecordCommandRepublish(string(cmd.CommandType))
	}
	published, ok := o.markPublished(ctx, s, true)
	if !ok {
		return s, nil
	}
	return published, nil
}
