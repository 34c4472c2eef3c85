// Package dispatch drains a transport subscription with a fixed set of
// workers and settles every delivery according to the handler result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/transport"
)

// Outcome labels how a delivery was settled.
const (
	OutcomeAcked   = "acked"
	OutcomeDropped = "dropped"
	OutcomeRetried = "retried"
	OutcomePanic   = "panic"
)

// Handler processes one message. Returning nil acknowledges it, returning an
// error wrapped by Drop acknowledges it with a warning, and any other error
// hands it back for redelivery.
type Handler func(ctx context.Context, msg transport.Message) error

// Recorder records settled deliveries.
type Recorder interface {
	RecordDispatch(channel, outcome string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(string, string, time.Duration) {}

type dropError struct {
	err error
}

func (e *dropError) Error() string { return e.err.Error() }
func (e *dropError) Unwrap() error { return e.err }

// Drop marks err as not retryable.
func Drop(err error) error {
	if err == nil {
		return nil
	}
	return &dropError{err: err}
}

// IsDrop reports whether err was marked by Drop.
func IsDrop(err error) bool {
	var d *dropError
	return errors.As(err, &d)
}

// Config configures a Pool.
type Config struct {
	Workers int
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
	// HandleTimeout bounds one handler call. Zero means no bound.
	HandleTimeout time.Duration
}

// DefaultConfig returns default pool settings.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		ErrorBackoff:  500 * time.Millisecond,
		HandleTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of goroutines consuming one subscription.
type Pool struct {
	name     string
	sub      transport.Subscription
	handler  Handler
	cfg      Config
	logger   logger.Logger
	recorder Recorder

	// State
	running  atomic.Bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Metrics
	processed atomic.Int64
	dropped   atomic.Int64
	retried   atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRecorder sets the dispatch metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewPool creates a pool named name that feeds sub into handler.
func NewPool(name string, sub transport.Subscription, handler Handler, cfg Config, opts ...Option) (*Pool, error) {
	if sub == nil {
		return nil, fmt.Errorf("dispatch: subscription cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("dispatch: handler cannot be nil")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatch: workers must be positive")
	}
	p := &Pool{
		name:     name,
		sub:      sub,
		handler:  handler,
		cfg:      cfg,
		logger:   logger.Global(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start starts the workers. They run until Stop or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if p.running.Swap(true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops receiving, closes the subscription and waits for in-flight
// handlers to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.sub.Close()
		p.wg.Wait()
	})
}

// Processed returns the number of acknowledged deliveries.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Dropped returns the number of deliveries acknowledged after a Drop error.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Retried returns the number of deliveries handed back for redelivery.
func (p *Pool) Retried() int64 { return p.retried.Load() }

// IsRunning returns true if the pool is running.
func (p *Pool) IsRunning() bool { return p.running.Load() }

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		delivery, err := p.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			p.logger.WarnContext(ctx, "dispatch receive failed", "pool", p.name, "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		p.settle(ctx, delivery)
	}
}

// settle runs the handler and acks or nacks the delivery. Settlement uses a
// detached context so shutdown does not strand an already handled message.
func (p *Pool) settle(ctx context.Context, delivery transport.Delivery) {
	msg := delivery.Message()
	ctx = logger.ContextWith(ctx, "pool", p.name, "message_id", msg.ID, "key", msg.Key)
	start := time.Now()
	outcome, err := p.invoke(ctx, msg)
	settleCtx := context.WithoutCancel(ctx)

	switch outcome {
	case OutcomeAcked:
		p.processed.Add(1)
		if ackErr := delivery.Ack(settleCtx); ackErr != nil {
			p.logger.ErrorContext(ctx, "dispatch ack failed", "error", ackErr)
		}
	case OutcomeDropped:
		p.dropped.Add(1)
		p.logger.WarnContext(ctx, "dispatch dropped message", "attempt", msg.Attempt, "error", err)
		if ackErr := delivery.Ack(settleCtx); ackErr != nil {
			p.logger.ErrorContext(ctx, "dispatch ack failed", "error", ackErr)
		}
	default:
		p.retried.Add(1)
		p.logger.ErrorContext(ctx, "dispatch handler failed, message will be redelivered",
			"attempt", msg.Attempt, "outcome", outcome, "error", err)
		if nackErr := delivery.Nack(settleCtx); nackErr != nil {
			p.logger.ErrorContext(ctx, "dispatch nack failed", "error", nackErr)
		}
	}
	p.recorder.RecordDispatch(msg.Channel, outcome, time.Since(start))
}

func (p *Pool) invoke(ctx context.Context, msg transport.Message) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanic
			err = fmt.Errorf("dispatch: handler panic: %v", r)
		}
	}()

	if p.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.HandleTimeout)
		defer cancel()
	}
	err = p.handler(ctx, msg)
	switch {
	case err == nil:
		return OutcomeAcked, nil
	case IsDrop(err):
		return OutcomeDropped, err
	default:
		return OutcomeRetried, err
	}
}
