package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ReconcilerConfig controls the reconciliation sweep.
type ReconcilerConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	// RatePerSecond throttles republished sagas; zero disables throttling.
	RatePerSecond float64
	Burst         int
	// BatchSize caps republished sagas per sweep.
	BatchSize int
}

// DefaultReconcilerConfig returns sweep defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:       30 * time.Second,
		StaleThreshold: 2 * time.Minute,
		RatePerSecond:  50,
		Burst:          10,
		BatchSize:      500,
	}
}

// SweepReport summarizes one reconciliation sweep.
type SweepReport struct {
	Stuck       int
	Republished int
	Finalized   int
	Unresolved  int
	Errors      int
}

// Reconciler periodically re-issues commands for sagas whose outstanding
// commands went unanswered past the stale threshold, and re-sends final
// notifications that were never marked published. Everything goes back
// through the orchestrator's idempotent path.
type Reconciler struct {
	orchestrator *Orchestrator
	limiter      *rate.Limiter
	logger       Logger
	metrics      MetricsRecorder

	mu  sync.RWMutex
	cfg ReconcilerConfig
}

// NewReconciler creates a reconciler.
func NewReconciler(orchestrator *Orchestrator, cfg ReconcilerConfig) (*Reconciler, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive")
	}
	if cfg.StaleThreshold <= 0 {
		return nil, fmt.Errorf("reconcile stale threshold must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcilerConfig().BatchSize
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Reconciler{
		orchestrator: orchestrator,
		limiter:      limiter,
		logger:       orchestrator.logger,
		metrics:      orchestrator.metrics,
		cfg:          cfg,
	}, nil
}

// SetStaleThreshold changes the threshold used by later sweeps.
func (r *Reconciler) SetStaleThreshold(threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	r.mu.Lock()
	r.cfg.StaleThreshold = threshold
	r.mu.Unlock()
}

// SetInterval changes the sweep interval. Run picks it up after the next tick.
func (r *Reconciler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	r.cfg.Interval = interval
	r.mu.Unlock()
}

// StaleThreshold returns the current stale threshold.
func (r *Reconciler) StaleThreshold() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.StaleThreshold
}

func (r *Reconciler) config() ReconcilerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Run sweeps on every interval tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.config().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next := r.config().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			report, err := r.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.WarnContext(ctx, "reconcile sweep failed", "error", err)
				continue
			}
			if report.Republished > 0 || report.Finalized > 0 || report.Unresolved > 0 {
				r.logger.InfoContext(ctx, "reconcile sweep finished",
					"stuck", report.Stuck,
					"republished", report.Republished,
					"finalized", report.Finalized,
					"unresolved", report.Unresolved,
					"errors", report.Errors,
				)
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaReconcile)
	defer span.End()

	cfg := r.config()
	store := r.orchestrator.Store()
	cutoff := r.orchestrator.now().Add(-cfg.StaleThreshold)
	var report SweepReport

	budget := cfg.BatchSize
	visit := func(s *Saga, counter *int) bool {
		if err := r.republish(ctx, s); err != nil {
			if ctx.Err() != nil {
				return false
			}
			report.Errors++
			return true
		}
		*counter++
		budget--
		return budget > 0
	}

	stuck, err := eachPage(ctx, store, ListFilter{Status: StatusRunning, UpdatedBefore: cutoff}, cfg.BatchSize,
		func(s *Saga) bool {
			if s.LastActivity().After(cutoff) {
				return true
			}
			return visit(s, &report.Republished)
		})
	if err != nil {
		return report, fmt.Errorf("list stale sagas: %w", err)
	}
	report.Stuck = stuck
	if err := ctx.Err(); err != nil {
		return report, err
	}

	for _, status := range []Status{StatusCompleted, StatusFailed} {
		if budget == 0 {
			break
		}
		filter := ListFilter{Status: status, UpdatedBefore: cutoff, Unpublished: true}
		if _, err := eachPage(ctx, store, filter, cfg.BatchSize, func(s *Saga) bool {
			return visit(s, &report.Finalized)
		}); err != nil {
			return report, fmt.Errorf("list unpublished %s sagas: %w", status, err)
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	_, unresolved, err := store.List(ctx, ListFilter{Status: StatusFailed, Unresolved: true, Limit: 1})
	if err != nil {
		return report, fmt.Errorf("list unresolved sagas: %w", err)
	}
	report.Unresolved = unresolved

	r.metrics.SetStuckSagas(report.Stuck)
	r.metrics.SetUnresolvedSagas(report.Unresolved)
	span.SetAttributes(
		attribute.Int("saga.reconcile.stuck", report.Stuck),
		attribute.Int("saga.reconcile.republished", report.Republished),
		attribute.Int("saga.reconcile.unresolved", report.Unresolved),
	)
	return report, nil
}

// eachPage walks the sagas matching filter, size at a time, until fn returns
// false or the matches run out. It returns the total number of matches.
func eachPage(ctx context.Context, store Store, filter ListFilter, size int, fn func(*Saga) bool) (int, error) {
	filter.Limit = size
	total := 0
	for filter.Offset = 0; ; filter.Offset += size {
		page, n, err := store.List(ctx, filter)
		if err != nil {
			return total, err
		}
		if filter.Offset == 0 {
			total = n
		}
		for _, s := range page {
			if !fn(s) {
				return total, nil
			}
		}
		if len(page) < size || filter.Offset+len(page) >= n {
			return total, nil
		}
	}
}

func (r *Reconciler) republish(ctx context.Context, s *Saga) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := r.orchestrator.Republish(ctx, s); err != nil {
		r.logger.WarnContext(ctx, "republish failed",
			"saga_id", s.ID,
			"step", s.CurrentStep,
			"error", err,
		)
		return err
	}
	r.logger.InfoContext(ctx, "republished outstanding commands",
		"saga_id", s.ID,
		"step", s.CurrentStep,
		"commands", len(s.Awaiting),
		"republish_count", s.RepublishCount+1,
	)
	return nil
}
