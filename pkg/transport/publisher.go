package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Telemetry records publish behavior and bus health.
type Telemetry interface {
	RecordPublish(channel, status string)
	RecordRetry(channel string)
	SetDegradedMode(active bool)
	RecordOutage()
	RecordRecovery()
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(channel, status string) {}
func (nopTelemetry) RecordRetry(channel string)           {}
func (nopTelemetry) SetDegradedMode(active bool)          {}
func (nopTelemetry) RecordOutage()                        {}
func (nopTelemetry) RecordRecovery()                      {}

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Publisher encodes saga messages and publishes them with retry/backoff and
// degraded mode tracking. It satisfies saga.Publisher.
type Publisher struct {
	sender    Sender
	retry     RetryConfig
	telemetry Telemetry

	mu       sync.Mutex
	degraded bool
}

// NewPublisher creates a publisher over sender.
func NewPublisher(sender Sender, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("transport: sender cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("transport: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("transport: invalid retry config")
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{sender: sender, retry: retry, telemetry: telemetry}, nil
}

// Publish publishes a command on CommandChannel keyed by saga id.
func (p *Publisher) Publish(ctx context.Context, cmd saga.Command) error {
	body, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return p.send(ctx, CommandChannel, cmd.SagaID, body)
}

// PublishEvent publishes an event on EventChannel keyed by saga id.
func (p *Publisher) PublishEvent(ctx context.Context, event saga.Event) error {
	body, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	return p.send(ctx, EventChannel, event.SagaID, body)
}

// Degraded reports whether the last publish attempt failed.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) send(ctx context.Context, channel, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retry.InitialBackoff
	policy.MaxInterval = p.retry.MaxBackoff
	policy.Multiplier = p.retry.BackoffFactor

	operation := func() (struct{}, error) {
		return struct{}{}, p.sender.Publish(ctx, channel, key, body)
	}
	notify := func(error, time.Duration) {
		p.telemetry.RecordRetry(channel)
		p.onPublishOutage()
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.retry.MaxRetries)+1),
		backoff.WithNotify(notify),
	)
	if err != nil {
		p.telemetry.RecordPublish(channel, "failed")
		p.onPublishOutage()
		return fmt.Errorf("transport: publish to %s failed: %w", channel, err)
	}
	p.telemetry.RecordPublish(channel, "success")
	p.onPublishRecovered()
	return nil
}

func (p *Publisher) onPublishOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return
	}
	p.degraded = true
	p.telemetry.SetDegradedMode(true)
	p.telemetry.RecordOutage()
}

func (p *Publisher) onPublishRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		return
	}
	p.degraded = false
	p.telemetry.SetDegradedMode(false)
	p.telemetry.RecordRecovery()
}
