package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsKeyHeader = "Sagaflow-Key"

// NATSConfig configures the JetStream adapter.
type NATSConfig struct {
	// Stream is the JetStream stream holding every channel.
	Stream        string
	SubjectPrefix string
	AckWait       time.Duration
	// FetchWait bounds one pull request.
	FetchWait time.Duration
	// MaxDeliveries caps redelivery attempts. Zero means unlimited.
	MaxDeliveries int
}

// DefaultNATSConfig returns production defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Stream:        "SAGAFLOW",
		SubjectPrefix: "sagaflow.",
		AckWait:       30 * time.Second,
		FetchWait:     2 * time.Second,
		MaxDeliveries: 10,
	}
}

// NATSBus carries messages over JetStream durable pull consumers.
type NATSBus struct {
	cfg  NATSConfig
	conn *nats.Conn
	js   nats.JetStreamContext

	mu   sync.Mutex
	subs []*natsSubscription
}

// NewNATSBus binds to conn and creates the stream when missing.
func NewNATSBus(conn *nats.Conn, cfg NATSConfig) (*NATSBus, error) {
	if conn == nil {
		return nil, fmt.Errorf("transport: nats connection cannot be nil")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("transport: nats stream name cannot be empty")
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = time.Second
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("transport: jetstream context: %w", err)
	}
	bus := &NATSBus{cfg: cfg, conn: conn, js: js}
	if err := bus.ensureStream(); err != nil {
		return nil, err
	}
	return bus, nil
}

func (b *NATSBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("transport: stream info %s: %w", b.cfg.Stream, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{b.cfg.SubjectPrefix + ">"},
	})
	if err != nil {
		return fmt.Errorf("transport: add stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

func (b *NATSBus) subject(channel string) string {
	return b.cfg.SubjectPrefix + channel
}

// Publish publishes payload on the channel subject.
func (b *NATSBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("transport: channel cannot be empty")
	}
	msg := nats.NewMsg(b.subject(channel))
	msg.Data = payload
	msg.Header.Set(natsKeyHeader, key)
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("transport: publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe binds a durable pull consumer named after group and channel.
func (b *NATSBus) Subscribe(ctx context.Context, channel, group string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if channel == "" || group == "" {
		return nil, fmt.Errorf("transport: channel and group are required")
	}
	opts := []nats.SubOpt{nats.BindStream(b.cfg.Stream)}
	if b.cfg.AckWait > 0 {
		opts = append(opts, nats.AckWait(b.cfg.AckWait))
	}
	if b.cfg.MaxDeliveries > 0 {
		opts = append(opts, nats.MaxDeliver(b.cfg.MaxDeliveries))
	}
	sub, err := b.js.PullSubscribe(b.subject(channel), durableName(group, channel), opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: pull subscribe %s: %w", channel, err)
	}
	s := &natsSubscription{bus: b, channel: channel, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close unsubscribes every consumer; the caller owns the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// durableName builds a consumer name; JetStream rejects dots and wildcards.
func durableName(group, channel string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return replacer.Replace(group + "-" + channel)
}

type natsSubscription struct {
	bus     *NATSBus
	channel string
	sub     *nats.Subscription
	once    sync.Once
}

func (s *natsSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetchCtx, cancel := context.WithTimeout(ctx, s.bus.cfg.FetchWait)
		msgs, err := s.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, ErrClosed
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("transport: fetch %s: %w", s.channel, err)
		}
		if len(msgs) == 0 {
			continue
		}
		return &natsDelivery{channel: s.channel, raw: msgs[0]}, nil
	}
}

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		if unsubErr := s.sub.Unsubscribe(); unsubErr != nil && !errors.Is(unsubErr, nats.ErrBadSubscription) {
			err = unsubErr
		}
	})
	return err
}

type natsDelivery struct {
	channel string
	raw     *nats.Msg
}

func (d *natsDelivery) Message() Message {
	msg := Message{
		Channel: d.channel,
		Key:     d.raw.Header.Get(natsKeyHeader),
		Payload: d.raw.Data,
		Attempt: 1,
	}
	if meta, err := d.raw.Metadata(); err == nil {
		msg.ID = fmt.Sprintf("%d", meta.Sequence.Stream)
		msg.Attempt = int(meta.NumDelivered)
		msg.Timestamp = meta.Timestamp
	}
	return msg
}

func (d *natsDelivery) Ack(context.Context) error {
	if err := d.raw.Ack(); err != nil {
		return fmt.Errorf("transport: ack: %w", err)
	}
	return nil
}

func (d *natsDelivery) Nack(context.Context) error {
	if err := d.raw.Nak(); err != nil {
		return fmt.Errorf("transport: nak: %w", err)
	}
	return nil
}
