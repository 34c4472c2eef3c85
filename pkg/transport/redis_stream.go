package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamFieldKey  = "key"
	streamFieldData = "data"
)

// RedisStreamConfig configures the Redis Streams adapter.
type RedisStreamConfig struct {
	// Prefix is prepended to every stream name.
	Prefix string
	// Consumer names this process inside its consumer groups.
	Consumer string
	// BatchSize is the XREADGROUP count.
	BatchSize int
	// BlockTime bounds one XREADGROUP call.
	BlockTime time.Duration
	// ClaimMinIdle is how long a delivery may stay pending before another
	// consumer claims it. Nacked messages wait this long for redelivery.
	ClaimMinIdle time.Duration
	// ReclaimInterval spaces pending scans. Zero scans on every poll.
	ReclaimInterval time.Duration
	// MaxDeliveries moves a message to the dead-letter stream once it was
	// delivered this many times. Zero disables dead-lettering.
	MaxDeliveries int
	// MaxLen caps each stream approximately. Zero keeps everything.
	MaxLen int64
}

// DefaultRedisStreamConfig returns production defaults.
func DefaultRedisStreamConfig() RedisStreamConfig {
	return RedisStreamConfig{
		Prefix:          "sagaflow:",
		Consumer:        "sagaflow",
		BatchSize:       16,
		BlockTime:       2 * time.Second,
		ClaimMinIdle:    30 * time.Second,
		ReclaimInterval: 15 * time.Second,
		MaxDeliveries:   10,
		MaxLen:          100000,
	}
}

// RedisStreamBus carries messages over Redis Streams consumer groups.
type RedisStreamBus struct {
	client redis.UniversalClient
	cfg    RedisStreamConfig
}

// NewRedisStreamBus creates a Redis Streams bus.
func NewRedisStreamBus(client redis.UniversalClient, cfg RedisStreamConfig) (*RedisStreamBus, error) {
	if client == nil {
		return nil, fmt.Errorf("transport: redis client cannot be nil")
	}
	if cfg.Consumer == "" {
		return nil, fmt.Errorf("transport: redis consumer name cannot be empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = time.Second
	}
	return &RedisStreamBus{client: client, cfg: cfg}, nil
}

func (b *RedisStreamBus) stream(channel string) string {
	return b.cfg.Prefix + channel
}

// DeadLetterStream names the dead-letter stream of channel.
func (b *RedisStreamBus) DeadLetterStream(channel string) string {
	return b.stream(channel) + ":dead"
}

// Publish appends payload to the channel stream.
func (b *RedisStreamBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("transport: channel cannot be empty")
	}
	args := &redis.XAddArgs{
		Stream: b.stream(channel),
		Values: map[string]interface{}{
			streamFieldKey:  key,
			streamFieldData: string(payload),
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("transport: xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Subscribe creates the consumer group when missing and joins it.
func (b *RedisStreamBus) Subscribe(ctx context.Context, channel, group string) (Subscription, error) {
	if channel == "" || group == "" {
		return nil, fmt.Errorf("transport: channel and group are required")
	}
	stream := b.stream(channel)
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("transport: create group %s on %s: %w", group, stream, err)
	}
	return &redisSubscription{
		bus:     b,
		channel: channel,
		stream:  stream,
		group:   group,
		done:    make(chan struct{}),
	}, nil
}

// Close is a no-op; the caller owns the redis client.
func (b *RedisStreamBus) Close() error {
	return nil
}

type redisSubscription struct {
	bus         *RedisStreamBus
	channel     string
	stream      string
	group       string
	buffered    []Message
	lastReclaim time.Time
	mu          sync.Mutex
	done        chan struct{}
	once        sync.Once
}

func (s *redisSubscription) Next(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.buffered) > 0 {
			msg := s.buffered[0]
			s.buffered = s.buffered[1:]
			return &redisDelivery{sub: s, msg: msg}, nil
		}
		if time.Since(s.lastReclaim) >= s.bus.cfg.ReclaimInterval {
			s.lastReclaim = time.Now()
			if err := s.reclaim(ctx); err != nil {
				return nil, err
			}
			if len(s.buffered) > 0 {
				continue
			}
		}
		if err := s.read(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *redisSubscription) read(ctx context.Context) error {
	results, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.bus.cfg.Consumer,
		Streams:  []string{s.stream, ">"},
		Count:    int64(s.bus.cfg.BatchSize),
		Block:    s.bus.cfg.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("transport: xreadgroup %s: %w", s.stream, err)
	}
	for _, result := range results {
		for _, m := range result.Messages {
			s.buffered = append(s.buffered, s.toMessage(m, 1))
		}
	}
	return nil
}

// reclaim claims deliveries left pending past ClaimMinIdle, dead-lettering
// the ones that used up MaxDeliveries.
func (s *redisSubscription) reclaim(ctx context.Context) error {
	cfg := s.bus.cfg
	pending, err := s.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  int64(cfg.BatchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("transport: xpending %s: %w", s.stream, err)
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Idle < cfg.ClaimMinIdle {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := s.bus.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: cfg.Consumer,
		MinIdle:  cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("transport: xclaim %s: %w", s.stream, err)
	}
	for _, m := range claimed {
		count := deliveries[m.ID]
		if cfg.MaxDeliveries > 0 && count >= int64(cfg.MaxDeliveries) {
			if err := s.deadLetter(ctx, m, count); err != nil {
				return err
			}
			continue
		}
		s.buffered = append(s.buffered, s.toMessage(m, int(count)+1))
	}
	return nil
}

func (s *redisSubscription) deadLetter(ctx context.Context, m redis.XMessage, deliveries int64) error {
	values := make(map[string]interface{}, len(m.Values)+2)
	for k, v := range m.Values {
		values[k] = v
	}
	values["origin_id"] = m.ID
	values["deliveries"] = deliveries
	dead := s.bus.DeadLetterStream(s.channel)
	if err := s.bus.client.XAdd(ctx, &redis.XAddArgs{Stream: dead, Values: values}).Err(); err != nil {
		return fmt.Errorf("transport: xadd %s: %w", dead, err)
	}
	if err := s.bus.client.XAck(ctx, s.stream, s.group, m.ID).Err(); err != nil {
		return fmt.Errorf("transport: xack %s: %w", s.stream, err)
	}
	return nil
}

func (s *redisSubscription) toMessage(m redis.XMessage, attempt int) Message {
	msg := Message{
		ID:        m.ID,
		Channel:   s.channel,
		Attempt:   attempt,
		Timestamp: streamIDTime(m.ID),
	}
	if key, ok := m.Values[streamFieldKey].(string); ok {
		msg.Key = key
	}
	if data, ok := m.Values[streamFieldData].(string); ok {
		msg.Payload = []byte(data)
	}
	return msg
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type redisDelivery struct {
	sub *redisSubscription
	msg Message
}

func (d *redisDelivery) Message() Message {
	return d.msg
}

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.sub.bus.client.XAck(ctx, d.sub.stream, d.sub.group, d.msg.ID).Err(); err != nil {
		return fmt.Errorf("transport: xack %s: %w", d.sub.stream, err)
	}
	return nil
}

// Nack leaves the entry pending; it is claimed again after ClaimMinIdle.
func (d *redisDelivery) Nack(context.Context) error {
	return nil
}

// streamIDTime extracts the millisecond timestamp from a stream entry id.
func streamIDTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}
