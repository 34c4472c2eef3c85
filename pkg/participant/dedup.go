package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Dedup remembers the result event produced for each command key.
type Dedup interface {
	// Load returns the stored event for key, if any.
	Load(ctx context.Context, key string) (saga.Event, bool, error)
	// Store records event under key unless a record exists. It returns the
	// event that is stored after the call, which is the earlier one when
	// two deliveries race.
	Store(ctx context.Context, key string, event saga.Event) (saga.Event, error)
}

// MemoryDedup is an in-process Dedup.
type MemoryDedup struct {
	mu     sync.Mutex
	events map[string]saga.Event
}

// NewMemoryDedup creates an empty in-memory dedup store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{events: make(map[string]saga.Event)}
}

// Load returns the event stored under key.
func (d *MemoryDedup) Load(_ context.Context, key string) (saga.Event, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	event, ok := d.events[key]
	return event, ok, nil
}

// Store keeps the first event recorded under key and returns it.
func (d *MemoryDedup) Store(_ context.Context, key string, event saga.Event) (saga.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.events[key]; ok {
		return existing, nil
	}
	d.events[key] = event
	return event, nil
}

// RedisDedup keeps results in Redis with SETNX and a TTL.
type RedisDedup struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDedup creates a Redis-backed dedup store. A zero ttl keeps
// records forever.
func NewRedisDedup(client redis.UniversalClient, keyPrefix string, ttl time.Duration) (*RedisDedup, error) {
	if client == nil {
		return nil, fmt.Errorf("participant: redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = "sagaflow:dedup:"
	}
	return &RedisDedup{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (d *RedisDedup) key(key string) string {
	return d.keyPrefix + key
}

// Load reads and decodes the event stored under key.
func (d *RedisDedup) Load(ctx context.Context, key string) (saga.Event, bool, error) {
	raw, err := d.client.Get(ctx, d.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return saga.Event{}, false, nil
	}
	if err != nil {
		return saga.Event{}, false, fmt.Errorf("participant: load dedup %s: %w", key, err)
	}
	var event saga.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return saga.Event{}, false, fmt.Errorf("participant: decode dedup %s: %w", key, err)
	}
	return event, true, nil
}

// Store writes event with SETNX. When the key is taken it returns the
// event already stored.
func (d *RedisDedup) Store(ctx context.Context, key string, event saga.Event) (saga.Event, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return saga.Event{}, fmt.Errorf("participant: encode dedup %s: %w", key, err)
	}
	stored, err := d.client.SetNX(ctx, d.key(key), raw, d.ttl).Result()
	if err != nil {
		return saga.Event{}, fmt.Errorf("participant: store dedup %s: %w", key, err)
	}
	if stored {
		return event, nil
	}
	existing, ok, err := d.Load(ctx, key)
	if err != nil {
		return saga.Event{}, err
	}
	if !ok {
		return event, nil
	}
	return existing, nil
}
