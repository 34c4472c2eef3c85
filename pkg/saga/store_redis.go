package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore stores saga instances as JSON strings, guarding writes with
// WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed saga store.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = "sagaflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) dataKey(sagaID string) string {
	return s.keyPrefix + "saga:" + sagaID
}

func (s *RedisStore) statusKey(status Status) string {
	return s.keyPrefix + "saga:status:" + string(status)
}

func (s *RedisStore) allKey() string {
	return s.keyPrefix + "saga:all"
}

// Load loads one saga by id.
func (s *RedisStore) Load(ctx context.Context, sagaID string) (*Saga, error) {
	raw, err := s.client.Get(ctx, s.dataKey(sagaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	return decodeSaga(raw)
}

// Create stores a new saga.
func (s *RedisStore) Create(ctx context.Context, saga *Saga) error {
	if saga == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	data, err := json.Marshal(saga)
	if err != nil {
		return err
	}

	key := s.dataKey(saga.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrSagaExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.statusKey(saga.Status), saga.ID)
			pipe.SAdd(ctx, s.allKey(), saga.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrSagaExists
	}
	return err
}

// CompareAndSwap replaces a saga if its stored version matches.
func (s *RedisStore) CompareAndSwap(ctx context.Context, saga *Saga, expectedVersion int64) error {
	if saga == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	data, err := json.Marshal(saga)
	if err != nil {
		return err
	}

	key := s.dataKey(saga.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSagaNotFound
			}
			return err
		}
		previous, err := decodeSaga(raw)
		if err != nil {
			return err
		}
		if previous.Version != expectedVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if previous.Status != saga.Status {
				pipe.SRem(ctx, s.statusKey(previous.Status), saga.ID)
				pipe.SAdd(ctx, s.statusKey(saga.Status), saga.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// List lists sagas matching filter. A status filter reads the status set.
func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]*Saga, int, error) {
	indexKey := s.allKey()
	if filter.Status != "" {
		indexKey = s.statusKey(filter.Status)
	}
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list saga ids: %w", err)
	}
	if len(ids) == 0 {
		return []*Saga{}, 0, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.dataKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("load sagas: %w", err)
	}

	sagas := make([]*Saga, 0, len(values))
	for i, value := range values {
		// Nil means the record went away after SMEMBERS.
		raw, ok := value.(string)
		if !ok {
			continue
		}
		saga, err := decodeSaga([]byte(raw))
		if err != nil {
			return nil, 0, fmt.Errorf("saga %s: %w", ids[i], err)
		}
		if filter.Matches(saga) {
			sagas = append(sagas, saga)
		}
	}

	sortSagas(sagas)
	page, total := paginate(sagas, filter.Limit, filter.Offset)
	return page, total, nil
}

func decodeSaga(raw []byte) (*Saga, error) {
	var saga Saga
	if err := json.Unmarshal(raw, &saga); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	return &saga, nil
}
