package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Badger key layout. Records and index entries live under disjoint prefixes
// so no saga id can collide with an index key.
//
//	s/<sagaID>             JSON-encoded Saga
//	i/<status>/<sagaID>    empty marker, one per saga
var (
	badgerRecordPrefix = []byte("s/")
	badgerIndexPrefix  = []byte("i/")
)

// BadgerStore keeps sagas in an embedded Badger database. Each write runs
// in one read-write transaction, so Badger's own conflict detection backs
// the version check when two writers race.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Load(ctx context.Context, sagaID string) (*Saga, error) {
	var out *Saga
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		out, err = readSaga(txn, sagaID)
		return err
	})
	return out, err
}

func (s *BadgerStore) Create(ctx context.Context, saga *Saga) error {
	return s.write(ctx, saga, ErrSagaExists, func(txn *badger.Txn) (*Saga, error) {
		switch _, err := txn.Get(badgerRecordKey(saga.ID)); {
		case err == nil:
			return nil, ErrSagaExists
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil, nil
		default:
			return nil, err
		}
	})
}

func (s *BadgerStore) CompareAndSwap(ctx context.Context, saga *Saga, expectedVersion int64) error {
	return s.write(ctx, saga, ErrVersionConflict, func(txn *badger.Txn) (*Saga, error) {
		prev, err := readSaga(txn, saga.ID)
		if err != nil {
			return nil, err
		}
		if prev.Version != expectedVersion {
			return nil, ErrVersionConflict
		}
		return prev, nil
	})
}

// write stores saga after check approves it. check returns the record being
// replaced, or nil for a new saga. A commit-time badger.ErrConflict is
// reported as onConflict.
func (s *BadgerStore) write(ctx context.Context, saga *Saga, onConflict error, check func(*badger.Txn) (*Saga, error)) error {
	if saga == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	data, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", saga.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, err := check(txn)
		if err != nil {
			return err
		}
		if err := txn.Set(badgerRecordKey(saga.ID), data); err != nil {
			return err
		}
		if prev != nil && prev.Status == saga.Status {
			return nil
		}
		if prev != nil {
			if err := txn.Delete(badgerIndexKey(prev.Status, saga.ID)); err != nil {
				return err
			}
		}
		return txn.Set(badgerIndexKey(saga.Status, saga.ID), nil)
	})
	if errors.Is(err, badger.ErrConflict) {
		return onConflict
	}
	return err
}

// List scans the status index when the filter names a status and every
// record otherwise. Remaining conditions are applied in memory.
func (s *BadgerStore) List(ctx context.Context, filter ListFilter) ([]*Saga, int, error) {
	var matched []*Saga
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := badgerIndexKey(filter.Status, "")
			return scanKeys(ctx, txn, prefix, false, func(item *badger.Item) error {
				saga, err := readSaga(txn, string(bytes.TrimPrefix(item.Key(), prefix)))
				if errors.Is(err, ErrSagaNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				if filter.Matches(saga) {
					matched = append(matched, saga)
				}
				return nil
			})
		}
		return scanKeys(ctx, txn, badgerRecordPrefix, true, func(item *badger.Item) error {
			var saga Saga
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &saga) }); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if filter.Matches(&saga) {
				matched = append(matched, &saga)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sortSagas(matched)
	page, total := paginate(matched, filter.Limit, filter.Offset)
	if page == nil {
		page = []*Saga{}
	}
	return page, total, nil
}

func scanKeys(ctx context.Context, txn *badger.Txn, prefix []byte, values bool, fn func(*badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

func readSaga(txn *badger.Txn, sagaID string) (*Saga, error) {
	item, err := txn.Get(badgerRecordKey(sagaID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}
	var saga Saga
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &saga) }); err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", sagaID, err)
	}
	return &saga, nil
}

func badgerRecordKey(sagaID string) []byte {
	return append(bytes.Clone(badgerRecordPrefix), sagaID...)
}

func badgerIndexKey(status Status, sagaID string) []byte {
	key := append(bytes.Clone(badgerIndexPrefix), string(status)...)
	key = append(key, '/')
	return append(key, sagaID...)
}
