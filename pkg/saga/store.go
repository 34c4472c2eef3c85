package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ListFilter controls saga list queries.
type ListFilter struct {
	Status Status
	// Unresolved keeps only sagas flagged with an unresolved compensation.
	Unresolved bool
	// UpdatedBefore keeps only sagas whose last transition is older.
	UpdatedBefore time.Time
	// Unpublished keeps only sagas whose last commands were never marked published.
	Unpublished bool
	Limit       int
	Offset      int
}

// Matches reports whether a saga satisfies the filter.
func (f ListFilter) Matches(s *Saga) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Unresolved && !s.UnresolvedCompensation {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if f.Unpublished && s.PublishedAt != nil {
		return false
	}
	return true
}

// Store persists saga instances. Create and CompareAndSwap are the only write
// paths.
type Store interface {
	// Load returns ErrSagaNotFound when the saga does not exist.
	Load(ctx context.Context, sagaID string) (*Saga, error)
	// Create returns ErrSagaExists when the saga id is taken.
	Create(ctx context.Context, s *Saga) error
	// CompareAndSwap writes s only if the stored version equals expectedVersion,
	// otherwise it returns ErrVersionConflict.
	CompareAndSwap(ctx context.Context, s *Saga, expectedVersion int64) error
	List(ctx context.Context, filter ListFilter) ([]*Saga, int, error)
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

// NewMemoryStore creates an in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*Saga),
	}
}

// Load loads one saga by id.
func (s *MemoryStore) Load(_ context.Context, sagaID string) (*Saga, error) {
	s.mu.RLock()
	stored, ok := s.sagas[sagaID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSagaNotFound
	}
	return stored.Clone(), nil
}

// Create stores a new saga.
func (s *MemoryStore) Create(_ context.Context, saga *Saga) error {
	if saga == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[saga.ID]; ok {
		return ErrSagaExists
	}
	s.sagas[saga.ID] = saga.Clone()
	return nil
}

// CompareAndSwap replaces a saga if its stored version matches.
func (s *MemoryStore) CompareAndSwap(_ context.Context, saga *Saga, expectedVersion int64) error {
	if saga == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sagas[saga.ID]
	if !ok {
		return ErrSagaNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.sagas[saga.ID] = saga.Clone()
	return nil
}

// List lists sagas matching filter, oldest first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Saga, int, error) {
	s.mu.RLock()
	all := make([]*Saga, 0, len(s.sagas))
	for _, stored := range s.sagas {
		if !filter.Matches(stored) {
			continue
		}
		all = append(all, stored.Clone())
	}
	s.mu.RUnlock()

	sortSagas(all)
	page, total := paginate(all, filter.Limit, filter.Offset)
	return page, total, nil
}

func sortSagas(sagas []*Saga) {
	sort.Slice(sagas, func(i, j int) bool {
		if sagas[i].CreatedAt.Equal(sagas[j].CreatedAt) {
			return sagas[i].ID < sagas[j].ID
		}
		return sagas[i].CreatedAt.Before(sagas[j].CreatedAt)
	})
}

func paginate(all []*Saga, limit, offset int) ([]*Saga, int) {
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total
}
