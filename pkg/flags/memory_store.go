package flags

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore. It backs tests and local runs without a database.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*FeatureFlag
	history []*HistoryEntry
	now     func() time.Time

	// FailWith, when set, makes every call fail with this error
	FailWith error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*FeatureFlag),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) findKey(key string) *FeatureFlag {
	for _, f := range s.byID {
		if f.Key == key {
			return f
		}
	}
	return nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context) ([]*FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, classify("flags.List", s.FailWith)
	}

	out := make([]*FeatureFlag, 0, len(s.byID))
	for _, f := range s.byID {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// GetByID implements Store
func (s *MemoryStore) GetByID(_ context.Context, id string) (*FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, classify("flags.GetByID", s.FailWith)
	}
	f, ok := s.byID[id]
	if !ok {
		return nil, notFound("flags.GetByID")
	}
	return f.Clone(), nil
}

// GetByKey implements Store
func (s *MemoryStore) GetByKey(_ context.Context, key string) (*FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, classify("flags.GetByKey", s.FailWith)
	}
	f := s.findKey(key)
	if f == nil {
		return nil, notFound("flags.GetByKey")
	}
	return f.Clone(), nil
}

// Create implements Store
func (s *MemoryStore) Create(_ context.Context, flag *FeatureFlag, actor string) (*FeatureFlag, error) {
	const op = "flags.Create"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, classify(op, s.FailWith)
	}

	created, history, err := prepareCreate(flag, actor, s.now())
	if err != nil {
		return nil, err
	}
	if s.findKey(created.Key) != nil {
		return nil, duplicateKey(op)
	}

	s.byID[created.ID] = created
	s.history = append(s.history, history)
	return created.Clone(), nil
}

// Update implements Store
func (s *MemoryStore) Update(_ context.Context, id string, patch Patch, actor, reason string) (*FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate("flags.Update", s.byID[id], patch, actor, reason)
}

// SetEnabled implements Store
func (s *MemoryStore) SetEnabled(_ context.Context, key string, enabled bool, actor, reason string) (*FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate("flags.SetEnabled", s.findKey(key), Patch{IsEnabled: &enabled}, actor, reason)
}

func (s *MemoryStore) mutate(op string, current *FeatureFlag, patch Patch, actor, reason string) (*FeatureFlag, error) {
	if s.FailWith != nil {
		return nil, classify(op, s.FailWith)
	}
	if current == nil {
		return nil, notFound(op)
	}

	m, err := planUpdate(current, patch, actor, reason, s.now())
	if err != nil {
		return nil, err
	}
	s.byID[current.ID] = m.updated
	s.history = append(s.history, m.history)
	return m.updated.Clone(), nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id, actor, reason string) (*FeatureFlag, error) {
	const op = "flags.Delete"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, classify(op, s.FailWith)
	}

	current, ok := s.byID[id]
	if !ok {
		return nil, notFound(op)
	}
	history, err := newHistoryEntry(current.ID, ChangeDeleted, current, nil, actor, reason, s.now())
	if err != nil {
		return nil, err
	}
	s.history = append(s.history, history)
	delete(s.byID, id)
	return current.Clone(), nil
}

// History implements Store
func (s *MemoryStore) History(_ context.Context, id string, limit int) ([]*HistoryEntry, error) {
	const op = "flags.History"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, classify(op, s.FailWith)
	}

	limit = clampHistoryLimit(limit)
	out := []*HistoryEntry{}
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if h := s.history[i]; h.FlagID == id {
			cp := *h
			out = append(out, &cp)
		}
	}
	if len(out) == 0 {
		return nil, notFound(op)
	}
	return out, nil
}
