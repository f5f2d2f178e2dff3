package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
)

// MemoryStore is an in-process Store for tests and local runs
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry

	// FailWith, when set, makes Append fail with this error
	FailWith error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store
func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

// Entries returns a copy of everything appended, oldest first
func (s *MemoryStore) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Search implements Store
func (s *MemoryStore) Search(_ context.Context, q Query) (*Page, error) {
	q.Normalize()

	s.mu.RLock()
	var matched []*Entry
	for _, e := range s.entries {
		if q.matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := q.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return newPage(matched[start:end], total, q), nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("audit.Get", "audit log entry not found")
}

// DistinctValues implements Store
func (s *MemoryStore) DistinctValues(_ context.Context, field string) ([]string, error) {
	if _, ok := distinctColumns[field]; !ok {
		return nil, apperr.Validation("audit.DistinctValues", "field", "unsupported filter field")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	values := []string{}
	for _, e := range s.entries {
		var v string
		switch field {
		case "action":
			v = e.Action
		case "admin_id":
			v = e.AdminID
		case "target_type":
			v = e.TargetType
		}
		if v != "" && !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values, nil
}

func (q Query) matches(e *Entry) bool {
	switch {
	case q.Action != "" && e.Action != q.Action:
		return false
	case q.AdminID != "" && e.AdminID != q.AdminID:
		return false
	case q.TargetType != "" && e.TargetType != q.TargetType:
		return false
	case q.TargetID != "" && e.TargetID != q.TargetID:
		return false
	case q.From != nil && e.CreatedAt.Before(*q.From):
		return false
	case q.To != nil && e.CreatedAt.After(*q.To):
		return false
	}
	return true
}
