package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
	"github.com/dangsayz/12img.com-sub003/pkg/storage/postgres"
)

// Store is the durable record of flags and their history. Every mutation
// writes its history entry atomically with the change, except Delete, which
// commits the history entry first.
type Store interface {
	List(ctx context.Context) ([]*FeatureFlag, error)
	GetByID(ctx context.Context, id string) (*FeatureFlag, error)
	GetByKey(ctx context.Context, key string) (*FeatureFlag, error)

	// Create inserts a new flag stamped with actor and records a created entry
	Create(ctx context.Context, flag *FeatureFlag, actor string) (*FeatureFlag, error)

	// Update applies patch under a row lock and records one history entry
	Update(ctx context.Context, id string, patch Patch, actor, reason string) (*FeatureFlag, error)

	// SetEnabled flips is_enabled on the flag with key
	SetEnabled(ctx context.Context, key string, enabled bool, actor, reason string) (*FeatureFlag, error)

	// Delete removes the flag and returns its final snapshot
	Delete(ctx context.Context, id, actor, reason string) (*FeatureFlag, error)

	// History returns up to limit entries for a flag, newest first. It keeps
	// working after the flag is deleted.
	History(ctx context.Context, id string, limit int) ([]*HistoryEntry, error)
}

// History limits
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// StoreOptions bounds datastore calls
type StoreOptions struct {
	QueryTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 20 * time.Millisecond
	}
	return o
}

// mutation is the outcome of applying a patch to the current row
type mutation struct {
	updated *FeatureFlag
	history *HistoryEntry
}

func planUpdate(current *FeatureFlag, patch Patch, actor, reason string, now time.Time) (*mutation, error) {
	updated := patch.Apply(current)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = now
	updated.UpdatedBy = optionalString(actor)

	change := ChangeUpdated
	if patch.OnlyEnabled() {
		change = ChangeDisabled
		if *patch.IsEnabled {
			change = ChangeEnabled
		}
	}

	history, err := newHistoryEntry(current.ID, change, current, patch, actor, reason, now)
	if err != nil {
		return nil, err
	}
	return &mutation{updated: updated, history: history}, nil
}

func prepareCreate(flag *FeatureFlag, actor string, now time.Time) (*FeatureFlag, *HistoryEntry, error) {
	created := flag.Clone()
	created.normalize()
	if err := created.Validate(); err != nil {
		return nil, nil, err
	}

	created.ID = uuid.NewString()
	created.IsEnabled = false
	created.CreatedAt = now
	created.UpdatedAt = now
	created.UpdatedBy = optionalString(actor)

	history, err := newHistoryEntry(created.ID, ChangeCreated, nil, created, actor, "", now)
	if err != nil {
		return nil, nil, err
	}
	return created, history, nil
}

func newHistoryEntry(flagID string, change ChangeType, oldValue, newValue interface{}, actor, reason string, now time.Time) (*HistoryEntry, error) {
	entry := &HistoryEntry{
		ID:         uuid.NewString(),
		FlagID:     flagID,
		ChangedBy:  optionalString(actor),
		ChangeType: change,
		Reason:     optionalString(reason),
		ChangedAt:  now,
	}

	var err error
	if oldValue != nil {
		if entry.OldValue, err = json.Marshal(oldValue); err != nil {
			return nil, fmt.Errorf("failed to marshal history old value: %w", err)
		}
	}
	if newValue != nil {
		if entry.NewValue, err = json.Marshal(newValue); err != nil {
			return nil, fmt.Errorf("failed to marshal history new value: %w", err)
		}
	}
	return entry, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classify maps datastore failures onto the error taxonomy. Exhausted
// retries are a conflict; other errors that already carry a kind pass
// through unchanged.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, postgres.ErrRetriesExhausted):
		return apperr.Conflict(op, err)
	case apperr.KindOf(err) != nil:
		return err
	case postgres.IsUniqueViolation(err):
		return duplicateKey(op)
	default:
		return apperr.Dependency(op, err)
	}
}

func duplicateKey(op string) error {
	return apperr.Validation(op, "key", "a flag with this key already exists")
}

func notFound(op string) error {
	return apperr.NotFound(op, "feature flag not found")
}
