package flags

import (
	"encoding/json"
	"time"
)

// FlagType selects the targeting strategy of a flag
type FlagType string

// Flag types
const (
	TypeBoolean    FlagType = "boolean"
	TypePercentage FlagType = "percentage"
	TypePlanBased  FlagType = "plan_based"
	TypeUserList   FlagType = "user_list"
	TypeDateRange  FlagType = "date_range"
)

// Valid reports whether t is a known flag type
func (t FlagType) Valid() bool {
	switch t {
	case TypeBoolean, TypePercentage, TypePlanBased, TypeUserList, TypeDateRange:
		return true
	}
	return false
}

// Category groups flags for display
type Category string

// Categories
const (
	CategoryGeneral      Category = "general"
	CategoryUI           Category = "ui"
	CategoryBilling      Category = "billing"
	CategoryExperimental Category = "experimental"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryGeneral, CategoryUI, CategoryBilling, CategoryExperimental:
		return true
	}
	return false
}

// ChangeType classifies a history entry
type ChangeType string

// Change types
const (
	ChangeCreated  ChangeType = "created"
	ChangeEnabled  ChangeType = "enabled"
	ChangeDisabled ChangeType = "disabled"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
)

// FeatureFlag is the durable definition of a flag. Key is immutable once
// the flag exists and is the only identifier consumers should depend on.
type FeatureFlag struct {
	ID                string     `json:"id"`
	Key               string     `json:"key"`
	Name              string     `json:"name"`
	Description       *string    `json:"description,omitempty"`
	IsEnabled         bool       `json:"is_enabled"`
	FlagType          FlagType   `json:"flag_type"`
	RolloutPercentage int        `json:"rollout_percentage"`
	TargetPlans       []string   `json:"target_plans"`
	TargetUserIDs     []string   `json:"target_user_ids"`
	TargetUserEmails  []string   `json:"target_user_emails"`
	StartsAt          *time.Time `json:"starts_at,omitempty"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
	Category          Category   `json:"category"`
	IsKillswitch      bool       `json:"is_killswitch"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	UpdatedBy         *string    `json:"updated_by,omitempty"`
}

// Clone returns a deep copy of f
func (f *FeatureFlag) Clone() *FeatureFlag {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Description = clonePtr(f.Description)
	cp.StartsAt = clonePtr(f.StartsAt)
	cp.EndsAt = clonePtr(f.EndsAt)
	cp.UpdatedBy = clonePtr(f.UpdatedBy)
	cp.TargetPlans = append([]string{}, f.TargetPlans...)
	cp.TargetUserIDs = append([]string{}, f.TargetUserIDs...)
	cp.TargetUserEmails = append([]string{}, f.TargetUserEmails...)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// HistoryEntry is an immutable record of one flag state transition.
// OldValue is the full prior snapshot; NewValue is the requested change.
type HistoryEntry struct {
	ID         string          `json:"id"`
	FlagID     string          `json:"flag_id"`
	ChangedBy  *string         `json:"changed_by,omitempty"`
	ChangeType ChangeType      `json:"change_type"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	Reason     *string         `json:"reason,omitempty"`
	ChangedAt  time.Time       `json:"changed_at"`
}

// Subject is the user a flag is evaluated for. Any field may be empty.
type Subject struct {
	UserID    string `json:"user_id,omitempty"`
	UserPlan  string `json:"user_plan,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
}

// Nullable is a patch field with three states: absent (Set false),
// explicitly null (Set true, Valid false) and a value.
type Nullable[T any] struct {
	Set   bool
	Valid bool
	Value T
}

// Some returns a present, non-null value
func Some[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Valid: true, Value: v}
}

// Null returns an explicit null
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// IsZero reports absence, so `omitzero` drops unset fields when encoding
func (n Nullable[T]) IsZero() bool {
	return !n.Set
}

// Ptr returns the value as a pointer, nil when null or absent
func (n Nullable[T]) Ptr() *T {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// MarshalJSON implements json.Marshaler
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// UnmarshalJSON implements json.Unmarshaler. It only runs when the field is
// present in the input, which is what marks it Set.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if string(data) == "null" {
		n.Valid = false
		var zero T
		n.Value = zero
		return nil
	}
	if err := json.Unmarshal(data, &n.Value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// Patch is a partial update. Pointer fields are absent when nil; Nullable
// fields can additionally be cleared. Key is deliberately absent: keys are
// immutable.
type Patch struct {
	Name              *string             `json:"name,omitempty"`
	Description       Nullable[string]    `json:"description,omitzero"`
	IsEnabled         *bool               `json:"is_enabled,omitempty"`
	FlagType          *FlagType           `json:"flag_type,omitempty"`
	RolloutPercentage *int                `json:"rollout_percentage,omitempty"`
	TargetPlans       *[]string           `json:"target_plans,omitempty"`
	TargetUserIDs     *[]string           `json:"target_user_ids,omitempty"`
	TargetUserEmails  *[]string           `json:"target_user_emails,omitempty"`
	StartsAt          Nullable[time.Time] `json:"starts_at,omitzero"`
	EndsAt            Nullable[time.Time] `json:"ends_at,omitzero"`
	Category          *Category           `json:"category,omitempty"`
	IsKillswitch      *bool               `json:"is_killswitch,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// OnlyEnabled reports whether the patch touches is_enabled and nothing else
func (p Patch) OnlyEnabled() bool {
	return p.IsEnabled != nil && p == Patch{IsEnabled: p.IsEnabled}
}

// CreateInput is the administrator's request to create a flag
type CreateInput struct {
	Key               string     `json:"key"`
	Name              string     `json:"name"`
	Description       *string    `json:"description,omitempty"`
	FlagType          FlagType   `json:"flag_type"`
	RolloutPercentage int        `json:"rollout_percentage"`
	TargetPlans       []string   `json:"target_plans,omitempty"`
	TargetUserIDs     []string   `json:"target_user_ids,omitempty"`
	TargetUserEmails  []string   `json:"target_user_emails,omitempty"`
	StartsAt          *time.Time `json:"starts_at,omitempty"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
	Category          Category   `json:"category,omitempty"`
	IsKillswitch      bool       `json:"is_killswitch"`

	// IsEnabled is accepted for compatibility and ignored: flags are
	// always created disabled.
	IsEnabled bool `json:"is_enabled,omitempty"`
}
