package flags

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
)

const maxKeyLength = 100

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateKey checks the flag key naming rule: a lowercase letter followed
// by lowercase letters, digits or underscores.
func ValidateKey(key string) error {
	if key == "" {
		return apperr.Validation("flags.ValidateKey", "key", "key is required")
	}
	if len(key) > maxKeyLength {
		return apperr.Validation("flags.ValidateKey", "key", fmt.Sprintf("key must be at most %d characters", maxKeyLength))
	}
	if !keyPattern.MatchString(key) {
		return apperr.Validation("flags.ValidateKey", "key",
			"key must start with a lowercase letter and contain only lowercase letters, digits and underscores")
	}
	return nil
}

// Validate checks the invariants of a complete flag definition
func (f *FeatureFlag) Validate() error {
	const op = "flags.Validate"

	if err := ValidateKey(f.Key); err != nil {
		return err
	}
	if strings.TrimSpace(f.Name) == "" {
		return apperr.Validation(op, "name", "name is required")
	}
	if !f.FlagType.Valid() {
		return apperr.Validation(op, "flag_type", fmt.Sprintf("unknown flag type %q", f.FlagType))
	}
	if !f.Category.Valid() {
		return apperr.Validation(op, "category", fmt.Sprintf("unknown category %q", f.Category))
	}
	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return apperr.Validation(op, "rollout_percentage", "rollout percentage must be between 0 and 100")
	}
	if f.StartsAt != nil && f.EndsAt != nil && f.StartsAt.After(*f.EndsAt) {
		return apperr.Validation(op, "starts_at", "starts_at must not be after ends_at")
	}

	switch f.FlagType {
	case TypePlanBased:
		if len(f.TargetPlans) == 0 {
			return apperr.Validation(op, "target_plans", "plan_based flags need at least one target plan")
		}
	case TypeUserList:
		if len(f.TargetUserIDs) == 0 && len(f.TargetUserEmails) == 0 {
			return apperr.Validation(op, "target_user_ids", "user_list flags need at least one target user id or email")
		}
	case TypeDateRange:
		if f.StartsAt == nil && f.EndsAt == nil {
			return apperr.Validation(op, "starts_at", "date_range flags need starts_at or ends_at")
		}
	}
	return nil
}

// normalize trims and de-duplicates target sets and defaults the category
func (f *FeatureFlag) normalize() {
	f.Name = strings.TrimSpace(f.Name)
	f.TargetPlans = normalizeSet(f.TargetPlans, false)
	f.TargetUserIDs = normalizeSet(f.TargetUserIDs, false)
	f.TargetUserEmails = normalizeSet(f.TargetUserEmails, true)
	if f.Category == "" {
		f.Category = CategoryGeneral
	}
	if f.Description != nil && strings.TrimSpace(*f.Description) == "" {
		f.Description = nil
	}
}

// normalizeSet trims entries, drops blanks and duplicates, keeps first
// occurrence order and never returns nil.
// NormalizeEmail trims ASCII whitespace and lowercases ASCII letters only.
// feature_flag_matches applies the same rule, so both lookup paths compare
// identical bytes whatever the database locale.
func NormalizeEmail(email string) string {
	b := []byte(strings.Trim(email, " \t\r\n"))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func normalizeSet(values []string, email bool) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if email {
			v = NormalizeEmail(v)
		} else {
			v = strings.TrimSpace(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// NewFlag builds a normalized, disabled flag from the input
func (in CreateInput) NewFlag() *FeatureFlag {
	f := &FeatureFlag{
		Key:               strings.TrimSpace(in.Key),
		Name:              in.Name,
		Description:       clonePtr(in.Description),
		IsEnabled:         false,
		FlagType:          in.FlagType,
		RolloutPercentage: in.RolloutPercentage,
		TargetPlans:       in.TargetPlans,
		TargetUserIDs:     in.TargetUserIDs,
		TargetUserEmails:  in.TargetUserEmails,
		StartsAt:          clonePtr(in.StartsAt),
		EndsAt:            clonePtr(in.EndsAt),
		Category:          in.Category,
		IsKillswitch:      in.IsKillswitch,
	}
	f.normalize()
	return f
}

// Validate checks the patch on its own; the combined result is validated
// again once applied to the current flag.
func (p Patch) Validate() error {
	const op = "flags.Patch"

	if p.IsEmpty() {
		return apperr.Validation(op, "", "patch contains no changes")
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return apperr.Validation(op, "name", "name must not be empty")
	}
	if p.FlagType != nil && !p.FlagType.Valid() {
		return apperr.Validation(op, "flag_type", fmt.Sprintf("unknown flag type %q", *p.FlagType))
	}
	if p.Category != nil && !p.Category.Valid() {
		return apperr.Validation(op, "category", fmt.Sprintf("unknown category %q", *p.Category))
	}
	if p.RolloutPercentage != nil && (*p.RolloutPercentage < 0 || *p.RolloutPercentage > 100) {
		return apperr.Validation(op, "rollout_percentage", "rollout percentage must be between 0 and 100")
	}
	return nil
}

// Apply returns a copy of f with the patch applied and normalized
func (p Patch) Apply(f *FeatureFlag) *FeatureFlag {
	out := f.Clone()

	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description.Set {
		out.Description = p.Description.Ptr()
	}
	if p.IsEnabled != nil {
		out.IsEnabled = *p.IsEnabled
	}
	if p.FlagType != nil {
		out.FlagType = *p.FlagType
	}
	if p.RolloutPercentage != nil {
		out.RolloutPercentage = *p.RolloutPercentage
	}
	if p.TargetPlans != nil {
		out.TargetPlans = *p.TargetPlans
	}
	if p.TargetUserIDs != nil {
		out.TargetUserIDs = *p.TargetUserIDs
	}
	if p.TargetUserEmails != nil {
		out.TargetUserEmails = *p.TargetUserEmails
	}
	if p.StartsAt.Set {
		out.StartsAt = p.StartsAt.Ptr()
	}
	if p.EndsAt.Set {
		out.EndsAt = p.EndsAt.Ptr()
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.IsKillswitch != nil {
		out.IsKillswitch = *p.IsKillswitch
	}

	out.normalize()
	return out
}
