// Package flags implements feature flag storage, evaluation and administration.
//
// # Model
//
// A FeatureFlag is identified externally by its key, which matches
// ^[a-z][a-z0-9_]*$ and never changes. Each flag has one targeting strategy:
//
//	boolean     on whenever enabled
//	percentage  on for a stable rollout_percentage share of user ids
//	plan_based  on for subjects whose plan is in target_plans
//	user_list   on for listed user ids or emails
//	date_range  on inside [starts_at, ends_at]
//
// A disabled flag is off for everyone, whatever its targeting says. Every
// state change appends an immutable HistoryEntry; deleting a flag keeps its
// history.
//
// # Evaluation
//
// Consumers use Client, which never fails:
//
//	if client.IsEnabled(ctx, "new_editor", user.ID, user.Plan, user.Email) {
//		// ...
//	}
//
// Percentage rollouts bucket users with the first four bytes of
// SHA-256(key + ":" + userID) modulo 10000. The bucket does not depend on
// the percentage, so raising it only ever adds users.
//
// Lookups run either inside PostgreSQL through evaluate_feature_flag(s) or
// in process through the Store and a FlagCache. SelectLookup probes for the
// stored functions once at startup; both paths return identical results.
//
// # Administration
//
// Service guards every operation with system.feature_flags, writes through
// the Store, invalidates the cache and records an audit entry. Flags are
// always created disabled.
package flags
