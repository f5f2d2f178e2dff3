package flags

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// BucketCount is the resolution of percentage rollouts: one bucket per
// basis point.
const BucketCount = 10000

var (
	errNilFlag     = errors.New("flag is nil")
	errUnknownType = errors.New("unknown flag type")
)

// Bucket maps (key, userID) to [0, BucketCount). The value does not depend
// on the rollout percentage, so raising the percentage only adds users.
func Bucket(key, userID string) int {
	sum := sha256.Sum256([]byte(key + ":" + userID))
	return int(binary.BigEndian.Uint32(sum[:4]) % BucketCount)
}

// InRollout reports whether userID falls inside a percentage rollout
func InRollout(key, userID string, percentage int) bool {
	if userID == "" || percentage <= 0 {
		return false
	}
	return Bucket(key, userID) < percentage*(BucketCount/100)
}

// Decide runs the decision procedure and reports internal errors instead of
// hiding them. Callers that must never fail use Evaluate.
func Decide(flag *FeatureFlag, subject Subject, now time.Time) (bool, error) {
	if flag == nil {
		return false, errNilFlag
	}
	if !flag.IsEnabled {
		return false, nil
	}
	if flag.StartsAt != nil && now.Before(*flag.StartsAt) {
		return false, nil
	}
	if flag.EndsAt != nil && now.After(*flag.EndsAt) {
		return false, nil
	}

	switch flag.FlagType {
	case TypeBoolean, TypeDateRange:
		return true, nil
	case TypePercentage:
		return InRollout(flag.Key, subject.UserID, flag.RolloutPercentage), nil
	case TypePlanBased:
		return subject.UserPlan != "" && contains(flag.TargetPlans, subject.UserPlan), nil
	case TypeUserList:
		if subject.UserID != "" && contains(flag.TargetUserIDs, subject.UserID) {
			return true, nil
		}
		email := NormalizeEmail(subject.UserEmail)
		return email != "" && contains(flag.TargetUserEmails, email), nil
	default:
		return false, fmt.Errorf("%w %q", errUnknownType, flag.FlagType)
	}
}

// Evaluate decides whether flag is on for subject at now. It is fail-closed:
// any internal error or panic yields false.
func Evaluate(flag *FeatureFlag, subject Subject, now time.Time) (on bool) {
	defer func() {
		if r := recover(); r != nil {
			on = false
		}
	}()

	on, err := Decide(flag, subject, now)
	if err != nil {
		return false
	}
	return on
}

// evaluateLogged is Evaluate with the failure reason recorded
func evaluateLogged(flag *FeatureFlag, subject Subject, now time.Time, logger *observability.Logger, metrics *observability.Metrics) (on bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEvaluationError("panic")
			logger.WithError(observability.PanicError(r)).Error("flag evaluation panicked")
			on = false
		}
	}()

	on, err := Decide(flag, subject, now)
	if err != nil {
		metrics.RecordEvaluationError("malformed_flag")
		logger.WithError(err).WithField("flag_key", flagKey(flag)).Warn("flag evaluation failed")
		return false
	}
	return on
}

func flagKey(flag *FeatureFlag) string {
	if flag == nil {
		return ""
	}
	return flag.Key
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
