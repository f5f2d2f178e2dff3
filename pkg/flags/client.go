package flags

import (
	"context"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// Client is the evaluation surface for consuming features. It never returns
// an error: every failure is logged, counted and reported as off.
type Client struct {
	lookup  Lookup
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewClient creates a client over the selected lookup
func NewClient(lookup Lookup, logger *observability.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Client{lookup: lookup, logger: logger, metrics: metrics}
}

// IsEnabled reports whether the flag with key is on for the given user.
// Any of userID, userPlan and userEmail may be empty.
func (c *Client) IsEnabled(ctx context.Context, key, userID, userPlan, userEmail string) (on bool) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordEvaluationError("panic")
			c.logger.WithError(observability.PanicError(r)).WithField("flag_key", key).Error("flag lookup panicked")
			on = false
		}
		c.metrics.RecordEvaluation(on)
	}()

	on, err := c.lookup.Evaluate(ctx, key, Subject{UserID: userID, UserPlan: userPlan, UserEmail: NormalizeEmail(userEmail)})
	if err != nil {
		c.metrics.RecordEvaluationError("lookup")
		observability.FromContext(ctx, c.logger).WithError(err).WithFields(map[string]interface{}{
			"flag_key": key,
			"path":     c.lookup.Name(),
		}).Warn("flag lookup failed, reporting off")
		return false
	}
	return on
}

// EvaluateKeys evaluates keys for subject in one round trip. Unknown keys
// and failures report off. With no keys, every defined flag is returned.
func (c *Client) EvaluateKeys(ctx context.Context, keys []string, subject Subject) (result map[string]bool) {
	result = make(map[string]bool, len(keys))
	for _, k := range keys {
		result[k] = false
	}

	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordEvaluationError("panic")
			c.logger.WithError(observability.PanicError(r)).Error("batch flag lookup panicked")
			for k := range result {
				result[k] = false
			}
		}
	}()

	subject.UserEmail = NormalizeEmail(subject.UserEmail)
	all, err := c.lookup.EvaluateAll(ctx, subject)
	if err != nil {
		c.metrics.RecordEvaluationError("lookup")
		observability.FromContext(ctx, c.logger).WithError(err).WithField("path", c.lookup.Name()).
			Warn("batch flag lookup failed, reporting off")
		return result
	}

	if len(keys) == 0 {
		for k, on := range all {
			result[k] = on
		}
	} else {
		for _, k := range keys {
			result[k] = all[k]
		}
	}
	for _, on := range result {
		c.metrics.RecordEvaluation(on)
	}
	return result
}
