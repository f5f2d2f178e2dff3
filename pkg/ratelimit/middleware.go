package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// minRetryAfter keeps Retry-After at least one second
const minRetryAfter = time.Second

// KeyFunc maps a request to the key it is counted under
type KeyFunc func(*http.Request) string

// ByClientIP counts requests per client address
func ByClientIP(r *http.Request) string {
	return "ip:" + httputil.ClientIP(r)
}

// Middleware rejects requests over the limit with 429. Limiter errors let
// the request through.
func Middleware(limiter Limiter, scope string, key KeyFunc, logger *observability.Logger,
	metrics *observability.Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if key == nil {
		key = ByClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				metrics.RecordRateLimit(scope, "error")
				logger.WithError(err).WithField("scope", scope).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, decision)
			if !decision.Allowed {
				metrics.RecordRateLimit(scope, "limited")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.ResetIn)))
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}

			metrics.RecordRateLimit(scope, "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.ResetIn).Unix(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	if d < minRetryAfter {
		d = minRetryAfter
	}
	return int(math.Ceil(d.Seconds()))
}
