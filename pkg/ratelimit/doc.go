// Package ratelimit throttles the unauthenticated feature-flag evaluation
// endpoint.
//
// # Overview
//
// Limits are fixed windows keyed by caller (client IP by default). A
// single-instance deployment counts in memory; with Redis configured every
// console instance shares the same counters.
//
//	limiter := ratelimit.NewRedisLimiter(client, ratelimit.Config{
//	    Requests: 600,
//	    Window:   time.Minute,
//	}, "ratelimit:evaluate")
//	mw := ratelimit.Middleware(limiter, "evaluate", ratelimit.ByClientIP, logger, metrics)
//
// # Failure Mode
//
// A limiter that cannot reach its backend lets the request through. Flag
// evaluation already fails closed on its own, and an unreachable Redis must
// not take the product surface down with it.
//
// # Response Headers
//
// Every decided request carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset. Rejected requests get 429 with Retry-After.
package ratelimit
