// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// SubjectKey contains the external principal ID string
	// Set by: auth.Middleware (pkg/auth/middleware.go)
	// Required by: rbac.DirectoryResolver
	// Type: string
	SubjectKey Key = "external_subject"

	// PrincipalKey contains the *rbac.Principal resolved for this request
	// Set by: rbac.RequireCapability middleware (pkg/rbac/middleware.go)
	// Used by: rbac.Guard (avoids a second directory lookup)
	// Type: *rbac.Principal
	PrincipalKey Key = "principal"

	// RequestInfoKey contains the caller's network provenance
	// Set by: audit.Middleware (pkg/audit/middleware.go)
	// Used by: audit.Recorder
	// Type: audit.RequestInfo
	RequestInfoKey Key = "request_info"

	// RequestIDKey contains request ID string (UUID)
	// Set by: audit.Middleware
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: cmd/console request middleware
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithSubject adds the external principal ID to the context
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// GetSubject retrieves the external principal ID from context
func GetSubject(ctx context.Context) string {
	if subject, ok := ctx.Value(SubjectKey).(string); ok {
		return subject
	}
	return ""
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
