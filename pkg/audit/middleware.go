package audit

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/dangsayz/12img.com-sub003/pkg/contextkeys"
	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
)

// RequestIDHeader carries the caller-supplied request ID
const RequestIDHeader = "X-Request-ID"

// Middleware captures the network provenance of every request so audit
// entries written while handling it can be attributed.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		info := RequestInfo{
			IPAddress: httputil.ClientIP(r),
			UserAgent: r.UserAgent(),
			RequestID: requestID,
		}

		ctx := WithRequestInfo(r.Context(), info)
		ctx = contextkeys.WithRequestID(ctx, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithRequestInfo stores provenance on the context
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, contextkeys.RequestInfoKey, info)
}

// RequestInfoFromContext returns the provenance stored by Middleware, or
// the zero value outside an HTTP request.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	if info, ok := ctx.Value(contextkeys.RequestInfoKey).(RequestInfo); ok {
		return info
	}
	return RequestInfo{}
}
