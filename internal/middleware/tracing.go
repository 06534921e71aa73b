// Package middleware provides the HTTP middleware of the cross-app daemon.
package middleware

import (
	"net/http"

	"github.com/aesyros/align/internal/logging"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// TracingMiddleware assigns every request a trace id and tags its context
// with the hosting app.
type TracingMiddleware struct {
	app string
}

func NewTracingMiddleware(app string) *TracingMiddleware {
	return &TracingMiddleware{app: app}
}

// Handler reuses an incoming X-Trace-ID or generates one, and echoes it on
// the response.
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = logging.NewTraceID()
		}

		ctx := logging.WithTraceID(r.Context(), traceID)
		if m.app != "" {
			ctx = logging.WithApp(ctx, m.app)
		}
		w.Header().Set(TraceHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
