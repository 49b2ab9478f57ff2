// Package observability carries request- and entity-scoped loggers through
// context so the entity runtime and daemons correlate with the originating
// submit call.
package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// requestIDContextKey stores the originating request_id so background
// processing can correlate its logs with the submit request.
type requestIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID stores a non-empty request_id in the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext retrieves the request_id from the context, or an empty
// string when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey{}); v != nil {
		if rid, ok := v.(string); ok {
			return rid
		}
	}
	return ""
}

// WithJob returns a context whose logger carries job correlation fields.
// Entities call this once per message so every log line downstream names the
// job, tenant and entity without re-threading attrs by hand.
func WithJob(ctx context.Context, jobID, tenantID, entityID string) context.Context {
	lg := LoggerFromContext(ctx).With(
		slog.String("job_id", jobID),
		slog.String("tenant_id", tenantID),
		slog.String("entity_id", entityID),
	)
	if rid := RequestIDFromContext(ctx); rid != "" {
		lg = lg.With(slog.String("request_id", rid))
	}
	return ContextWithLogger(ctx, lg)
}
