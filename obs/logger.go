// Package obs carries the observability surface: structured logging with
// secret redaction, request-id propagation, and Prometheus metrics.
package obs

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const requestIDKey ctxKey = iota

// redactedKeys are attribute-name fragments whose values never reach a log
// sink. The prompt is user content and is treated as sensitive too.
var redactedKeys = []string{
	"secret", "token", "password", "api_key", "apikey",
	"authorization", "cookie", "signature", "prompt",
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	lower := strings.ToLower(a.Key)
	for _, k := range redactedKeys {
		if strings.Contains(lower, k) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// NewLogger builds the process logger. Production gets JSON lines, every
// other environment human-readable text; both redact sensitive attributes.
func NewLogger(env string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// WithRequestID stores a request id on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id on ctx, or empty.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LoggerWithRequestID attaches the context's request id to a logger.
func LoggerWithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RequestIDFrom(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}
