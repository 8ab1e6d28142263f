// Package logger prefixes standard log lines with request and trace ids taken
// from the context.
package logger

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type requestIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func Printf(ctx context.Context, format string, args ...any) {
	log.Print(Prefix(ctx) + fmt.Sprintf(format, args...))
}

// Prefix renders "[request_id=.. trace_id=.. span_id=..] " or "" when the
// context carries none of them.
func Prefix(ctx context.Context) string {
	var parts []string
	if id := RequestID(ctx); id != "" {
		parts = append(parts, "request_id="+id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		parts = append(parts, "trace_id="+sc.TraceID().String(), "span_id="+sc.SpanID().String())
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " ") + "] "
}
