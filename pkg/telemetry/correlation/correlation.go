package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type idKey struct{}

// ID returns the correlation ID carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(idKey{}).(string); ok {
		return val
	}
	return ""
}

// WithID returns ctx carrying id. An empty id leaves ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, idKey{}, id)
}

// Ensure returns ctx with a correlation ID, minting a ULID when none is set.
// HTTP requests, worker executions and scheduled runs each start one.
func Ensure(ctx context.Context) (context.Context, string) {
	id := ID(ctx)
	if id == "" {
		id = ulid.Make().String()
	}
	return WithID(ctx, id), id
}

// WithRemoteSpan seeds ctx with the caller's span when both ids are valid hex.
func WithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}

	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	return trace.ContextWithSpanContext(ctx, parent)
}

// Fields returns the log fields that tie a line to its request or execution.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id := ID(ctx); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	return fields
}

// Logger returns logger annotated with Fields(ctx).
func Logger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := Fields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
