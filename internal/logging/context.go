package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type objectiveCtxKey struct{}
type stateCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ObjectiveIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("objective.id", id))
	}
	if state := RunStateFromContext(ctx); state != "" {
		fields = append(fields, zap.String("run.state", state))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithObjectiveID tags ctx with the objective being evolved.
func WithObjectiveID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, objectiveCtxKey{}, id)
}

// ObjectiveIDFromContext returns the objective id, or "".
func ObjectiveIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(objectiveCtxKey{}).(string)
	return id
}

// WithRunState tags ctx with the current controller state.
func WithRunState(ctx context.Context, state string) context.Context {
	return context.WithValue(ctx, stateCtxKey{}, state)
}

// RunStateFromContext returns the controller state, or "".
func RunStateFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stateCtxKey{}).(string)
	return s
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
