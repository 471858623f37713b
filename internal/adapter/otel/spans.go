package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "relaymind"

// StartSessionSpan starts a span covering one reason-act session.
func StartSessionSpan(ctx context.Context, sessionID, goal string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.goal", goal),
		),
	)
}

// StartTaskSpan starts a span for one workflow task execution.
func StartTaskSpan(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartToolCallSpan starts a span for a tool invocation.
func StartToolCallSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(attribute.String("toolcall.tool", tool)),
	)
}

// StartCompletionSpan starts a span for one provider completion attempt.
func StartCompletionSpan(ctx context.Context, providerID, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "completion",
		trace.WithAttributes(
			attribute.String("provider.id", providerID),
			attribute.String("provider.model", model),
		),
	)
}
