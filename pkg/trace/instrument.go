package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentGeneration creates a span covering one assistant turn.
func InstrumentGeneration(ctx context.Context, backend, model string, generationID uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, "chat.generation",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(GenerationAttrs(backend, model, generationID)...),
	)
}

// InstrumentTool creates a span for a tool invocation requested by the model.
func InstrumentTool(ctx context.Context, name string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("tool.%s", name),
		trace.WithAttributes(attribute.String(AttrToolName, name)),
	)
}

// InstrumentVideoPoll creates a span for one poll of a video operation.
func InstrumentVideoPoll(ctx context.Context, messageID, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, "chat.video.poll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrMessageID, messageID),
			attribute.String("video.operation", operation),
		),
	)
}

// InstrumentCallNegotiation creates a span for the offer/answer exchange.
func InstrumentCallNegotiation(ctx context.Context, role, peer string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("call.%s", role),
		trace.WithAttributes(CallAttrs(role, peer)...),
	)
}

// InstrumentCallStateChange records a call state transition as a short span.
func InstrumentCallStateChange(ctx context.Context, from, to string) {
	_, span := StartSpan(ctx, "call.state_change",
		trace.WithAttributes(
			attribute.String("call.old_state", from),
			attribute.String(AttrCallState, to),
		),
	)
	span.End()
}

// InstrumentLiveSession creates a span covering a live conversation.
func InstrumentLiveSession(ctx context.Context, model string) (context.Context, trace.Span) {
	return StartSpan(ctx, "live.session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(AttrLiveModel, model)),
	)
}

// InstrumentSignaling creates a span for a request handled by the hub.
func InstrumentSignaling(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signaling.%s", op),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrSignalingOp, op),
			attribute.String(AttrSignalingKey, key),
		),
	)
}
