package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "token_dispatched", "fanin_activated")
//   - Attributes: category, runID, seq, tokenID, nodeID, and all Meta fields
//   - Status: set to error if event.Meta["error"] exists
//
// Events represent points in time rather than durations, so spans are ended
// immediately; the batch span processor handles efficient export.
//
// Usage:
//
//	tracer := otel.Tracer("tokenflow-go")
//	emitter := emit.NewOTelEmitter(tracer)
//
//	emitter.Emit(Event{
//	    Category: CategoryOperation,
//	    RunID:    "run-001",
//	    TokenID:  "tok-1",
//	    Msg:      "token_dispatched",
//	})
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter.
//
// Parameters:
//   - tracer: OpenTelemetry tracer from otel.Tracer("service-name")
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an OpenTelemetry span for the event.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// EmitBatch creates spans for multiple events under one context.
//
// Batching amortizes tracer overhead and keeps related events temporally
// local in the span processor. All spans are ended immediately.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)

		o.addStandardAttributes(span, event)
		o.addMetadataAttributes(span, event.Meta)

		if err, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, err)
			span.RecordError(fmt.Errorf("%s", err))
		}

		span.End()
	}
	return nil
}

// Flush forces export of all pending spans.
//
// Calls ForceFlush on the global tracer provider when it supports flushing
// (the SDK provider does; the noop provider does not). Call before shutdown
// so buffered spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}

	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("tokenflow.category", string(event.Category)),
		attribute.String("tokenflow.run_id", event.RunID),
		attribute.Int64("tokenflow.seq", event.Seq),
		attribute.String("tokenflow.token_id", event.TokenID),
		attribute.String("tokenflow.node_id", event.NodeID),
	)
}

// addMetadataAttributes converts event metadata to span attributes.
//
// Handles common types directly (string, int, int64, float64, bool,
// time.Duration as milliseconds); everything else falls back to its string
// representation.
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	for key, value := range meta {
		attrKey := "tokenflow." + key

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
