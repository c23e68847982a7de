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

// OTelEmitter implements Emitter by creating an OpenTelemetry span per
// event.
//
// Each span carries:
//   - Name: the event type (step_started, workflow_completed, ...)
//   - Attributes: execution id, node id, step, milestone flag, and all
//     primitive Data fields
//   - Status: error when the event level is error
//
// Events are points in time, so spans are ended immediately; the batch
// span processor of the configured provider handles export.
//
// Usage:
//
//	tracer := otel.Tracer("sageflow")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter producing spans on the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span describing the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()
	o.annotate(span, event)
}

// EmitBatch creates spans for several events in one pass. The span
// processor batches the export.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, string(event.Type))
		o.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush forces export of pending spans on the globally registered
// provider. Call before shutdown so buffered spans are not lost.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("sageflow.execution_id", event.ExecutionID),
		attribute.String("sageflow.node_id", event.NodeID),
		attribute.Int("sageflow.step", event.Step),
		attribute.Bool("sageflow.milestone", event.Milestone),
	)
	if event.Duration > 0 {
		span.SetAttributes(attribute.Int64("sageflow.duration_ms", event.Duration.Milliseconds()))
	}
	if event.Message != "" {
		span.SetAttributes(attribute.String("sageflow.message", event.Message))
	}

	for key, value := range event.Data {
		attrKey := "sageflow." + key
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
			span.SetAttributes(attribute.Int64(attrKey+"_ms", v.Milliseconds()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}

	if event.Level == LevelError {
		span.SetStatus(codes.Error, event.Message)
		span.RecordError(fmt.Errorf("%s", event.Message))
	}
}
