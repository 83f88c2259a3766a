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

// OTelEmitter exports each event as an OpenTelemetry span.
//
// Spans are named after event.Msg and carry the session id, step and
// node plus all Meta entries as attributes under the "mediagraph"
// namespace. Events are points in time, so spans end immediately.
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("mediagraph"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a completed span. A Meta["error"] string
// sets the span status to error.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.addAttributes(span, event)

	if errText, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errText)
		span.RecordError(fmt.Errorf("%s", errText))
	}
}

// EmitBatch records many events under one context, letting the span
// processor batch the export.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.addAttributes(span, event)
		if errText, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errText)
			span.RecordError(fmt.Errorf("%s", errText))
		}
		span.End()
	}
	return nil
}

// Flush forces export of buffered spans. Call before shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("mediagraph.session_id", event.SessionID),
		attribute.Int("mediagraph.step", event.Step),
		attribute.String("mediagraph.node", event.Node),
	)

	for key, value := range event.Meta {
		attrKey := "mediagraph." + key
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
