// Package observability provides metrics and tracing for the replication runtime
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/ajitpratap0/nebula-pdk"

// Tracer returns the tracer of the current global provider. Without
// Initialize it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Span wraps an otel span with buffered attributes
type Span struct {
	span       trace.Span
	attributes []attribute.KeyValue
}

// StartSpan starts a span named after the plugin operation
func StartSpan(ctx context.Context, pluginID, operation string) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, fmt.Sprintf("%s.%s", pluginID, operation))
	s := &Span{span: span}
	s.SetAttribute("plugin.id", pluginID)
	s.SetAttribute("plugin.operation", operation)
	return ctx, s
}

// SetAttribute adds an attribute, flushed when the span ends
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Finish records err on the span and ends it
func (s *Span) Finish(err error) {
	if err != nil {
		s.span.SetStatus(codes.Error, err.Error())
		s.SetAttribute("error", true)
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// LoggerFor adds the trace and span ids in ctx to base
func LoggerFor(ctx context.Context, base *zap.Logger) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return base
	}
	return base.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
