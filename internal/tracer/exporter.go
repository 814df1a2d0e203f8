package tracer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepaksharma/async-span-reporter/internal/model"
	"github.com/deepaksharma/async-span-reporter/internal/reporter"
)

// Exporter hands spans ended through the OpenTelemetry SDK to a Reporter.
type Exporter struct {
	reporter    *reporter.Reporter
	serviceName string
}

// Ensure the exporter implements the SDK interface
var _ sdktrace.SpanExporter = (*Exporter)(nil)

// NewExporter creates an exporter feeding r. serviceName is used for spans
// whose resource carries none.
func NewExporter(r *reporter.Reporter, serviceName string) *Exporter {
	return &Exporter{reporter: r, serviceName: serviceName}
}

// ExportSpans implements sdktrace.SpanExporter. It never fails; spans the
// reporter cannot take are counted as drops.
func (e *Exporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.reporter.Report(e.convert(s))
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter and drains the reporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.reporter.Shutdown(ctx)
}

func (e *Exporter) convert(s sdktrace.ReadOnlySpan) model.Span {
	sc := s.SpanContext()
	span := model.Span{
		TraceID:      sc.TraceID().String(),
		ID:           sc.SpanID().String(),
		Name:         s.Name(),
		Kind:         convertKind(s.SpanKind()),
		LocalService: e.serviceName,
		Start:        s.StartTime(),
		Duration:     s.EndTime().Sub(s.StartTime()),
	}
	if parent := s.Parent(); parent.IsValid() {
		span.ParentID = parent.SpanID().String()
	}
	if res := s.Resource(); res != nil {
		if v, ok := res.Set().Value(semconv.ServiceNameKey); ok && v.AsString() != "" {
			span.LocalService = v.AsString()
		}
	}

	attrs := s.Attributes()
	if len(attrs) > 0 || s.Status().Code == codes.Error {
		span.Tags = make(map[string]any, len(attrs)+1)
	}
	for _, kv := range attrs {
		span.Tags[string(kv.Key)] = attributeValue(kv.Value)
	}
	if status := s.Status(); status.Code == codes.Error {
		if status.Description != "" {
			span.Tags["error"] = status.Description
		} else {
			span.Tags["error"] = true
		}
	}

	for _, ev := range s.Events() {
		span.Events = append(span.Events, model.Event{Time: ev.Time, Name: ev.Name})
	}
	return span
}

func attributeValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	default:
		return v.Emit()
	}
}

func convertKind(k trace.SpanKind) model.Kind {
	switch k {
	case trace.SpanKindClient:
		return model.KindClient
	case trace.SpanKindServer:
		return model.KindServer
	case trace.SpanKindProducer:
		return model.KindProducer
	case trace.SpanKindConsumer:
		return model.KindConsumer
	default:
		return model.KindUnspecified
	}
}
