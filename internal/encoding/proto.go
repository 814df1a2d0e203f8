package encoding

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/deepaksharma/async-span-reporter/internal/model"
)

// ScopeName is the instrumentation scope stamped on OTLP spans.
const ScopeName = "github.com/deepaksharma/async-span-reporter"

// protoEncoder writes each span as a single-span OTLP TracesData message.
// TracesData holds only a repeated field, so concatenated messages parse as
// one message carrying every span.
type protoEncoder struct {
	marshaler   *ptrace.ProtoMarshaler
	unmarshaler *ptrace.ProtoUnmarshaler
}

func newProtoEncoder() protoEncoder {
	return protoEncoder{
		marshaler:   &ptrace.ProtoMarshaler{},
		unmarshaler: &ptrace.ProtoUnmarshaler{},
	}
}

func (protoEncoder) Encoding() Encoding { return Proto }

func (protoEncoder) ContentType() string { return "application/x-protobuf" }

func (e protoEncoder) Encode(span model.Span) (EncodedSpan, error) {
	if err := validate(span); err != nil {
		return nil, err
	}
	td, err := ToTraces(span)
	if err != nil {
		return nil, err
	}
	out, err := e.marshaler.MarshalTraces(td)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal span %s: %w", span.ID, err)
	}
	return out, nil
}

// SizeInBytes uses the pdata sizer, which computes the exact protobuf size
// without producing bytes.
func (e protoEncoder) SizeInBytes(span model.Span) int {
	td, err := ToTraces(span)
	if err != nil {
		// malformed spans are rejected at encode time; keep a nominal size
		return 64
	}
	return e.marshaler.TracesSize(td)
}

func (protoEncoder) MessageSize(_, spanBytes int) int {
	return spanBytes
}

func (protoEncoder) Envelope(spans []EncodedSpan) []byte {
	size := 0
	for _, s := range spans {
		size += s.Len()
	}
	out := make([]byte, 0, size)
	for _, s := range spans {
		out = append(out, s...)
	}
	return out
}

func (e protoEncoder) Decode(payload []byte) ([]model.Span, error) {
	td, err := e.unmarshaler.UnmarshalTraces(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal otlp traces: %w", err)
	}
	return FromTraces(td), nil
}

// ToTraces converts a span into a one-span pdata Traces.
func ToTraces(span model.Span) (ptrace.Traces, error) {
	traceID, err := traceIDFromHex(span.TraceID)
	if err != nil {
		return ptrace.Traces{}, err
	}
	spanID, err := spanIDFromHex(span.ID)
	if err != nil {
		return ptrace.Traces{}, err
	}

	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	if span.LocalService != "" {
		rs.Resource().Attributes().PutStr("service.name", span.LocalService)
	}
	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName(ScopeName)

	sp := ss.Spans().AppendEmpty()
	sp.SetTraceID(traceID)
	sp.SetSpanID(spanID)
	if span.ParentID != "" {
		parentID, err := spanIDFromHex(span.ParentID)
		if err != nil {
			return ptrace.Traces{}, err
		}
		sp.SetParentSpanID(parentID)
	}
	sp.SetName(span.Name)
	sp.SetKind(kindToProto(span.Kind))
	sp.SetStartTimestamp(pcommon.NewTimestampFromTime(span.Start))
	sp.SetEndTimestamp(pcommon.NewTimestampFromTime(span.Start.Add(span.Duration)))

	attrs := sp.Attributes()
	attrs.EnsureCapacity(len(span.Tags))
	for _, k := range span.SortedTagKeys() {
		switch v := span.Tags[k].(type) {
		case string:
			attrs.PutStr(k, v)
		case bool:
			attrs.PutBool(k, v)
		case int:
			attrs.PutInt(k, int64(v))
		case int64:
			attrs.PutInt(k, v)
		case float64:
			attrs.PutDouble(k, v)
		}
	}

	for _, ev := range span.SortedEvents() {
		pe := sp.Events().AppendEmpty()
		pe.SetTimestamp(pcommon.NewTimestampFromTime(ev.Time))
		pe.SetName(ev.Name)
	}
	return td, nil
}

// FromTraces flattens pdata Traces into spans. Trace ids whose upper 64 bits
// are zero come back as 16 hex characters.
func FromTraces(td ptrace.Traces) []model.Span {
	spans := make([]model.Span, 0, td.SpanCount())
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		service := ""
		if v, ok := rs.Resource().Attributes().Get("service.name"); ok {
			service = v.AsString()
		}

		ilss := rs.ScopeSpans()
		for j := 0; j < ilss.Len(); j++ {
			ps := ilss.At(j).Spans()
			for k := 0; k < ps.Len(); k++ {
				spans = append(spans, fromProtoSpan(ps.At(k), service))
			}
		}
	}
	return spans
}

func fromProtoSpan(sp ptrace.Span, service string) model.Span {
	start := sp.StartTimestamp().AsTime()
	spanID := sp.SpanID()
	s := model.Span{
		TraceID:      traceIDToHex(sp.TraceID()),
		ID:           hex.EncodeToString(spanID[:]),
		Name:         sp.Name(),
		Kind:         kindFromProto(sp.Kind()),
		LocalService: service,
		Start:        start,
		Duration:     sp.EndTimestamp().AsTime().Sub(start),
	}
	if parent := sp.ParentSpanID(); !parent.IsEmpty() {
		s.ParentID = hex.EncodeToString(parent[:])
	}
	if sp.Attributes().Len() > 0 {
		s.Tags = sp.Attributes().AsRaw()
	}
	events := sp.Events()
	for i := 0; i < events.Len(); i++ {
		ev := events.At(i)
		s.Events = append(s.Events, model.Event{Time: ev.Timestamp().AsTime(), Name: ev.Name()})
	}
	return s
}

func traceIDFromHex(id string) (pcommon.TraceID, error) {
	var out pcommon.TraceID
	raw, err := hex.DecodeString(padTo(id, 32))
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("invalid trace id %q", id)
	}
	copy(out[:], raw)
	return out, nil
}

func spanIDFromHex(id string) (pcommon.SpanID, error) {
	var out pcommon.SpanID
	raw, err := hex.DecodeString(padTo(id, 16))
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("invalid span id %q", id)
	}
	copy(out[:], raw)
	return out, nil
}

func traceIDToHex(id pcommon.TraceID) string {
	for _, b := range id[:8] {
		if b != 0 {
			return hex.EncodeToString(id[:])
		}
	}
	return hex.EncodeToString(id[8:])
}

func padTo(id string, width int) string {
	if len(id) >= width {
		return id
	}
	return strings.Repeat("0", width-len(id)) + id
}

func kindToProto(k model.Kind) ptrace.SpanKind {
	switch k {
	case model.KindClient:
		return ptrace.SpanKindClient
	case model.KindServer:
		return ptrace.SpanKindServer
	case model.KindProducer:
		return ptrace.SpanKindProducer
	case model.KindConsumer:
		return ptrace.SpanKindConsumer
	default:
		return ptrace.SpanKindUnspecified
	}
}

func kindFromProto(k ptrace.SpanKind) model.Kind {
	switch k {
	case ptrace.SpanKindClient:
		return model.KindClient
	case ptrace.SpanKindServer:
		return model.KindServer
	case ptrace.SpanKindProducer:
		return model.KindProducer
	case ptrace.SpanKindConsumer:
		return model.KindConsumer
	default:
		return model.KindUnspecified
	}
}
