package encoding

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/deepaksharma/async-span-reporter/internal/model"
)

// sonic.ConfigStd sorts map keys, so identical spans give identical bytes.
var jsonAPI = sonic.ConfigStd

type jsonEndpoint struct {
	ServiceName string `json:"serviceName,omitempty"`
}

type jsonAnnotation struct {
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"`
}

// jsonSpan is the Zipkin v2 span model
type jsonSpan struct {
	TraceID       string            `json:"traceId"`
	ParentID      string            `json:"parentId,omitempty"`
	ID            string            `json:"id"`
	Kind          string            `json:"kind,omitempty"`
	Name          string            `json:"name,omitempty"`
	Timestamp     int64             `json:"timestamp,omitempty"`
	Duration      int64             `json:"duration,omitempty"`
	LocalEndpoint *jsonEndpoint     `json:"localEndpoint,omitempty"`
	Annotations   []jsonAnnotation  `json:"annotations,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

type jsonEncoder struct{}

func (jsonEncoder) Encoding() Encoding { return JSON }

func (jsonEncoder) ContentType() string { return "application/json" }

func (jsonEncoder) Encode(span model.Span) (EncodedSpan, error) {
	if err := validate(span); err != nil {
		return nil, err
	}

	js := jsonSpan{
		TraceID:   model.PadTraceID(span.TraceID),
		ParentID:  model.PadSpanID(span.ParentID),
		ID:        model.PadSpanID(span.ID),
		Kind:      string(span.Kind),
		Name:      span.Name,
		Timestamp: span.Start.UnixMicro(),
		Duration:  micros(span.Duration),
	}
	if span.LocalService != "" {
		js.LocalEndpoint = &jsonEndpoint{ServiceName: span.LocalService}
	}
	for _, ev := range span.SortedEvents() {
		js.Annotations = append(js.Annotations, jsonAnnotation{
			Timestamp: ev.Time.UnixMicro(),
			Value:     ev.Name,
		})
	}
	if len(span.Tags) > 0 {
		js.Tags = make(map[string]string, len(span.Tags))
		for k, v := range span.Tags {
			js.Tags[k] = tagString(v)
		}
	}

	out, err := jsonAPI.Marshal(&js)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal span %s: %w", span.ID, err)
	}
	return out, nil
}

func (jsonEncoder) MessageSize(count, spanBytes int) int {
	if count == 0 {
		return 2
	}
	return 2 + spanBytes + count - 1
}

func (jsonEncoder) Envelope(spans []EncodedSpan) []byte {
	size := 2
	for _, s := range spans {
		size += s.Len() + 1
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte('[')
	for i, s := range spans {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(s)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func (jsonEncoder) Decode(payload []byte) ([]model.Span, error) {
	var list []jsonSpan
	if err := jsonAPI.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json span list: %w", err)
	}

	spans := make([]model.Span, 0, len(list))
	for _, js := range list {
		s := model.Span{
			TraceID:  js.TraceID,
			ID:       js.ID,
			ParentID: js.ParentID,
			Name:     js.Name,
			Kind:     model.Kind(js.Kind),
			Start:    time.UnixMicro(js.Timestamp).UTC(),
			Duration: time.Duration(js.Duration) * time.Microsecond,
		}
		if js.LocalEndpoint != nil {
			s.LocalService = js.LocalEndpoint.ServiceName
		}
		for _, a := range js.Annotations {
			s.Events = append(s.Events, model.Event{Time: time.UnixMicro(a.Timestamp).UTC(), Name: a.Value})
		}
		if len(js.Tags) > 0 {
			s.Tags = make(map[string]any, len(js.Tags))
			for k, v := range js.Tags {
				s.Tags[k] = v
			}
		}
		spans = append(spans, s)
	}
	return spans, nil
}

// SizeInBytes walks the span fields instead of encoding. Strings are
// measured with worst-case escaping.
func (jsonEncoder) SizeInBytes(span model.Span) int {
	n := len(`{"traceId":"","id":""}`) + 32 + 16
	if span.ParentID != "" {
		n += len(`,"parentId":""`) + 16
	}
	if span.Kind != "" {
		n += len(`,"kind":""`) + len(span.Kind)
	}
	if span.Name != "" {
		n += len(`,"name":""`) + jsonStringLen(span.Name)
	}
	n += len(`,"timestamp":`) + 20 + len(`,"duration":`) + 20
	if span.LocalService != "" {
		n += len(`,"localEndpoint":{"serviceName":""}`) + jsonStringLen(span.LocalService)
	}
	if len(span.Events) > 0 {
		n += len(`,"annotations":[]`)
		for _, ev := range span.Events {
			n += len(`{"timestamp":,"value":""},`) + 20 + jsonStringLen(ev.Name)
		}
	}
	if len(span.Tags) > 0 {
		n += len(`,"tags":{}`)
		for k, v := range span.Tags {
			n += len(`"":"",`) + jsonStringLen(k) + jsonStringLen(tagString(v))
		}
	}
	return n
}

func jsonStringLen(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"' || c == '\\':
			n += 2
		case c < 0x20 || c == '<' || c == '>' || c == '&':
			n += 6
		case c >= 0x80:
			// invalid UTF-8 bytes become �
			n += 6
		default:
			n++
		}
	}
	return n
}

func micros(d time.Duration) int64 {
	us := d.Microseconds()
	if us == 0 && d > 0 {
		return 1
	}
	return us
}

func tagString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
