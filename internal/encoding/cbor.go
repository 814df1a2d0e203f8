package encoding

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/deepaksharma/async-span-reporter/internal/model"
)

// cborEncMode uses Core Deterministic Encoding (RFC 8949 §4.2), so equal
// spans always produce equal bytes.
var cborEncMode cbor.EncMode

var cborDecMode cbor.DecMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("encoding: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("encoding: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborEvent struct {
	TimeUnixNano int64  `cbor:"time"`
	Name         string `cbor:"name"`
}

type cborSpan struct {
	TraceID      string         `cbor:"traceId"`
	ParentID     string         `cbor:"parentId,omitempty"`
	ID           string         `cbor:"id"`
	Kind         string         `cbor:"kind,omitempty"`
	Name         string         `cbor:"name,omitempty"`
	LocalService string         `cbor:"localService,omitempty"`
	StartUnixNs  int64          `cbor:"start"`
	DurationNs   int64          `cbor:"duration"`
	Tags         map[string]any `cbor:"tags,omitempty"`
	Events       []cborEvent    `cbor:"events,omitempty"`
}

type cborEncoder struct{}

func (cborEncoder) Encoding() Encoding { return CBOR }

func (cborEncoder) ContentType() string { return "application/cbor" }

func (cborEncoder) Encode(span model.Span) (EncodedSpan, error) {
	if err := validate(span); err != nil {
		return nil, err
	}

	cs := cborSpan{
		TraceID:      model.PadTraceID(span.TraceID),
		ParentID:     model.PadSpanID(span.ParentID),
		ID:           model.PadSpanID(span.ID),
		Kind:         string(span.Kind),
		Name:         span.Name,
		LocalService: span.LocalService,
		StartUnixNs:  span.Start.UnixNano(),
		DurationNs:   int64(span.Duration),
		Tags:         span.Tags,
	}
	for _, ev := range span.SortedEvents() {
		cs.Events = append(cs.Events, cborEvent{TimeUnixNano: ev.Time.UnixNano(), Name: ev.Name})
	}

	out, err := cborEncMode.Marshal(&cs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal span %s: %w", span.ID, err)
	}
	return out, nil
}

func (cborEncoder) MessageSize(count, spanBytes int) int {
	return cborArrayHeaderLen(count) + spanBytes
}

// Envelope prefixes the items with a definite-length array header, which is
// all a CBOR array needs.
func (cborEncoder) Envelope(spans []EncodedSpan) []byte {
	size := 0
	for _, s := range spans {
		size += s.Len()
	}
	out := appendCBORArrayHeader(make([]byte, 0, cborArrayHeaderLen(len(spans))+size), len(spans))
	for _, s := range spans {
		out = append(out, s...)
	}
	return out
}

func (cborEncoder) Decode(payload []byte) ([]model.Span, error) {
	var list []cborSpan
	if err := cborDecMode.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cbor span list: %w", err)
	}

	spans := make([]model.Span, 0, len(list))
	for _, cs := range list {
		s := model.Span{
			TraceID:      cs.TraceID,
			ID:           cs.ID,
			ParentID:     cs.ParentID,
			Name:         cs.Name,
			Kind:         model.Kind(cs.Kind),
			LocalService: cs.LocalService,
			Start:        time.Unix(0, cs.StartUnixNs).UTC(),
			Duration:     time.Duration(cs.DurationNs),
			Tags:         cs.Tags,
		}
		for _, ev := range cs.Events {
			s.Events = append(s.Events, model.Event{Time: time.Unix(0, ev.TimeUnixNano).UTC(), Name: ev.Name})
		}
		spans = append(spans, s)
	}
	return spans, nil
}

// SizeInBytes assumes the widest CBOR head (9 bytes) for every item.
func (cborEncoder) SizeInBytes(span model.Span) int {
	const head = 9
	// map head plus the fixed keys
	n := head + len("traceIdparentIdidkindnamelocalServicestartdurationtagsevents") + 10*head
	n += 32 + 16 + len(span.Kind) + len(span.Name) + len(span.LocalService) + 2*head
	if span.ParentID != "" {
		n += 16
	}
	for k, v := range span.Tags {
		n += head + len(k) + head
		if s, ok := v.(string); ok {
			n += len(s)
		}
	}
	for _, ev := range span.Events {
		n += head + len("timename") + 2*head + head + len(ev.Name)
	}
	return n
}

func cborArrayHeaderLen(count int) int {
	switch {
	case count < 24:
		return 1
	case count <= 0xff:
		return 2
	case count <= 0xffff:
		return 3
	default:
		return 5
	}
}

func appendCBORArrayHeader(dst []byte, count int) []byte {
	const majorArray = 4 << 5
	switch {
	case count < 24:
		return append(dst, byte(majorArray|count))
	case count <= 0xff:
		return append(dst, majorArray|24, byte(count))
	case count <= 0xffff:
		return binary.BigEndian.AppendUint16(append(dst, majorArray|25), uint16(count))
	default:
		return binary.BigEndian.AppendUint32(append(dst, majorArray|26), uint32(count))
	}
}
