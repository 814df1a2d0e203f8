// Package encoding converts finished spans into the list-of-spans payloads a
// collector accepts, and decodes them again on the collector side.
package encoding

import (
	"fmt"
	"strings"

	"github.com/deepaksharma/async-span-reporter/internal/model"
)

// Encoding names a wire format.
type Encoding string

const (
	// JSON is the Zipkin v2 JSON list format
	JSON Encoding = "json"
	// Proto is OTLP TracesData in protobuf
	Proto Encoding = "proto"
	// CBOR is a deterministic CBOR array of span maps
	CBOR Encoding = "cbor"
)

// ParseEncoding parses an encoding name, case-insensitively.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(name))) {
	case JSON:
		return JSON, nil
	case Proto, "proto3", "protobuf":
		return Proto, nil
	case CBOR:
		return CBOR, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", name)
	}
}

// DefaultPath returns the collector path conventionally serving this encoding.
func (e Encoding) DefaultPath() string {
	if e == Proto {
		return "/v1/traces"
	}
	return "/api/v2/spans"
}

// EncodedSpan is the wire form of one span. It is never modified once built.
type EncodedSpan []byte

// Len returns the encoded size in bytes.
func (e EncodedSpan) Len() int {
	return len(e)
}

// Encoder turns spans into envelopes.
type Encoder interface {
	// Encoding identifies the wire format
	Encoding() Encoding

	// ContentType is the media type of an envelope
	ContentType() string

	// SizeInBytes estimates the encoded size of a span without encoding it.
	// The estimate is never smaller than the real size.
	SizeInBytes(span model.Span) int

	// Encode validates and encodes one span
	Encode(span model.Span) (EncodedSpan, error)

	// MessageSize returns the envelope size for count spans whose encoded
	// sizes sum to spanBytes
	MessageSize(count, spanBytes int) int

	// Envelope wraps encoded spans into one payload
	Envelope(spans []EncodedSpan) []byte

	// Decode parses an envelope the way a collector would
	Decode(payload []byte) ([]model.Span, error)
}

// New returns the encoder for the given encoding.
func New(enc Encoding) (Encoder, error) {
	switch enc {
	case JSON:
		return jsonEncoder{}, nil
	case Proto:
		return newProtoEncoder(), nil
	case CBOR:
		return cborEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// MalformedError reports a span that failed validation and was not encoded.
type MalformedError struct {
	TraceID string
	SpanID  string
	Err     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed span %s/%s: %v", e.TraceID, e.SpanID, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func validate(span model.Span) error {
	if err := span.Validate(); err != nil {
		return &MalformedError{TraceID: span.TraceID, SpanID: span.ID, Err: err}
	}
	return nil
}
