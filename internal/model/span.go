// Package model defines the finished span handed from a tracer to the reporter.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the optional role of a span in an RPC or messaging exchange.
type Kind string

const (
	KindUnspecified Kind = ""
	KindClient      Kind = "CLIENT"
	KindServer      Kind = "SERVER"
	KindProducer    Kind = "PRODUCER"
	KindConsumer    Kind = "CONSUMER"
)

var (
	ErrMissingTraceID = errors.New("span has no trace id")
	ErrMissingSpanID  = errors.New("span has no span id")
	ErrInvalidID      = errors.New("span id is not lower-hex")
	ErrZeroStart      = errors.New("span has no start timestamp")
	ErrNegativeDur    = errors.New("span duration is negative")
	ErrInvalidTag     = errors.New("span tag value has unsupported type")
	ErrInvalidKind    = errors.New("span kind is not recognised")
)

// Event is a timestamped annotation recorded while the span was open.
type Event struct {
	Time time.Time
	Name string
}

// Span is one completed unit of work. It is finalized by the producer before
// it is reported and must not be mutated afterwards.
type Span struct {
	// TraceID is 1-32 lower-hex characters
	TraceID string
	// ID is 1-16 lower-hex characters
	ID string
	// ParentID is empty for root spans
	ParentID string

	Name         string
	Kind         Kind
	LocalService string

	Start    time.Time
	Duration time.Duration

	// Tags values are string, bool, int, int64 or float64
	Tags   map[string]any
	Events []Event
}

// Validate reports whether the span can be encoded.
func (s Span) Validate() error {
	if s.TraceID == "" {
		return ErrMissingTraceID
	}
	if err := checkHex(s.TraceID, 32); err != nil {
		return fmt.Errorf("trace id %q: %w", s.TraceID, err)
	}
	if s.ID == "" {
		return ErrMissingSpanID
	}
	if err := checkHex(s.ID, 16); err != nil {
		return fmt.Errorf("span id %q: %w", s.ID, err)
	}
	if s.ParentID != "" {
		if err := checkHex(s.ParentID, 16); err != nil {
			return fmt.Errorf("parent id %q: %w", s.ParentID, err)
		}
	}
	if s.Start.IsZero() {
		return ErrZeroStart
	}
	if s.Duration < 0 {
		return ErrNegativeDur
	}
	switch s.Kind {
	case KindUnspecified, KindClient, KindServer, KindProducer, KindConsumer:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, s.Kind)
	}
	for k, v := range s.Tags {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return fmt.Errorf("%w: %s=%T", ErrInvalidTag, k, v)
		}
	}
	return nil
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentID == ""
}

// SortedEvents returns a copy of the events ordered by time. The span itself
// is left untouched.
func (s Span) SortedEvents() []Event {
	if len(s.Events) == 0 {
		return nil
	}
	events := make([]Event, len(s.Events))
	copy(events, s.Events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time.Before(events[j].Time)
	})
	return events
}

// SortedTagKeys returns the tag keys in lexical order.
func (s Span) SortedTagKeys() []string {
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PadTraceID left-pads a trace id to 16 or 32 hex characters.
func PadTraceID(id string) string {
	if len(id) <= 16 {
		return padLeft(id, 16)
	}
	return padLeft(id, 32)
}

// PadSpanID left-pads a span id to 16 hex characters.
func PadSpanID(id string) string {
	if id == "" {
		return ""
	}
	return padLeft(id, 16)
}

func padLeft(id string, width int) string {
	if len(id) >= width {
		return id
	}
	return strings.Repeat("0", width-len(id)) + id
}

func checkHex(id string, maxLen int) error {
	if len(id) > maxLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, maxLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ErrInvalidID
		}
	}
	return nil
}
