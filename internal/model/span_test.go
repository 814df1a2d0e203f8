package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpan() Span {
	return Span{
		TraceID:  "a1b2",
		ID:       "c3d4",
		Name:     "GET /x",
		Start:    time.Unix(1700000000, 0),
		Duration: 5 * time.Millisecond,
		Tags:     map[string]any{"http.status_code": 200, "cache.hit": true},
	}
}

func TestSpanValidate(t *testing.T) {
	require.NoError(t, validSpan().Validate())

	tests := []struct {
		name   string
		mutate func(*Span)
		want   error
	}{
		{"missing trace id", func(s *Span) { s.TraceID = "" }, ErrMissingTraceID},
		{"missing span id", func(s *Span) { s.ID = "" }, ErrMissingSpanID},
		{"upper-case trace id", func(s *Span) { s.TraceID = "A1B2" }, ErrInvalidID},
		{"long span id", func(s *Span) { s.ID = "00000000000000001" }, ErrInvalidID},
		{"bad parent id", func(s *Span) { s.ParentID = "xyz" }, ErrInvalidID},
		{"zero start", func(s *Span) { s.Start = time.Time{} }, ErrZeroStart},
		{"negative duration", func(s *Span) { s.Duration = -time.Second }, ErrNegativeDur},
		{"bad tag", func(s *Span) { s.Tags = map[string]any{"k": []string{"v"}} }, ErrInvalidTag},
		{"bad kind", func(s *Span) { s.Kind = "INTERNAL" }, ErrInvalidKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpan()
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), tt.want)
		})
	}
}

func TestSortedEventsLeavesSpanUntouched(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := validSpan()
	s.Events = []Event{
		{Time: base.Add(2 * time.Millisecond), Name: "second"},
		{Time: base.Add(time.Millisecond), Name: "first"},
	}

	sorted := s.SortedEvents()
	require.Len(t, sorted, 2)
	assert.Equal(t, "first", sorted[0].Name)
	assert.Equal(t, "second", sorted[1].Name)
	assert.Equal(t, "second", s.Events[0].Name, "original order must be preserved")
}

func TestPadIDs(t *testing.T) {
	assert.Equal(t, "000000000000a1b2", PadTraceID("a1b2"))
	assert.Equal(t, strings.Repeat("0", 31)+"1", PadTraceID("00000000000000001"))
	assert.Equal(t, "00000000000000ff", PadSpanID("ff"))
	assert.Equal(t, "", PadSpanID(""))
}
