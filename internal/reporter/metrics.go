package reporter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

// DropReason says why a span never reached the collector.
type DropReason string

const (
	DropQueueFull        DropReason = "queue_full"
	DropClosed           DropReason = "closed"
	DropMalformed        DropReason = "malformed"
	DropOversized        DropReason = "oversized"
	DropRejected         DropReason = "rejected"
	DropRetriesExhausted DropReason = "retries_exhausted"
	DropShutdown         DropReason = "shutdown"
)

// DropReasons lists every reason in reporting order.
var DropReasons = []DropReason{
	DropQueueFull,
	DropClosed,
	DropMalformed,
	DropOversized,
	DropRejected,
	DropRetriesExhausted,
	DropShutdown,
}

// MetricsManager owns the reporter counters and exposes them to an
// OpenTelemetry meter.
type MetricsManager struct {
	spansReported  *atomic.Int64
	spansSent      *atomic.Int64
	messagesSent   *atomic.Int64
	messageBytes   *atomic.Int64
	messagesFailed *atomic.Int64
	retries        *atomic.Int64
	queuedSpans    *atomic.Int64
	queuedBytes    *atomic.Int64
	dropped        map[DropReason]*atomic.Int64

	meter metric.Meter
}

// NewMetricsManager creates a metrics manager bound to meter.
func NewMetricsManager(meter metric.Meter) *MetricsManager {
	dropped := make(map[DropReason]*atomic.Int64, len(DropReasons))
	for _, r := range DropReasons {
		dropped[r] = atomic.NewInt64(0)
	}
	return &MetricsManager{
		spansReported:  atomic.NewInt64(0),
		spansSent:      atomic.NewInt64(0),
		messagesSent:   atomic.NewInt64(0),
		messageBytes:   atomic.NewInt64(0),
		messagesFailed: atomic.NewInt64(0),
		retries:        atomic.NewInt64(0),
		queuedSpans:    atomic.NewInt64(0),
		queuedBytes:    atomic.NewInt64(0),
		dropped:        dropped,
		meter:          meter,
	}
}

// RegisterMetrics registers all instruments with the meter.
func (m *MetricsManager) RegisterMetrics() error {
	counters := []struct {
		name, desc, unit string
		value            *atomic.Int64
	}{
		{"span_reporter.spans_reported", "Spans accepted into the queue", "{spans}", m.spansReported},
		{"span_reporter.spans_sent", "Spans delivered to the collector", "{spans}", m.spansSent},
		{"span_reporter.messages_sent", "Envelopes delivered to the collector", "{messages}", m.messagesSent},
		{"span_reporter.message_bytes", "Bytes of delivered envelopes before compression", "By", m.messageBytes},
		{"span_reporter.messages_failed", "Send attempts that did not succeed", "{messages}", m.messagesFailed},
		{"span_reporter.retries", "Spans requeued for another attempt", "{spans}", m.retries},
	}
	for _, c := range counters {
		value := c.value
		_, err := m.meter.Int64ObservableCounter(
			c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(value.Load())
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", c.name, err)
		}
	}

	_, err := m.meter.Int64ObservableCounter(
		"span_reporter.spans_dropped",
		metric.WithDescription("Spans dropped before delivery, by reason"),
		metric.WithUnit("{spans}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, r := range DropReasons {
				o.Observe(m.dropped[r].Load(), metric.WithAttributes(attribute.String("reason", string(r))))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register spans dropped counter: %w", err)
	}

	_, err = m.meter.Int64ObservableGauge(
		"span_reporter.queued_spans",
		metric.WithDescription("Spans currently waiting in the queue"),
		metric.WithUnit("{spans}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queuedSpans.Load())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register queued spans gauge: %w", err)
	}

	_, err = m.meter.Int64ObservableGauge(
		"span_reporter.queued_bytes",
		metric.WithDescription("Estimated encoded size of queued spans"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queuedBytes.Load())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register queued bytes gauge: %w", err)
	}

	return nil
}

func (m *MetricsManager) recordDrop(reason DropReason, n int) {
	if n <= 0 {
		return
	}
	m.dropped[reason].Add(int64(n))
}

func (m *MetricsManager) recordSent(spans, bytes int) {
	m.spansSent.Add(int64(spans))
	m.messagesSent.Inc()
	m.messageBytes.Add(int64(bytes))
}

func (m *MetricsManager) setQueued(spans, bytes int) {
	m.queuedSpans.Store(int64(spans))
	m.queuedBytes.Store(int64(bytes))
}

// Snapshot is a point-in-time copy of the reporter counters.
type Snapshot struct {
	SpansReported  int64
	SpansSent      int64
	MessagesSent   int64
	MessageBytes   int64
	MessagesFailed int64
	Retries        int64
	QueuedSpans    int64
	QueuedBytes    int64
	Dropped        map[DropReason]int64
}

// SpansDropped sums drops over every reason.
func (s Snapshot) SpansDropped() int64 {
	var total int64
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

// Snapshot copies the current counter values.
func (m *MetricsManager) Snapshot() Snapshot {
	dropped := make(map[DropReason]int64, len(m.dropped))
	for r, c := range m.dropped {
		dropped[r] = c.Load()
	}
	return Snapshot{
		SpansReported:  m.spansReported.Load(),
		SpansSent:      m.spansSent.Load(),
		MessagesSent:   m.messagesSent.Load(),
		MessageBytes:   m.messageBytes.Load(),
		MessagesFailed: m.messagesFailed.Load(),
		Retries:        m.retries.Load(),
		QueuedSpans:    m.queuedSpans.Load(),
		QueuedBytes:    m.queuedBytes.Load(),
		Dropped:        dropped,
	}
}
