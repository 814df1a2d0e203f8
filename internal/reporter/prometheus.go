package reporter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes reporter counters to a Prometheus registry.
type Collector struct {
	metrics *MetricsManager

	spansReported  *prometheus.Desc
	spansSent      *prometheus.Desc
	spansDropped   *prometheus.Desc
	messagesSent   *prometheus.Desc
	messageBytes   *prometheus.Desc
	messagesFailed *prometheus.Desc
	retries        *prometheus.Desc
	queuedSpans    *prometheus.Desc
	queuedBytes    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over the reporter's counters. Labels are
// attached to every series.
func (r *Reporter) NewCollector(labels prometheus.Labels) *Collector {
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("span_reporter", "", name), help, variable, labels)
	}
	return &Collector{
		metrics:        r.metrics,
		spansReported:  desc("spans_reported_total", "Spans accepted into the queue."),
		spansSent:      desc("spans_sent_total", "Spans delivered to the collector."),
		spansDropped:   desc("spans_dropped_total", "Spans dropped before delivery.", "reason"),
		messagesSent:   desc("messages_sent_total", "Envelopes delivered to the collector."),
		messageBytes:   desc("message_bytes_total", "Bytes of delivered envelopes before compression."),
		messagesFailed: desc("messages_failed_total", "Send attempts that did not succeed."),
		retries:        desc("retries_total", "Spans requeued for another attempt."),
		queuedSpans:    desc("queued_spans", "Spans currently waiting in the queue."),
		queuedBytes:    desc("queued_bytes", "Estimated encoded size of queued spans."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.spansReported
	ch <- c.spansSent
	ch <- c.spansDropped
	ch <- c.messagesSent
	ch <- c.messageBytes
	ch <- c.messagesFailed
	ch <- c.retries
	ch <- c.queuedSpans
	ch <- c.queuedBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.spansReported, s.SpansReported)
	counter(c.spansSent, s.SpansSent)
	counter(c.messagesSent, s.MessagesSent)
	counter(c.messageBytes, s.MessageBytes)
	counter(c.messagesFailed, s.MessagesFailed)
	counter(c.retries, s.Retries)
	for _, reason := range DropReasons {
		counter(c.spansDropped, s.Dropped[reason], string(reason))
	}

	ch <- prometheus.MustNewConstMetric(c.queuedSpans, prometheus.GaugeValue, float64(s.QueuedSpans))
	ch <- prometheus.MustNewConstMetric(c.queuedBytes, prometheus.GaugeValue, float64(s.QueuedBytes))
}
