// Package reporter buffers finished spans and ships them to a collector in
// the background, in batches, with bounded memory.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/model"
	"github.com/deepaksharma/async-span-reporter/internal/transport"
)

// ErrShutdown is returned by Flush once the reporter is shutting down.
var ErrShutdown = errors.New("reporter is shut down")

// Settings carries the telemetry a reporter reports through.
type Settings struct {
	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

// Reporter is the entry point producers hand finished spans to.
type Reporter struct {
	logger  *zap.Logger
	config  *Config
	encoder encoding.Encoder
	sender  transport.Sender

	queue      *BoundedQueue
	dispatcher *dispatcher
	metrics    *MetricsManager
	statsCron  *cron.Cron

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a reporter and starts its dispatch loop. The reporter owns
// sender from here on and closes it on shutdown.
func New(cfg *Config, encoder encoding.Encoder, sender transport.Sender, set Settings) (*Reporter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reporter config: %w", err)
	}
	if encoder == nil {
		return nil, fmt.Errorf("encoder must not be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender must not be nil")
	}

	logger := set.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meterProvider := set.MeterProvider
	if meterProvider == nil {
		meterProvider = noop.NewMeterProvider()
	}

	messageMaxBytes := sender.MessageMaxBytes()
	if cfg.MessageMaxBytes > 0 && cfg.MessageMaxBytes < messageMaxBytes {
		messageMaxBytes = cfg.MessageMaxBytes
	}
	if messageMaxBytes <= 0 {
		return nil, fmt.Errorf("sender reports a non-positive message size limit %d", messageMaxBytes)
	}
	highWater := cfg.HighWaterBytes
	if highWater == 0 {
		highWater = messageMaxBytes
	}

	metrics := NewMetricsManager(meterProvider.Meter("github.com/deepaksharma/async-span-reporter/internal/reporter"))
	if err := metrics.RegisterMetrics(); err != nil {
		logger.Error("Failed to register metrics", zap.Error(err))
	}

	queue := NewBoundedQueue(cfg.QueuedMaxSpans, cfg.QueuedMaxBytes, metrics)
	queue.setReadyThresholds(cfg.MaxSpansPerMessage, highWater)

	r := &Reporter{
		logger:     logger,
		config:     cfg,
		encoder:    encoder,
		sender:     sender,
		queue:      queue,
		dispatcher: newDispatcher(cfg, queue, encoder, sender, metrics, messageMaxBytes, logger),
		metrics:    metrics,
	}

	if cfg.StatsSchedule != "" {
		r.statsCron = cron.New()
		if _, err := r.statsCron.AddFunc(cfg.StatsSchedule, r.logStats); err != nil {
			return nil, fmt.Errorf("failed to schedule stats: %w", err)
		}
		r.statsCron.Start()
		logger.Info("Reporter stats scheduled", zap.String("schedule", cfg.StatsSchedule))
	}

	go r.dispatcher.run()

	logger.Info("Span reporter started",
		zap.String("encoding", string(encoder.Encoding())),
		zap.Int("queued_max_spans", cfg.QueuedMaxSpans),
		zap.Int("queued_max_bytes", cfg.QueuedMaxBytes),
		zap.Int("message_max_bytes", messageMaxBytes),
		zap.Int("max_spans_per_message", cfg.MaxSpansPerMessage),
		zap.Duration("message_timeout", cfg.MessageTimeout))

	return r, nil
}

// Report queues a finished span. It never blocks and never fails; a span
// that does not fit is dropped and counted.
func (r *Reporter) Report(span model.Span) {
	r.queue.Offer(span, r.encoder.SizeInBytes(span))
}

// Flush sends everything queued now and waits for the dispatcher to finish
// that pass. Spans whose send failed stay queued for their retry.
func (r *Reporter) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case r.dispatcher.flushChan <- ack:
	case <-r.dispatcher.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-r.dispatcher.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting spans and drains the queue until it is empty or
// ctx ends. Spans still queued at that point are dropped, and only then is
// the ended ctx reported as an error. The sender is closed on every path.
// Calling Shutdown again returns the first result.
func (r *Reporter) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Reporter) shutdown(ctx context.Context) error {
	r.logger.Info("Shutting down span reporter")

	if r.statsCron != nil {
		r.statsCron.Stop()
	}

	droppedBefore := r.metrics.Snapshot().Dropped[DropShutdown]
	r.queue.Close()
	r.dispatcher.stopChan <- ctx

	var err error
	select {
	case <-r.dispatcher.done:
	case <-ctx.Done():
		// abandon in-flight sends; whatever the loop still holds is dropped
		// when its send fails
		r.dispatcher.cancel()
		if n, _ := r.queue.abandon(); n > 0 {
			r.logger.Warn("Dropping queued spans at shutdown deadline", zap.Int("spans", n))
			r.metrics.recordDrop(DropShutdown, n)
		}
		if r.dispatcher.busy() {
			err = fmt.Errorf("span reporter shutdown: %w", ctx.Err())
		} else {
			// nothing is in flight, so the loop exits without sending
			<-r.dispatcher.done
		}
	}
	r.dispatcher.cancel()

	// a deadline is only an error if it cost spans
	if err == nil && ctx.Err() != nil && r.metrics.Snapshot().Dropped[DropShutdown] > droppedBefore {
		err = fmt.Errorf("span reporter shutdown: %w", ctx.Err())
	}

	if cerr := r.sender.Close(); cerr != nil {
		r.logger.Error("Failed to close sender", zap.Error(cerr))
		err = errors.Join(err, fmt.Errorf("failed to close sender: %w", cerr))
	}

	r.logStats()
	return err
}

// Close shuts down within the configured CloseTimeout.
func (r *Reporter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.CloseTimeout)
	defer cancel()
	return r.Shutdown(ctx)
}

// Metrics returns a snapshot of the reporter counters.
func (r *Reporter) Metrics() Snapshot {
	return r.metrics.Snapshot()
}

// State returns the dispatcher state.
func (r *Reporter) State() State {
	return r.dispatcher.State()
}

func (r *Reporter) logStats() {
	s := r.metrics.Snapshot()
	fields := []zap.Field{
		zap.Int64("reported", s.SpansReported),
		zap.Int64("sent", s.SpansSent),
		zap.Int64("messages", s.MessagesSent),
		zap.Int64("failed_messages", s.MessagesFailed),
		zap.Int64("queued", s.QueuedSpans),
		zap.Int64("dropped", s.SpansDropped()),
	}
	for _, reason := range DropReasons {
		if n := s.Dropped[reason]; n > 0 {
			fields = append(fields, zap.Int64("dropped_"+string(reason), n))
		}
	}
	r.logger.Info("Span reporter stats", fields...)
}
