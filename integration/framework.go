// Package integration runs the span reporter end to end against an
// in-process collector.
package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/deepaksharma/async-span-reporter/internal/config"
	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/loadgen"
	"github.com/deepaksharma/async-span-reporter/internal/model"
	"github.com/deepaksharma/async-span-reporter/internal/reporter"
	"github.com/deepaksharma/async-span-reporter/internal/sink"
	"github.com/deepaksharma/async-span-reporter/internal/tracer"
)

const (
	reporterTick = 20 * time.Millisecond
	closeTimeout = 10 * time.Second
)

// TestOption configures the test framework
type TestOption func(*TestFramework)

// ReporterOption configures the reporter options under test
type ReporterOption func(*config.Options)

// TestFramework pairs a tracer with a sink collector served over HTTP.
type TestFramework struct {
	logger   *zap.Logger
	sinkCfg  sink.Config
	registry *prometheus.Registry

	server *httptest.Server
	tracer *tracer.Tracer

	mu       sync.Mutex
	received []model.Span
}

// WithLogger replaces the test logger
func WithLogger(logger *zap.Logger) TestOption {
	return func(tf *TestFramework) {
		tf.logger = logger
	}
}

// WithFailEvery makes the collector answer every Nth request with 503
func WithFailEvery(n int64) TestOption {
	return func(tf *TestFramework) {
		tf.sinkCfg.FailEvery = n
	}
}

// WithEncoding selects the wire encoding
func WithEncoding(enc encoding.Encoding) ReporterOption {
	return func(o *config.Options) {
		o.Encoding = config.String(string(enc))
	}
}

// WithCompression selects the HTTP body compression
func WithCompression(c string) ReporterOption {
	return func(o *config.Options) {
		o.Compression = config.String(c)
	}
}

// WithQueuedMaxSpans bounds the reporter queue
func WithQueuedMaxSpans(n int) ReporterOption {
	return func(o *config.Options) {
		o.QueuedMaxSpans = config.Int(n)
	}
}

// WithMaxRetries sets the retry budget per span
func WithMaxRetries(n int) ReporterOption {
	return func(o *config.Options) {
		o.MaxRetries = config.Int(n)
	}
}

// NewTestFramework creates a framework whose collector is already serving.
func NewTestFramework(t zaptest.TestingT, options ...TestOption) (*TestFramework, error) {
	tf := &TestFramework{
		logger:   zaptest.NewLogger(t, zaptest.Level(zapcore.DebugLevel)),
		sinkCfg:  sink.DefaultConfig(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range options {
		opt(tf)
	}

	handler, err := sink.NewHandler(tf.sinkCfg, tf.registry, tf.logger.Named("sink"), tf.capture)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}
	tf.server = httptest.NewServer(handler)
	return tf, nil
}

func (tf *TestFramework) capture(spans []model.Span) {
	tf.mu.Lock()
	tf.received = append(tf.received, spans...)
	tf.mu.Unlock()
}

// Setup creates the tracer with the given reporter options. Unset options
// use short timeouts suited to tests.
func (tf *TestFramework) Setup(options ...ReporterOption) error {
	opts := &config.Options{
		ServiceName:    "integration",
		Compress:       config.Bool(true),
		MessageTimeout: config.Duration(reporterTick),
		CloseTimeout:   config.Duration(closeTimeout),
	}
	for _, opt := range options {
		opt(opts)
	}
	enc := encoding.JSON
	if opts.Encoding != nil {
		parsed, err := encoding.ParseEncoding(*opts.Encoding)
		if err != nil {
			return err
		}
		enc = parsed
	}
	opts.Endpoint = config.String(tf.server.URL + enc.DefaultPath())

	tr, err := tracer.New("", opts, tf.logger.Named("reporter"))
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	tf.tracer = tr
	tf.logger.Info("Reporter started", zap.String("endpoint", *opts.Endpoint))
	return nil
}

// SendTestTraces generates traces through the tracer.
func (tf *TestFramework) SendTestTraces(ctx context.Context, cfg loadgen.Config) (int64, error) {
	if tf.tracer == nil {
		return 0, fmt.Errorf("tracer not started, call Setup first")
	}
	gen, err := loadgen.New(cfg, tf.tracer, tf.logger.Named("loadgen"))
	if err != nil {
		return 0, err
	}
	if err := gen.Run(ctx); err != nil {
		return gen.Spans(), err
	}
	return gen.Spans(), nil
}

// Flush waits for everything reported so far to be attempted.
func (tf *TestFramework) Flush(ctx context.Context) error {
	return tf.tracer.Reporter().Flush(ctx)
}

// Shutdown closes the tracer, draining within the close timeout.
func (tf *TestFramework) Shutdown() error {
	if tf.tracer == nil {
		return nil
	}
	if err := tf.tracer.Close(); err != nil {
		return fmt.Errorf("failed to close tracer: %w", err)
	}
	tf.logger.Info("Reporter closed", zap.Int("received", len(tf.ReceivedSpans())))
	return nil
}

// Cleanup stops the collector.
func (tf *TestFramework) Cleanup() {
	tf.server.Close()
}

// Stats returns the reporter's counters.
func (tf *TestFramework) Stats() reporter.Snapshot {
	return tf.tracer.Reporter().Metrics()
}

// Registry returns the registry holding the collector's metrics.
func (tf *TestFramework) Registry() *prometheus.Registry {
	return tf.registry
}

// ReceivedSpans returns a copy of every span the collector accepted.
func (tf *TestFramework) ReceivedSpans() []model.Span {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return append([]model.Span(nil), tf.received...)
}

// CountUniqueSpans counts distinct trace and span id pairs received.
func (tf *TestFramework) CountUniqueSpans() int {
	seen := make(map[string]struct{})
	for _, s := range tf.ReceivedSpans() {
		seen[s.TraceID+"/"+s.ID] = struct{}{}
	}
	return len(seen)
}

// CountUniqueTraces counts distinct trace ids received.
func (tf *TestFramework) CountUniqueTraces() int {
	seen := make(map[string]struct{})
	for _, s := range tf.ReceivedSpans() {
		seen[s.TraceID] = struct{}{}
	}
	return len(seen)
}
