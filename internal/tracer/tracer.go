// Package tracer adapts the OpenTelemetry tracing API to the span reporter:
// spans started through it are shipped by a Reporter built from Options.
package tracer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/config"
	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/reporter"
	"github.com/deepaksharma/async-span-reporter/internal/transport"
	"github.com/deepaksharma/async-span-reporter/internal/transport/httpsender"
	"github.com/deepaksharma/async-span-reporter/internal/transport/kafkasender"
)

// InstrumentationName is the name of the tracer handed out by New.
const InstrumentationName = "github.com/deepaksharma/async-span-reporter/internal/tracer"

// Tracer is a trace.Tracer whose finished spans go to a Reporter.
type Tracer struct {
	trace.Tracer

	provider   *sdktrace.TracerProvider
	reporter   *reporter.Reporter
	propagator propagation.TextMapPropagator
	logger     *zap.Logger
}

// New builds the sender and reporter described by opts and returns a tracer
// for serviceName. A non-empty serviceName overrides opts.ServiceName.
func New(serviceName string, opts *config.Options, logger *zap.Logger) (*Tracer, error) {
	return NewWithMeter(serviceName, opts, logger, nil)
}

// NewWithMeter is New with the reporter's counters registered on
// meterProvider.
func NewWithMeter(serviceName string, opts *config.Options, logger *zap.Logger, meterProvider metric.MeterProvider) (*Tracer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts == nil {
		opts = &config.Options{}
	}
	resolvedOpts := *opts
	if serviceName != "" {
		resolvedOpts.ServiceName = serviceName
	}

	res, err := resolvedOpts.Resolve()
	if err != nil {
		return nil, err
	}

	enc, err := encoding.New(res.Encoding)
	if err != nil {
		return nil, err
	}
	sender, err := NewSender(res, logger)
	if err != nil {
		return nil, err
	}

	rep, err := reporter.New(res.Reporter, enc, sender, reporter.Settings{
		Logger:        logger,
		MeterProvider: meterProvider,
	})
	if err != nil {
		_ = sender.Close()
		return nil, err
	}
	return NewFromReporter(res.ServiceName, rep, logger), nil
}

// NewSender builds the transport selected by the resolved configuration.
func NewSender(res *config.Resolved, logger *zap.Logger) (transport.Sender, error) {
	switch res.Transport {
	case config.TransportKafka:
		s, err := kafkasender.New(res.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sender: %w", err)
		}
		return s, nil
	default:
		s, err := httpsender.New(res.HTTP, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create http sender: %w", err)
		}
		return s, nil
	}
}

// NewFromReporter wraps an existing reporter. The tracer owns it and shuts
// it down with Shutdown.
func NewFromReporter(serviceName string, rep *reporter.Reporter, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(NewExporter(rep, serviceName)),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	logger.Info("Tracer created", zap.String("service", serviceName))

	return &Tracer{
		Tracer:     provider.Tracer(InstrumentationName),
		provider:   provider,
		reporter:   rep,
		propagator: propagation.TraceContext{},
		logger:     logger,
	}
}

// Provider returns the underlying tracer provider, for libraries that need
// a trace.TracerProvider.
func (t *Tracer) Provider() trace.TracerProvider {
	return t.provider
}

// Reporter returns the reporter fed by this tracer.
func (t *Tracer) Reporter() *reporter.Reporter {
	return t.reporter
}

// Inject writes the span context in ctx into carrier.
func (t *Tracer) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	t.propagator.Inject(ctx, carrier)
}

// Extract returns ctx with the remote span context read from carrier.
func (t *Tracer) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return t.propagator.Extract(ctx, carrier)
}

// Shutdown ends the provider and drains the reporter within ctx.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer: %w", err)
	}
	return nil
}

// Close shuts down within the reporter's close timeout.
func (t *Tracer) Close() error {
	err := t.reporter.Close()
	return errors.Join(err, t.Shutdown(context.Background()))
}
