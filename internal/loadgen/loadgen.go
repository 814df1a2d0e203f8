// Package loadgen produces synthetic traces through a trace.Tracer, for
// exercising a reporter end to end.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config shapes the generated load.
type Config struct {
	// Traces is the number of traces to generate; zero runs until ctx ends
	Traces int

	// Workers is the number of goroutines starting traces
	Workers int

	// Rate caps traces per second across all workers; zero is unlimited
	Rate float64

	// Depth is the number of span levels in a trace
	Depth int

	// Fanout is the number of children under each non-leaf span
	Fanout int

	// ErrorEvery marks every Nth trace's root as failed; zero never does
	ErrorEvery int
}

// DefaultConfig returns a small load suitable for a smoke test.
func DefaultConfig() Config {
	return Config{
		Traces:  100,
		Workers: 4,
		Depth:   3,
		Fanout:  2,
	}
}

// Validate checks the load shape.
func (cfg Config) Validate() error {
	if cfg.Traces < 0 {
		return fmt.Errorf("traces must not be negative, got %d", cfg.Traces)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0, got %d", cfg.Workers)
	}
	if cfg.Rate < 0 {
		return fmt.Errorf("rate must not be negative, got %v", cfg.Rate)
	}
	if cfg.Depth <= 0 {
		return fmt.Errorf("depth must be greater than 0, got %d", cfg.Depth)
	}
	if cfg.Depth > 1 && cfg.Fanout <= 0 {
		return fmt.Errorf("fanout must be greater than 0 when depth is %d", cfg.Depth)
	}
	if cfg.ErrorEvery < 0 {
		return fmt.Errorf("error_every must not be negative, got %d", cfg.ErrorEvery)
	}
	return nil
}

// SpansPerTrace returns how many spans one trace contains.
func (cfg Config) SpansPerTrace() int {
	total, level := 0, 1
	for d := 0; d < cfg.Depth; d++ {
		total += level
		level *= cfg.Fanout
	}
	return total
}

// Generator starts traces on a tracer.
type Generator struct {
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger

	traces *atomic.Int64
	spans  *atomic.Int64
}

// New creates a generator.
func New(cfg Config, tracer trace.Tracer, logger *zap.Logger) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load config: %w", err)
	}
	if tracer == nil {
		return nil, errors.New("tracer must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
		traces: atomic.NewInt64(0),
		spans:  atomic.NewInt64(0),
	}, nil
}

// Run generates traces until the configured count is reached or ctx ends.
// Ending by ctx is not an error.
func (g *Generator) Run(ctx context.Context) error {
	tokens := make(chan int)
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(tokens)
		var limiter *rate.Limiter
		if g.cfg.Rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(g.cfg.Rate), 1)
		}
		for i := 0; g.cfg.Traces == 0 || i < g.cfg.Traces; i++ {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
			}
			select {
			case tokens <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < g.cfg.Workers; w++ {
		group.Go(func() error {
			for i := range tokens {
				g.trace(gctx, i)
			}
			return nil
		})
	}

	start := time.Now()
	err := group.Wait()
	g.logger.Info("Load generation finished",
		zap.Int64("traces", g.traces.Load()),
		zap.Int64("spans", g.spans.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return err
}

func (g *Generator) trace(ctx context.Context, i int) {
	ctx, root := g.tracer.Start(ctx, "GET /load/"+strconv.Itoa(i%10),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("load.trace", i)))
	g.children(ctx, 1)
	if g.cfg.ErrorEvery > 0 && i%g.cfg.ErrorEvery == 0 {
		root.SetStatus(codes.Error, "synthetic failure")
	}
	root.End()
	g.spans.Inc()
	g.traces.Inc()
}

func (g *Generator) children(ctx context.Context, depth int) {
	if depth >= g.cfg.Depth {
		return
	}
	for c := 0; c < g.cfg.Fanout; c++ {
		cctx, span := g.tracer.Start(ctx, "call level "+strconv.Itoa(depth),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.Int("load.child", c)))
		span.AddEvent("request sent")
		g.children(cctx, depth+1)
		span.End()
		g.spans.Inc()
	}
}

// Traces returns the number of traces completed so far.
func (g *Generator) Traces() int64 {
	return g.traces.Load()
}

// Spans returns the number of spans ended so far.
func (g *Generator) Spans() int64 {
	return g.spans.Load()
}
