// Command spangen generates synthetic traces and ships them through the span
// reporter, to a collector or to an in-process consumer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/config"
	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/loadgen"
	"github.com/deepaksharma/async-span-reporter/internal/reporter"
	"github.com/deepaksharma/async-span-reporter/internal/tracer"
	"github.com/deepaksharma/async-span-reporter/internal/transport/consumersender"
)

var (
	// Command-line flags
	configPath     = flag.StringP("config", "c", "", "Path to the reporter options file")
	serviceName    = flag.String("service", "spangen", "Service name reported on every span")
	profile        = flag.String("profile", "", "Tuning profile: low, medium or high")
	generateConfig = flag.Bool("generate-config", false, "Print the effective options as YAML and exit")
	outputFile     = flag.StringP("output", "o", "", "Output file for --generate-config")
	inProcess      = flag.Bool("in-process", false, "Deliver to an in-process consumer instead of the configured transport")
	metricsAddr    = flag.String("metrics-listen", "", "Serve reporter metrics on this address while running")
	traces         = flag.IntP("traces", "n", loadgen.DefaultConfig().Traces, "Number of traces to generate (0 runs until interrupted)")
	workers        = flag.Int("workers", loadgen.DefaultConfig().Workers, "Concurrent trace producers")
	rate           = flag.Float64("rate", 0, "Traces per second across all workers (0 is unlimited)")
	depth          = flag.Int("depth", loadgen.DefaultConfig().Depth, "Span levels per trace")
	fanout         = flag.Int("fanout", loadgen.DefaultConfig().Fanout, "Children under each non-leaf span")
	errorEvery     = flag.Int("error-every", 0, "Mark every Nth trace as failed (0 disables)")
	verbose        = flag.BoolP("verbose", "v", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	// Create logger
	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	if opts.ServiceName == "" {
		opts.ServiceName = *serviceName
	}
	if err := opts.ApplyProfile(*profile); err != nil {
		logger.Error("Failed to apply profile", zap.Error(err))
		os.Exit(1)
	}

	if *generateConfig {
		out, err := opts.YAML()
		if err != nil {
			logger.Error("Failed to render configuration", zap.Error(err))
			os.Exit(1)
		}
		if *outputFile == "" {
			fmt.Print(string(out))
			return
		}
		if err := os.MkdirAll(filepath.Dir(*outputFile), 0o755); err != nil {
			logger.Error("Failed to create directory", zap.Error(err))
			os.Exit(1)
		}
		if err := os.WriteFile(*outputFile, out, 0o644); err != nil {
			logger.Error("Failed to write config file", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("Generated configuration", zap.String("output", *outputFile))
		return
	}

	var tr *tracer.Tracer
	received := atomic.NewInt64(0)
	if *inProcess {
		tr, err = newInProcessTracer(opts, received, logger)
	} else {
		tr, err = tracer.New("", opts, logger)
	}
	if err != nil {
		logger.Error("Failed to create tracer", zap.Error(err))
		os.Exit(1)
	}

	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, tr.Reporter(), logger)
	}

	gen, err := loadgen.New(loadgen.Config{
		Traces:     *traces,
		Workers:    *workers,
		Rate:       *rate,
		Depth:      *depth,
		Fanout:     *fanout,
		ErrorEvery: *errorEvery,
	}, tr, logger)
	if err != nil {
		logger.Error("Failed to create generator", zap.Error(err))
		_ = tr.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := gen.Run(ctx)
	closeErr := tr.Close()

	stats := tr.Reporter().Metrics()
	fields := []zap.Field{
		zap.Int64("spans_generated", gen.Spans()),
		zap.Int64("spans_reported", stats.SpansReported),
		zap.Int64("spans_sent", stats.SpansSent),
		zap.Int64("spans_dropped", stats.SpansDropped()),
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("retries", stats.Retries),
	}
	if *inProcess {
		fields = append(fields, zap.Int64("spans_consumed", received.Load()))
	}
	logger.Info("Run complete", fields...)

	if err := errors.Join(runErr, closeErr); err != nil {
		logger.Error("Run did not complete cleanly", zap.Error(err))
		os.Exit(1)
	}
}

// newInProcessTracer builds a reporter whose envelopes are consumed in this
// process, counting the spans that arrive.
func newInProcessTracer(opts *config.Options, received *atomic.Int64, logger *zap.Logger) (*tracer.Tracer, error) {
	opts.Encoding = config.String(string(encoding.Proto))
	res, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	enc, err := encoding.New(res.Encoding)
	if err != nil {
		return nil, err
	}

	next, err := consumer.NewTraces(func(_ context.Context, td ptrace.Traces) error {
		received.Add(int64(td.SpanCount()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	sender, err := consumersender.New(next, res.HTTP.MessageMaxBytes, logger)
	if err != nil {
		return nil, err
	}

	rep, err := reporter.New(res.Reporter, enc, sender, reporter.Settings{Logger: logger})
	if err != nil {
		_ = sender.Close()
		return nil, err
	}
	return tracer.NewFromReporter(res.ServiceName, rep, logger), nil
}

func serveMetrics(addr string, rep *reporter.Reporter, logger *zap.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(rep.NewCollector(prometheus.Labels{"command": "spangen"}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server failed", zap.Error(err))
		}
	}()
}
