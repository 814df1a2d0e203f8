// Command spansink runs a development collector that accepts span envelopes
// over HTTP, decodes them and exposes what it received as Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/model"
	"github.com/deepaksharma/async-span-reporter/internal/sink"
)

var (
	// Command-line flags
	listenAddr   = flag.String("listen", ":9411", "Address to accept envelopes on")
	maxBodyBytes = flag.Int64("max-body-bytes", sink.DefaultConfig().MaxBodyBytes, "Largest accepted body after decompression")
	failEvery    = flag.Int64("fail-every", 0, "Answer every Nth request with 503 (0 disables)")
	logSpans     = flag.Bool("log-spans", false, "Log every received span")
	verbose      = flag.BoolP("verbose", "v", false, "Enable verbose logging")
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var onSpans func([]model.Span)
	if *logSpans {
		onSpans = func(spans []model.Span) {
			for _, s := range spans {
				logger.Info("Span",
					zap.String("trace_id", s.TraceID),
					zap.String("id", s.ID),
					zap.String("parent_id", s.ParentID),
					zap.String("name", s.Name),
					zap.String("service", s.LocalService),
					zap.Duration("duration", s.Duration))
			}
		}
	}

	cfg := sink.DefaultConfig()
	cfg.MaxBodyBytes = *maxBodyBytes
	cfg.FailEvery = *failEvery
	handler, err := sink.NewHandler(cfg, reg, logger, onSpans)
	if err != nil {
		logger.Error("Failed to create sink", zap.Error(err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(encoding.JSON.DefaultPath(), handler)
	mux.Handle(encoding.Proto.DefaultPath(), handler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown did not complete", zap.Error(err))
		}
	}()

	logger.Info("Span sink listening", zap.String("addr", *listenAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Span sink stopped")
}
