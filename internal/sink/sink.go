// Package sink is a development collector: it accepts envelopes from any
// supported sender, decodes them and counts what arrived.
package sink

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/model"
	"github.com/deepaksharma/async-span-reporter/internal/transport"
)

// Config configures the sink handler.
type Config struct {
	// MaxBodyBytes bounds a request body after decompression
	MaxBodyBytes int64

	// FailEvery answers every Nth request with 503; zero never fails
	FailEvery int64

	// RememberBatches is how many batch ids are kept for duplicate detection
	RememberBatches int
}

// DefaultConfig returns the sink defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    32 * 1024 * 1024,
		RememberBatches: 4096,
	}
}

// Handler is an http.Handler accepting span envelopes.
type Handler struct {
	cfg      Config
	logger   *zap.Logger
	encoders map[string]encoding.Encoder
	onSpans  func([]model.Span)

	requestCount *atomic.Int64

	spansReceived *prometheus.CounterVec
	requests      *prometheus.CounterVec
	duplicates    prometheus.Counter

	mu      sync.Mutex
	seen    map[string]struct{}
	seenLog []string
}

// NewHandler creates a handler and registers its metrics with reg. onSpans,
// when set, is called with every decoded envelope.
func NewHandler(cfg Config, reg prometheus.Registerer, logger *zap.Logger, onSpans func([]model.Span)) (*Handler, error) {
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("max_body_bytes must be greater than 0, got %d", cfg.MaxBodyBytes)
	}
	if cfg.RememberBatches <= 0 {
		return nil, fmt.Errorf("remember_batches must be greater than 0, got %d", cfg.RememberBatches)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	encoders := make(map[string]encoding.Encoder)
	for _, e := range []encoding.Encoding{encoding.JSON, encoding.Proto, encoding.CBOR} {
		enc, err := encoding.New(e)
		if err != nil {
			return nil, err
		}
		encoders[enc.ContentType()] = enc
	}

	h := &Handler{
		cfg:          cfg,
		logger:       logger,
		encoders:     encoders,
		onSpans:      onSpans,
		requestCount: atomic.NewInt64(0),
		spansReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spansink_spans_received_total",
			Help: "Spans decoded from accepted envelopes.",
		}, []string{"encoding"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spansink_requests_total",
			Help: "Envelope requests by response code.",
		}, []string{"code"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spansink_duplicate_batches_total",
			Help: "Envelopes whose batch id was already accepted.",
		}),
		seen: make(map[string]struct{}, cfg.RememberBatches),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{h.spansReceived, h.requests, h.duplicates} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register sink metrics: %w", err)
			}
		}
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code, err := h.serve(r)
	h.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	if err != nil {
		h.logger.Warn("Rejected envelope",
			zap.Int("status", code),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(code)
}

func (h *Handler) serve(r *http.Request) (int, error) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method)
	}
	if n := h.cfg.FailEvery; n > 0 && h.requestCount.Inc()%n == 0 {
		return http.StatusServiceUnavailable, fmt.Errorf("induced failure")
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return http.StatusUnsupportedMediaType, fmt.Errorf("invalid content type: %w", err)
	}
	enc, ok := h.encoders[mediaType]
	if !ok {
		return http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %q", mediaType)
	}

	body, err := decompress(r.Header.Get("Content-Encoding"), r.Body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	defer body.Close()

	payload, err := io.ReadAll(io.LimitReader(body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(payload)) > h.cfg.MaxBodyBytes {
		return http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", h.cfg.MaxBodyBytes)
	}

	spans, err := enc.Decode(payload)
	if err != nil {
		return http.StatusBadRequest, err
	}

	batchID := r.Header.Get(transport.BatchIDHeader)
	if batchID == "" {
		batchID = transport.BatchID(payload)
	}
	if h.remember(batchID) {
		h.duplicates.Inc()
		h.logger.Info("Duplicate envelope ignored", zap.String("batch_id", batchID))
		return http.StatusAccepted, nil
	}

	h.spansReceived.WithLabelValues(string(enc.Encoding())).Add(float64(len(spans)))
	h.logger.Debug("Accepted envelope",
		zap.String("encoding", string(enc.Encoding())),
		zap.String("batch_id", batchID),
		zap.Int("spans", len(spans)),
		zap.Int("bytes", len(payload)))
	if h.onSpans != nil {
		h.onSpans(spans)
	}
	return http.StatusAccepted, nil
}

// remember records a batch id and reports whether it was already known.
// The oldest id is forgotten once RememberBatches ids are held.
func (h *Handler) remember(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.seen[id]; ok {
		return true
	}
	if len(h.seenLog) >= h.cfg.RememberBatches {
		delete(h.seen, h.seenLog[0])
		h.seenLog = h.seenLog[1:]
	}
	h.seen[id] = struct{}{}
	h.seenLog = append(h.seenLog, id)
	return false
}

func decompress(contentEncoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch contentEncoding {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}
