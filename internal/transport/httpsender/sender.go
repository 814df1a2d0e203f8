// Package httpsender posts span envelopes to a collector over HTTP.
package httpsender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/transport"
)

// Sender implements transport.Sender over HTTP POST.
type Sender struct {
	cfg     Config
	client  *http.Client
	limiter *transport.Limiter
	breaker *gobreaker.CircuitBreaker
	zstd    *zstd.Encoder
	gzips   sync.Pool
	closed  *atomic.Bool
	logger  *zap.Logger
}

var _ transport.Sender = (*Sender)(nil)

// New creates an HTTP sender. The client uses a pooled transport sized to
// MaxRequests.
func New(cfg Config, logger *zap.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := cleanhttp.DefaultPooledClient()
	if t, ok := client.Transport.(*http.Transport); ok && cfg.MaxRequests > 0 {
		t.MaxConnsPerHost = cfg.MaxRequests
		t.MaxIdleConnsPerHost = cfg.MaxRequests
	}

	s := &Sender{
		cfg:     cfg,
		client:  client,
		limiter: transport.NewLimiter(cfg.MaxRequests, cfg.FailFast),
		closed:  atomic.NewBool(false),
		logger:  logger,
	}

	if cfg.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		s.zstd = enc
	}

	if cfg.Breaker.Enabled {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Endpoint,
			MaxRequests: 1,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
			},
			// a rejected payload says nothing about collector health
			IsSuccessful: func(err error) bool {
				return err == nil || transport.Classify(err) == transport.ReasonRejected
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Collector circuit breaker changed state",
					zap.String("endpoint", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}

	logger.Info("HTTP sender created",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("compression", string(cfg.Compression)),
		zap.Int("max_requests", cfg.MaxRequests),
		zap.Int("message_max_bytes", cfg.MessageMaxBytes),
		zap.Bool("breaker", cfg.Breaker.Enabled))

	return s, nil
}

// MessageMaxBytes implements transport.Sender.
func (s *Sender) MessageMaxBytes() int {
	return s.cfg.MessageMaxBytes
}

// Send implements transport.Sender.
func (s *Sender) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return transport.NewError(transport.ReasonRejected, transport.ErrClosed)
	}
	if len(payload) > s.cfg.MessageMaxBytes {
		return transport.NewError(transport.ReasonRejected,
			fmt.Errorf("%w: %d > %d bytes", transport.ErrMessageTooLarge, len(payload), s.cfg.MessageMaxBytes))
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer s.limiter.Release()

	if s.breaker == nil {
		return s.post(ctx, payload)
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transport.NewError(transport.ReasonConnection, err)
	}
	return err
}

// Close implements transport.Sender.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.client.CloseIdleConnections()
	if s.zstd != nil {
		return s.zstd.Close()
	}
	return nil
}

func (s *Sender) post(ctx context.Context, payload []byte) error {
	body, err := s.compress(payload)
	if err != nil {
		return transport.NewError(transport.ReasonRejected, err)
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return transport.NewError(transport.ReasonRejected, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", s.cfg.ContentType)
	if s.cfg.Compression != "" && s.cfg.Compression != CompressionNone {
		req.Header.Set("Content-Encoding", string(s.cfg.Compression))
	}
	req.Header.Set(transport.BatchIDHeader, transport.BatchID(payload))
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return transport.NewError(transport.Classify(err), err)
	}
	defer resp.Body.Close()

	// keep the connection reusable
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode, msg)
}

func classifyStatus(code int, msg []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &transport.Error{
			Reason:     transport.ReasonServerError,
			StatusCode: code,
			Err:        fmt.Errorf("collector unavailable: %s", bytes.TrimSpace(msg)),
		}
	default:
		return &transport.Error{
			Reason:     transport.ReasonRejected,
			StatusCode: code,
			Err:        fmt.Errorf("collector rejected payload: %s", bytes.TrimSpace(msg)),
		}
	}
}

func (s *Sender) compress(payload []byte) ([]byte, error) {
	switch s.cfg.Compression {
	case CompressionGzip:
		var buf bytes.Buffer
		zw, _ := s.gzips.Get().(*gzip.Writer)
		if zw == nil {
			zw = gzip.NewWriter(&buf)
		} else {
			zw.Reset(&buf)
		}
		defer s.gzips.Put(zw)

		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to gzip payload: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return s.zstd.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
	default:
		return payload, nil
	}
}
