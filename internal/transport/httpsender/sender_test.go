package httpsender

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/transport"
)

type recorder struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	status   int
	requests *atomic.Int64
}

func newRecorder(status int) *recorder {
	return &recorder{status: status, requests: atomic.NewInt64(0)}
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.requests.Inc()
	var body io.Reader = req.Body
	switch req.Header.Get("Content-Encoding") {
	case "gzip":
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	case "zstd":
		zr, err := zstd.NewReader(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.bodies = append(r.bodies, data)
	r.headers = append(r.headers, req.Header.Clone())
	status := r.status
	r.mu.Unlock()

	w.WriteHeader(status)
}

func (r *recorder) lastBody() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.bodies) == 0 {
		return nil
	}
	return r.bodies[len(r.bodies)-1]
}

func (r *recorder) lastHeader() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.headers) == 0 {
		return nil
	}
	return r.headers[len(r.headers)-1]
}

func newSender(t *testing.T, url string, mutate func(*Config)) *Sender {
	t.Helper()
	cfg := DefaultConfig(url)
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err, "Failed to create sender")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSendCompressions(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			rec := newRecorder(http.StatusAccepted)
			srv := httptest.NewServer(rec)
			defer srv.Close()

			s := newSender(t, srv.URL, func(cfg *Config) {
				cfg.Compression = c
				cfg.Headers = map[string]string{"X-Tenant": "blue"}
			})

			payload := []byte(`[{"traceId":"000000000000a1b2","id":"000000000000c3d4"}]`)
			require.NoError(t, s.Send(context.Background(), payload))

			assert.Equal(t, payload, rec.lastBody(), "Collector should see the uncompressed envelope")
			h := rec.lastHeader()
			assert.Equal(t, "application/json", h.Get("Content-Type"))
			assert.Equal(t, "blue", h.Get("X-Tenant"))
			assert.Equal(t, transport.BatchID(payload), h.Get(transport.BatchIDHeader))
			if c == CompressionNone {
				assert.Empty(t, h.Get("Content-Encoding"))
			} else {
				assert.Equal(t, string(c), h.Get("Content-Encoding"))
			}
		})
	}
}

func TestSendStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   transport.Reason
	}{
		{http.StatusOK, transport.ReasonSuccess},
		{http.StatusAccepted, transport.ReasonSuccess},
		{http.StatusBadRequest, transport.ReasonRejected},
		{http.StatusRequestEntityTooLarge, transport.ReasonRejected},
		{http.StatusRequestTimeout, transport.ReasonServerError},
		{http.StatusTooManyRequests, transport.ReasonServerError},
		{http.StatusServiceUnavailable, transport.ReasonServerError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(newRecorder(tt.status))
			defer srv.Close()

			s := newSender(t, srv.URL, nil)
			err := s.Send(context.Background(), []byte("[]"))
			assert.Equal(t, tt.want, transport.Classify(err))

			var te *transport.Error
			if tt.want != transport.ReasonSuccess {
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.status, te.StatusCode)
			}
		})
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	rec := newRecorder(http.StatusOK)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := newSender(t, srv.URL, func(cfg *Config) { cfg.MessageMaxBytes = 8 })
	assert.Equal(t, 8, s.MessageMaxBytes())

	err := s.Send(context.Background(), []byte("0123456789"))
	require.ErrorIs(t, err, transport.ErrMessageTooLarge)
	assert.Equal(t, transport.ReasonRejected, transport.Classify(err))
	assert.Zero(t, rec.requests.Load(), "Oversized payload must not reach the collector")
}

func TestSendAfterClose(t *testing.T) {
	rec := newRecorder(http.StatusOK)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := newSender(t, srv.URL, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close should be idempotent")

	err := s.Send(context.Background(), []byte("[]"))
	require.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, transport.ReasonRejected, transport.Classify(err))
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := newSender(t, srv.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	start := time.Now()
	err := s.Send(context.Background(), []byte("[]"))
	require.Error(t, err)
	assert.Equal(t, transport.ReasonTimeout, transport.Classify(err))
	assert.Less(t, time.Since(start), 5*time.Second, "Request should be bounded by the timeout")
}

func TestSendConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := newSender(t, "http://"+addr+"/api/v2/spans", nil)
	err = s.Send(context.Background(), []byte("[]"))
	require.Error(t, err)
	assert.Equal(t, transport.ReasonConnection, transport.Classify(err))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	rec := newRecorder(http.StatusServiceUnavailable)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := newSender(t, srv.URL, func(cfg *Config) {
		cfg.Breaker.Enabled = true
		cfg.Breaker.ConsecutiveFailures = 2
		cfg.Breaker.OpenTimeout = time.Minute
	})

	for i := 0; i < 2; i++ {
		err := s.Send(context.Background(), []byte("[]"))
		assert.Equal(t, transport.ReasonServerError, transport.Classify(err))
	}

	err := s.Send(context.Background(), []byte("[]"))
	require.Error(t, err)
	assert.Equal(t, transport.ReasonConnection, transport.Classify(err), "Open breaker should look like an unreachable collector")
	assert.Equal(t, int64(2), rec.requests.Load(), "Open breaker must short-circuit requests")
}

func TestBreakerIgnoresRejections(t *testing.T) {
	rec := newRecorder(http.StatusBadRequest)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := newSender(t, srv.URL, func(cfg *Config) {
		cfg.Breaker.Enabled = true
		cfg.Breaker.ConsecutiveFailures = 1
		cfg.Breaker.OpenTimeout = time.Minute
	})

	for i := 0; i < 3; i++ {
		err := s.Send(context.Background(), []byte("[]"))
		assert.Equal(t, transport.ReasonRejected, transport.Classify(err))
	}
	assert.Equal(t, int64(3), rec.requests.Load())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }, true},
		{"bad scheme", func(c *Config) { c.Endpoint = "ftp://localhost:9411" }, true},
		{"no host", func(c *Config) { c.Endpoint = "http:///api/v2/spans" }, true},
		{"bad compression", func(c *Config) { c.Compression = "brotli" }, true},
		{"negative max requests", func(c *Config) { c.MaxRequests = -1 }, true},
		{"zero message size", func(c *Config) { c.MessageMaxBytes = 0 }, true},
		{"breaker without threshold", func(c *Config) {
			c.Breaker.Enabled = true
			c.Breaker.ConsecutiveFailures = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("http://localhost:9411/api/v2/spans")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
