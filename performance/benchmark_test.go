package performance

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/model"
	"github.com/deepaksharma/async-span-reporter/internal/reporter"
)

// discardSender accepts every envelope and counts the bytes.
type discardSender struct {
	bytes atomic.Int64
}

func (s *discardSender) Send(_ context.Context, payload []byte) error {
	s.bytes.Add(int64(len(payload)))
	return nil
}

func (s *discardSender) MessageMaxBytes() int { return 5 * 1024 * 1024 }

func (s *discardSender) Close() error { return nil }

func createTestSpan(i int) model.Span {
	return model.Span{
		TraceID:      fmt.Sprintf("%032x", i+1),
		ID:           fmt.Sprintf("%016x", i+1),
		ParentID:     fmt.Sprintf("%016x", i/10+1),
		Name:         "benchmark-span",
		Kind:         model.KindClient,
		LocalService: "benchmark-service",
		Start:        time.Unix(1700000000, 0),
		Duration:     time.Duration(i%1000) * time.Microsecond,
		Tags: map[string]any{
			"http.method": "GET",
			"http.status": int64(200),
			"retry":       i%7 == 0,
		},
		Events: []model.Event{{Time: time.Unix(1700000000, 500), Name: "sent"}},
	}
}

func BenchmarkEncoding(b *testing.B) {
	for _, enc := range []encoding.Encoding{encoding.JSON, encoding.Proto, encoding.CBOR} {
		e, err := encoding.New(enc)
		require.NoError(b, err)

		b.Run(string(enc)+"/encode", func(b *testing.B) {
			span := createTestSpan(1)
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := e.Encode(span); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run(string(enc)+"/size", func(b *testing.B) {
			span := createTestSpan(1)
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = e.SizeInBytes(span)
			}
		})

		for _, count := range []int{10, 100, 1000} {
			encoded := make([]encoding.EncodedSpan, count)
			for i := range encoded {
				encoded[i], err = e.Encode(createTestSpan(i))
				require.NoError(b, err)
			}
			b.Run(string(enc)+"/envelope_"+strconv.Itoa(count), func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					_ = e.Envelope(encoded)
				}
			})
		}
	}
}

func BenchmarkReport(b *testing.B) {
	benchmarks := []struct {
		name           string
		encoding       encoding.Encoding
		queuedMaxSpans int
		spansPerMsg    int
	}{
		{name: "JSON_SmallQueue", encoding: encoding.JSON, queuedMaxSpans: 1000, spansPerMsg: 100},
		{name: "JSON_LargeQueue", encoding: encoding.JSON, queuedMaxSpans: 100000, spansPerMsg: 1000},
		{name: "Proto_LargeQueue", encoding: encoding.Proto, queuedMaxSpans: 100000, spansPerMsg: 1000},
		{name: "CBOR_LargeQueue", encoding: encoding.CBOR, queuedMaxSpans: 100000, spansPerMsg: 1000},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			e, err := encoding.New(bm.encoding)
			require.NoError(b, err)

			cfg := reporter.DefaultConfig()
			cfg.QueuedMaxSpans = bm.queuedMaxSpans
			cfg.QueuedMaxBytes = bm.queuedMaxSpans * 1024
			cfg.MaxSpansPerMessage = bm.spansPerMsg
			cfg.MessageTimeout = 10 * time.Millisecond
			cfg.CloseTimeout = 30 * time.Second

			sender := &discardSender{}
			r, err := reporter.New(cfg, e, sender, reporter.Settings{Logger: zap.NewNop()})
			require.NoError(b, err)

			spans := make([]model.Span, 1024)
			for i := range spans {
				spans[i] = createTestSpan(i)
			}

			b.ReportAllocs()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					r.Report(spans[i%len(spans)])
					i++
				}
			})
			b.StopTimer()

			require.NoError(b, r.Close())
			stats := r.Metrics()
			b.ReportMetric(float64(stats.SpansDropped())/float64(b.N), "drops/op")
			b.ReportMetric(float64(sender.bytes.Load())/float64(b.N), "wire_bytes/op")
		})
	}
}
