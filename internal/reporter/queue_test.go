package reporter

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/deepaksharma/async-span-reporter/internal/model"
)

func newTestMetrics() *MetricsManager {
	return NewMetricsManager(noop.NewMeterProvider().Meter("test"))
}

func generateSpan(i int) model.Span {
	return model.Span{
		TraceID:      "a1b2",
		ID:           fmt.Sprintf("%x", i+1),
		Name:         fmt.Sprintf("op-%d", i),
		LocalService: "test-service",
		Start:        time.Unix(1700000000, 0).Add(time.Duration(i) * time.Millisecond),
		Duration:     time.Millisecond,
	}
}

func TestQueueOfferRespectsSpanLimit(t *testing.T) {
	metrics := newTestMetrics()
	q := NewBoundedQueue(10, 1<<20, metrics)

	accepted := 0
	for i := 0; i < 15; i++ {
		if q.Offer(generateSpan(i), 100) {
			accepted++
		}
	}

	assert.Equal(t, 10, accepted, "Queue should accept exactly its span limit")
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, 1000, q.Bytes())
	assert.Equal(t, int64(5), metrics.Snapshot().Dropped[DropQueueFull], "Each rejected offer should be counted")

	// rejection is deterministic until a drain frees room
	assert.False(t, q.Offer(generateSpan(99), 100))
	require.Len(t, q.Drain(1, 1<<20), 1)
	assert.True(t, q.Offer(generateSpan(100), 100))
}

func TestQueueOfferRespectsByteLimit(t *testing.T) {
	metrics := newTestMetrics()
	q := NewBoundedQueue(100, 250, metrics)

	assert.True(t, q.Offer(generateSpan(0), 100))
	assert.True(t, q.Offer(generateSpan(1), 100))
	assert.False(t, q.Offer(generateSpan(2), 100), "Third span would exceed the byte limit")
	assert.True(t, q.Offer(generateSpan(3), 50), "A smaller span still fits")
	assert.Equal(t, 250, q.Bytes())
	assert.Equal(t, int64(1), metrics.Snapshot().Dropped[DropQueueFull])
}

func TestQueueDrainIsFIFO(t *testing.T) {
	q := NewBoundedQueue(100, 1<<20, newTestMetrics())
	for i := 0; i < 10; i++ {
		require.True(t, q.Offer(generateSpan(i), 10))
	}

	first := q.Drain(4, 1<<20)
	rest := q.Drain(100, 1<<20)
	require.Len(t, first, 4)
	require.Len(t, rest, 6)

	for i, e := range append(first, rest...) {
		assert.Equal(t, generateSpan(i).ID, e.Span.ID, "Spans should come out in arrival order")
	}
	assert.Empty(t, q.Drain(10, 1<<20), "Empty queue drains nothing")
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Bytes())
}

func TestQueueDrainByteBound(t *testing.T) {
	q := NewBoundedQueue(100, 1<<20, newTestMetrics())
	require.True(t, q.Offer(generateSpan(0), 500))
	require.True(t, q.Offer(generateSpan(1), 40))
	require.True(t, q.Offer(generateSpan(2), 40))

	got := q.Drain(10, 100)
	require.Len(t, got, 1, "An oversized head is returned alone")
	assert.Equal(t, 500, got[0].Size)

	got = q.Drain(10, 100)
	assert.Len(t, got, 2)
	assert.Zero(t, q.Bytes())
}

func TestQueueCloseKeepsContentsDrainable(t *testing.T) {
	metrics := newTestMetrics()
	q := NewBoundedQueue(100, 1<<20, metrics)
	require.True(t, q.Offer(generateSpan(0), 10))

	q.Close()
	assert.True(t, q.Closed())
	assert.False(t, q.Offer(generateSpan(1), 10))
	assert.Equal(t, int64(1), metrics.Snapshot().Dropped[DropClosed])
	assert.Len(t, q.Drain(10, 1<<20), 1)
}

func TestQueueRequeueGoesToFront(t *testing.T) {
	q := NewBoundedQueue(3, 30, newTestMetrics())
	for i := 0; i < 3; i++ {
		require.True(t, q.Offer(generateSpan(i), 10))
	}

	head := q.Drain(2, 1<<20)
	require.True(t, q.Offer(generateSpan(3), 10))
	require.True(t, q.Offer(generateSpan(4), 10))

	require.True(t, q.requeue(head), "Requeue ignores the bounds")
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 50, q.Bytes())
	assert.False(t, q.Offer(generateSpan(5), 10), "Offers are refused while the queue is over its bounds")

	var ids []string
	for _, e := range q.Drain(10, 1<<20) {
		ids = append(ids, e.Span.ID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)
}

func TestQueueAbandon(t *testing.T) {
	q := NewBoundedQueue(100, 1<<20, newTestMetrics())
	for i := 0; i < 5; i++ {
		require.True(t, q.Offer(generateSpan(i), 10))
	}
	held := q.Drain(2, 1<<20)

	n, bytes := q.abandon()
	assert.Equal(t, 3, n)
	assert.Equal(t, 30, bytes)

	n, _ = q.abandon()
	assert.Zero(t, n, "Only the first abandon reports spans")
	assert.False(t, q.requeue(held), "An abandoned queue refuses requeues")
	assert.False(t, q.Offer(generateSpan(9), 10))
	assert.Zero(t, q.Len())
}

func TestQueueReadySignal(t *testing.T) {
	q := NewBoundedQueue(100, 1<<20, newTestMetrics())
	q.setReadyThresholds(3, 1000)

	require.True(t, q.Offer(generateSpan(0), 10))
	require.True(t, q.Offer(generateSpan(1), 10))
	select {
	case <-q.Ready():
		t.Fatal("Ready fired below the threshold")
	default:
	}

	require.True(t, q.Offer(generateSpan(2), 10))
	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready should fire at the span threshold")
	}

	q.setReadyThresholds(100, 50)
	require.True(t, q.Offer(generateSpan(3), 30))
	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready should fire at the byte threshold")
	}
}

func TestQueueConcurrentOffers(t *testing.T) {
	metrics := newTestMetrics()
	q := NewBoundedQueue(500, 1<<20, metrics)

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Offer(generateSpan(p*100+i), 7)
			}
		}(p)
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		drained += len(q.Drain(50, 1<<20))
		select {
		case <-done:
			drained += len(q.Drain(1000, 1<<20))
			s := metrics.Snapshot()
			assert.Equal(t, int64(drained), s.SpansReported, "Every accepted span should be drained once")
			assert.Equal(t, int64(1000), s.SpansReported+s.Dropped[DropQueueFull])
			assert.Zero(t, q.Len())
			assert.Zero(t, q.Bytes())
			return
		default:
		}
	}
}
