package reporter

import (
	"sync"

	"github.com/deepaksharma/async-span-reporter/internal/model"
)

// Entry is a queued span with its estimated encoded size and the number of
// failed send attempts it has been part of.
type Entry struct {
	Span     model.Span
	Size     int
	Attempts int
}

// BoundedQueue holds finished spans until the dispatcher sends them. It is
// bounded by span count and by estimated encoded bytes, and never blocks a
// producer. A requeued batch is put back even when new offers have refilled
// the queue in the meantime, so the bounds can be exceeded by at most one
// message until that batch is sent; offers are refused until then.
type BoundedQueue struct {
	entries []Entry
	count   int
	bytes   int

	// closed rejects offers; abandoned also rejects requeues
	closed    bool
	abandoned bool

	maxSpans int
	maxBytes int

	// ready is signalled once the queue holds a full message worth of spans
	readyBytes int
	readySpans int
	ready      chan struct{}

	metrics *MetricsManager

	mu sync.Mutex
}

// NewBoundedQueue creates a queue admitting at most maxSpans spans and
// maxBytes estimated bytes.
func NewBoundedQueue(maxSpans, maxBytes int, metrics *MetricsManager) *BoundedQueue {
	return &BoundedQueue{
		maxSpans:   maxSpans,
		maxBytes:   maxBytes,
		readyBytes: maxBytes,
		readySpans: maxSpans,
		ready:      make(chan struct{}, 1),
		metrics:    metrics,
	}
}

// setReadyThresholds sets when Offer signals Ready.
func (q *BoundedQueue) setReadyThresholds(spans, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readySpans = spans
	q.readyBytes = bytes
}

// Offer adds a span of the given estimated size. It returns false and counts
// a drop if the queue is closed or either bound would be exceeded.
func (q *BoundedQueue) Offer(span model.Span, size int) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.metrics.recordDrop(DropClosed, 1)
		return false
	}
	if q.count+1 > q.maxSpans || q.bytes+size > q.maxBytes {
		q.mu.Unlock()
		q.metrics.recordDrop(DropQueueFull, 1)
		return false
	}

	q.entries = append(q.entries, Entry{Span: span, Size: size})
	q.count++
	q.bytes += size
	q.metrics.setQueued(q.count, q.bytes)
	signal := q.count >= q.readySpans || q.bytes >= q.readyBytes
	q.mu.Unlock()

	q.metrics.spansReported.Inc()
	if signal {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return true
}

// Drain removes up to maxCount spans, oldest first, whose sizes add up to at
// most maxBytes. A non-empty queue always yields at least one span, even one
// larger than maxBytes, so an oversized span cannot wedge the queue.
func (q *BoundedQueue) Drain(maxCount, maxBytes int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, bytes := 0, 0
	for n < len(q.entries) && n < maxCount {
		size := q.entries[n].Size
		if n > 0 && bytes+size > maxBytes {
			break
		}
		bytes += size
		n++
	}
	if n == 0 {
		return nil
	}

	out := make([]Entry, n)
	copy(out, q.entries[:n])
	clear(q.entries[:n])
	q.entries = q.entries[n:]
	q.count -= n
	q.bytes -= bytes
	q.metrics.setQueued(q.count, q.bytes)
	return out
}

// requeue puts entries back at the front, ahead of anything offered since
// they were drained. Entries were admitted once, so the bounds are not
// checked again. It returns false once the queue has been abandoned; the
// caller then owns the drop.
func (q *BoundedQueue) requeue(entries []Entry) bool {
	if len(entries) == 0 {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return false
	}

	merged := make([]Entry, 0, len(entries)+len(q.entries))
	merged = append(merged, entries...)
	merged = append(merged, q.entries...)
	q.entries = merged
	for _, e := range entries {
		q.count++
		q.bytes += e.Size
	}
	q.metrics.setQueued(q.count, q.bytes)
	return true
}

// Close stops accepting offers. Queued spans stay drainable.
func (q *BoundedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// abandon closes the queue, refuses further requeues and removes everything
// still queued. Only the first caller sees a non-zero count.
func (q *BoundedQueue) abandon() (count, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count, bytes = q.count, q.bytes
	q.closed = true
	q.abandoned = true
	q.entries = nil
	q.count = 0
	q.bytes = 0
	q.metrics.setQueued(0, 0)
	return count, bytes
}

// Ready is signalled when the queue crosses its ready threshold.
func (q *BoundedQueue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued spans.
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Bytes returns the estimated size of queued spans.
func (q *BoundedQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Closed reports whether offers are refused.
func (q *BoundedQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
