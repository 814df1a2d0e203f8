package reporter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/transport"
)

// State is the dispatcher's current activity.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateSending
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateSending:
		return "sending"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// dispatcher is the single loop that moves spans from the queue to the
// sender.
type dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	config *Config

	queue   *BoundedQueue
	encoder encoding.Encoder
	sender  transport.Sender
	metrics *MetricsManager

	messageMaxBytes int
	backoff         *backoff.ExponentialBackOff
	state           *atomic.Int32

	flushChan chan chan struct{}
	stopChan  chan context.Context
	done      chan struct{}
}

// batchItem is a drained entry together with its encoded form.
type batchItem struct {
	entry   Entry
	encoded encoding.EncodedSpan
}

func newDispatcher(
	cfg *Config,
	queue *BoundedQueue,
	encoder encoding.Encoder,
	sender transport.Sender,
	metrics *MetricsManager,
	messageMaxBytes int,
	logger *zap.Logger,
) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Backoff.InitialInterval
	b.MaxInterval = cfg.Backoff.MaxInterval
	b.Multiplier = cfg.Backoff.Multiplier
	b.RandomizationFactor = cfg.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return &dispatcher{
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
		config:          cfg,
		queue:           queue,
		encoder:         encoder,
		sender:          sender,
		metrics:         metrics,
		messageMaxBytes: messageMaxBytes,
		backoff:         b,
		state:           atomic.NewInt32(int32(StateIdle)),
		flushChan:       make(chan chan struct{}),
		stopChan:        make(chan context.Context, 1),
		done:            make(chan struct{}),
	}
}

func (d *dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

func (d *dispatcher) State() State {
	return State(d.state.Load())
}

// busy reports whether the loop holds drained spans it has not finished
// sending.
func (d *dispatcher) busy() bool {
	s := d.State()
	return s == StateDraining || s == StateSending
}

// run is the dispatch loop. It wakes on the message timeout, when the queue
// signals a full message, on Flush and when a retry is due. While a retry is
// pending only Flush and the retry timer trigger a send.
func (d *dispatcher) run() {
	defer close(d.done)
	defer d.setState(StateStopped)

	ticker := time.NewTicker(d.config.MessageTimeout)
	defer ticker.Stop()

	var retry *time.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	schedule := func(delay time.Duration) {
		if retry != nil {
			retry.Stop()
			retry = nil
		}
		if delay > 0 {
			retry = time.NewTimer(delay)
		}
	}

	for {
		var retryC <-chan time.Time
		if retry != nil {
			retryC = retry.C
		}

		select {
		case <-retryC:
			retry = nil
			schedule(d.dispatch(d.ctx))

		case <-ticker.C:
			if retry == nil {
				schedule(d.dispatch(d.ctx))
			}

		case <-d.queue.Ready():
			if retry == nil {
				schedule(d.dispatch(d.ctx))
			}

		case ack := <-d.flushChan:
			schedule(d.dispatch(d.ctx))
			close(ack)

		case stopCtx := <-d.stopChan:
			d.shutdown(stopCtx)
			return

		case <-d.ctx.Done():
			d.dropRemaining()
			return
		}
	}
}

// dispatch sends what is queued now, one message at a time. Spans offered
// while it runs wait for the next trigger. It returns the delay before the
// next attempt when a send failed and spans were requeued, or zero.
func (d *dispatcher) dispatch(ctx context.Context) time.Duration {
	pending := d.queue.Len()
	for pending > 0 && ctx.Err() == nil {
		taken, retry := d.sendMessage(ctx)
		if retry {
			return d.nextBackoff()
		}
		if taken == 0 {
			break
		}
		pending -= taken
	}
	d.setState(StateIdle)
	return 0
}

func (d *dispatcher) nextBackoff() time.Duration {
	delay := d.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = d.config.Backoff.MaxInterval
	}
	d.logger.Debug("Backing off before next send", zap.Duration("delay", delay))
	return delay
}

// sendMessage drains one message worth of spans, encodes them and sends the
// resulting envelopes in order. It returns how many spans it took from the
// queue and whether some of them were requeued for a retry.
func (d *dispatcher) sendMessage(ctx context.Context) (int, bool) {
	d.setState(StateDraining)
	entries := d.queue.Drain(d.config.MaxSpansPerMessage, d.messageMaxBytes)
	if len(entries) == 0 {
		return 0, false
	}

	items := make([]batchItem, 0, len(entries))
	for _, e := range entries {
		encoded, err := d.encoder.Encode(e.Span)
		if err != nil {
			d.logger.Warn("Dropping malformed span",
				zap.String("trace_id", e.Span.TraceID),
				zap.String("span_id", e.Span.ID),
				zap.Error(err))
			d.metrics.recordDrop(DropMalformed, 1)
			continue
		}
		if d.encoder.MessageSize(1, encoded.Len()) > d.messageMaxBytes {
			d.logger.Warn("Dropping span larger than the maximum message size",
				zap.String("trace_id", e.Span.TraceID),
				zap.String("span_id", e.Span.ID),
				zap.Int("size", encoded.Len()),
				zap.Int("message_max_bytes", d.messageMaxBytes))
			d.metrics.recordDrop(DropOversized, 1)
			continue
		}
		items = append(items, batchItem{entry: e, encoded: encoded})
	}

	messages := d.split(items)
	for i, msg := range messages {
		d.setState(StateSending)
		err := d.send(ctx, msg)
		if err == nil {
			continue
		}

		reason := transport.Classify(err)
		if !reason.Retryable() {
			d.logger.Error("Collector rejected message, dropping spans",
				zap.Int("spans", len(msg)),
				zap.Error(err))
			d.metrics.recordDrop(DropRejected, len(msg))
			continue
		}

		var unsent []Entry
		for _, m := range messages[i:] {
			for _, it := range m {
				unsent = append(unsent, it.entry)
			}
		}
		d.logger.Warn("Failed to send message, will retry",
			zap.String("reason", reason.String()),
			zap.Int("spans", len(unsent)),
			zap.Error(err))
		d.retry(unsent)
		return len(entries), true
	}

	return len(entries), false
}

// split groups items into envelopes no larger than messageMaxBytes.
func (d *dispatcher) split(items []batchItem) [][]batchItem {
	var (
		messages [][]batchItem
		current  []batchItem
		bytes    int
	)
	for _, it := range items {
		if len(current) > 0 && d.encoder.MessageSize(len(current)+1, bytes+it.encoded.Len()) > d.messageMaxBytes {
			messages = append(messages, current)
			current, bytes = nil, 0
		}
		current = append(current, it)
		bytes += it.encoded.Len()
	}
	if len(current) > 0 {
		messages = append(messages, current)
	}
	return messages
}

func (d *dispatcher) send(ctx context.Context, msg []batchItem) error {
	encoded := make([]encoding.EncodedSpan, len(msg))
	for i, it := range msg {
		encoded[i] = it.encoded
	}
	payload := d.encoder.Envelope(encoded)

	err := d.sender.Send(ctx, payload)
	if err != nil {
		d.metrics.messagesFailed.Inc()
		return err
	}

	d.metrics.recordSent(len(msg), len(payload))
	d.backoff.Reset()
	return nil
}

// retry bumps the attempt count of entries and puts those with attempts left
// back at the front of the queue.
func (d *dispatcher) retry(entries []Entry) {
	keep := entries[:0]
	exhausted := 0
	for _, e := range entries {
		e.Attempts++
		if e.Attempts > d.config.MaxRetries {
			exhausted++
			continue
		}
		keep = append(keep, e)
	}

	if exhausted > 0 {
		d.logger.Warn("Dropping spans after exhausting retries",
			zap.Int("spans", exhausted),
			zap.Int("max_retries", d.config.MaxRetries))
		d.metrics.recordDrop(DropRetriesExhausted, exhausted)
	}
	if len(keep) == 0 {
		return
	}
	if !d.queue.requeue(keep) {
		d.metrics.recordDrop(DropShutdown, len(keep))
		return
	}
	d.metrics.retries.Add(int64(len(keep)))
}

// shutdown drains the closed queue until it is empty or ctx ends, then drops
// what is left.
func (d *dispatcher) shutdown(ctx context.Context) {
	d.setState(StateShuttingDown)
	d.logger.Info("Draining span queue", zap.Int("queued", d.queue.Len()))

	for d.queue.Len() > 0 && ctx.Err() == nil && d.ctx.Err() == nil {
		_, retry := d.sendMessage(ctx)
		d.setState(StateShuttingDown)
		if !retry {
			continue
		}

		timer := time.NewTimer(d.nextBackoff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		case <-d.ctx.Done():
			timer.Stop()
		}
	}

	d.dropRemaining()
}

func (d *dispatcher) dropRemaining() {
	if n, _ := d.queue.abandon(); n > 0 {
		d.logger.Warn("Dropping queued spans at shutdown", zap.Int("spans", n))
		d.metrics.recordDrop(DropShutdown, n)
	}
}
