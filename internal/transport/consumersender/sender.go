// Package consumersender delivers proto envelopes to an in-process
// collector pipeline.
package consumersender

import (
	"context"
	"fmt"

	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/consumer/consumererror"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/transport"
)

// Sender implements transport.Sender by unmarshalling each envelope into
// ptrace.Traces and passing it to the next consumer. It only accepts the
// proto encoding.
type Sender struct {
	next            consumer.Traces
	unmarshaler     *ptrace.ProtoUnmarshaler
	messageMaxBytes int
	closed          *atomic.Bool
	logger          *zap.Logger
}

var _ transport.Sender = (*Sender)(nil)

// New creates a sender feeding next.
func New(next consumer.Traces, messageMaxBytes int, logger *zap.Logger) (*Sender, error) {
	if next == nil {
		return nil, fmt.Errorf("next consumer must not be nil")
	}
	if messageMaxBytes <= 0 {
		return nil, fmt.Errorf("message_max_bytes must be greater than 0, got %d", messageMaxBytes)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		next:            next,
		unmarshaler:     &ptrace.ProtoUnmarshaler{},
		messageMaxBytes: messageMaxBytes,
		closed:          atomic.NewBool(false),
		logger:          logger,
	}, nil
}

// MessageMaxBytes implements transport.Sender.
func (s *Sender) MessageMaxBytes() int {
	return s.messageMaxBytes
}

// Send implements transport.Sender.
func (s *Sender) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return transport.NewError(transport.ReasonRejected, transport.ErrClosed)
	}
	if len(payload) > s.messageMaxBytes {
		return transport.NewError(transport.ReasonRejected,
			fmt.Errorf("%w: %d > %d bytes", transport.ErrMessageTooLarge, len(payload), s.messageMaxBytes))
	}

	td, err := s.unmarshaler.UnmarshalTraces(payload)
	if err != nil {
		return transport.NewError(transport.ReasonRejected, fmt.Errorf("failed to unmarshal envelope: %w", err))
	}

	if err := s.next.ConsumeTraces(ctx, td); err != nil {
		if consumererror.IsPermanent(err) {
			return transport.NewError(transport.ReasonRejected, err)
		}
		return transport.NewError(transport.ReasonServerError, err)
	}

	s.logger.Debug("Envelope consumed", zap.Int("spans", td.SpanCount()))
	return nil
}

// Close implements transport.Sender. The next consumer is owned by the caller.
func (s *Sender) Close() error {
	s.closed.Store(true)
	return nil
}
