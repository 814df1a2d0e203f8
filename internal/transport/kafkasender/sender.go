// Package kafkasender publishes span envelopes to a Kafka topic, one message
// per envelope.
package kafkasender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/async-span-reporter/internal/transport"
)

// DefaultMessageMaxBytes matches the broker default message.max.bytes.
const DefaultMessageMaxBytes = 1000000

// Config configures the Kafka sender.
type Config struct {
	Brokers         []string
	Topic           string
	MaxRequests     int
	FailFast        bool
	MessageMaxBytes int
	Compress        bool
	WriteTimeout    time.Duration
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("at least one broker must be specified")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("topic must be specified")
	}
	if cfg.MessageMaxBytes <= 0 {
		return fmt.Errorf("message_max_bytes must be greater than 0, got %d", cfg.MessageMaxBytes)
	}
	if cfg.MaxRequests < 0 {
		return fmt.Errorf("max_requests must not be negative, got %d", cfg.MaxRequests)
	}
	return nil
}

// messageWriter is the part of *kafka.Writer the sender uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender implements transport.Sender on top of a kafka.Writer.
type Sender struct {
	cfg     Config
	writer  messageWriter
	limiter *transport.Limiter
	closed  *atomic.Bool
	logger  *zap.Logger
}

var _ transport.Sender = (*Sender)(nil)

// New creates a Kafka sender. Messages are keyed by batch id so a retried
// envelope lands on the same partition.
func New(cfg Config, logger *zap.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    1,
		BatchBytes:   int64(cfg.MessageMaxBytes),
		WriteTimeout: cfg.WriteTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn("Kafka writer error", zap.String("message", fmt.Sprintf(msg, args...)))
		}),
	}
	if cfg.Compress {
		w.Compression = kafka.Gzip
	}

	logger.Info("Kafka sender created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("compress", cfg.Compress))

	return newSender(cfg, w, logger), nil
}

func newSender(cfg Config, w messageWriter, logger *zap.Logger) *Sender {
	return &Sender{
		cfg:     cfg,
		writer:  w,
		limiter: transport.NewLimiter(cfg.MaxRequests, cfg.FailFast),
		closed:  atomic.NewBool(false),
		logger:  logger,
	}
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

	err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(transport.BatchID(payload)),
		Value: payload,
	})
	return classify(err)
}

// Close implements transport.Sender.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}

	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) || errors.Is(err, kafka.MessageSizeTooLarge) {
		return transport.NewError(transport.ReasonRejected, fmt.Errorf("%w: %v", transport.ErrMessageTooLarge, err))
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) && kerr.Temporary() {
		return transport.NewError(transport.ReasonServerError, err)
	}

	return transport.NewError(transport.Classify(err), err)
}
