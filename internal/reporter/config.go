package reporter

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// BackoffConfig shapes the delay between retries of a failed envelope.
type BackoffConfig struct {
	// InitialInterval is the delay after the first failure
	InitialInterval time.Duration

	// MaxInterval caps the delay
	MaxInterval time.Duration

	// Multiplier grows the delay after each consecutive failure
	Multiplier float64

	// Jitter randomizes each delay by +/- this fraction
	Jitter float64
}

// Config defines how spans are buffered and dispatched.
type Config struct {
	// QueuedMaxSpans bounds the number of spans waiting to be sent
	QueuedMaxSpans int

	// QueuedMaxBytes bounds the estimated encoded size of waiting spans
	QueuedMaxBytes int

	// MessageMaxBytes bounds one envelope. Zero uses the sender's limit; a
	// larger value is lowered to it.
	MessageMaxBytes int

	// MaxSpansPerMessage bounds the span count of one envelope
	MaxSpansPerMessage int

	// HighWaterBytes wakes the dispatcher before MessageTimeout. Zero uses
	// the effective MessageMaxBytes.
	HighWaterBytes int

	// MessageTimeout is the longest a span waits before a send is attempted
	MessageTimeout time.Duration

	// CloseTimeout bounds Close. Zero drops whatever is queued at close.
	CloseTimeout time.Duration

	// MaxRetries is the number of resends after the first failed attempt
	MaxRetries int

	Backoff BackoffConfig

	// StatsSchedule is an optional cron spec for a periodic stats log line
	StatsSchedule string
}

// Validate checks the reporter configuration.
func (cfg *Config) Validate() error {
	if cfg.QueuedMaxSpans <= 0 {
		return fmt.Errorf("queued_max_spans must be greater than 0, got %d", cfg.QueuedMaxSpans)
	}
	if cfg.QueuedMaxBytes <= 0 {
		return fmt.Errorf("queued_max_bytes must be greater than 0, got %d", cfg.QueuedMaxBytes)
	}
	if cfg.MessageMaxBytes < 0 {
		return fmt.Errorf("message_max_bytes must not be negative, got %d", cfg.MessageMaxBytes)
	}
	if cfg.MaxSpansPerMessage <= 0 {
		return fmt.Errorf("max_spans_per_message must be greater than 0, got %d", cfg.MaxSpansPerMessage)
	}
	if cfg.HighWaterBytes < 0 {
		return fmt.Errorf("high_water_bytes must not be negative, got %d", cfg.HighWaterBytes)
	}
	if cfg.MessageTimeout <= 0 {
		return fmt.Errorf("message_timeout must be positive, got %s", cfg.MessageTimeout)
	}
	if cfg.CloseTimeout < 0 {
		return fmt.Errorf("close_timeout must not be negative, got %s", cfg.CloseTimeout)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", cfg.MaxRetries)
	}

	if cfg.Backoff.InitialInterval <= 0 {
		return fmt.Errorf("backoff initial_interval must be positive, got %s", cfg.Backoff.InitialInterval)
	}
	if cfg.Backoff.MaxInterval < cfg.Backoff.InitialInterval {
		return fmt.Errorf("backoff max_interval %s is below initial_interval %s",
			cfg.Backoff.MaxInterval, cfg.Backoff.InitialInterval)
	}
	if cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %g", cfg.Backoff.Multiplier)
	}
	if cfg.Backoff.Jitter < 0 || cfg.Backoff.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1), got %g", cfg.Backoff.Jitter)
	}

	if cfg.StatsSchedule != "" {
		if _, err := cron.ParseStandard(cfg.StatsSchedule); err != nil {
			return fmt.Errorf("invalid stats_schedule: %w", err)
		}
	}

	return nil
}

// DefaultConfig returns the dispatcher defaults applied to every option left
// unset.
func DefaultConfig() *Config {
	return &Config{
		QueuedMaxSpans:     10000,
		QueuedMaxBytes:     16 * 1024 * 1024,
		MaxSpansPerMessage: 1000,
		MessageTimeout:     time.Second,
		CloseTimeout:       time.Second,
		MaxRetries:         3,
		Backoff: BackoffConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
			Jitter:          0.2,
		},
	}
}
