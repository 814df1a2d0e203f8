package httpsender

import (
	"fmt"
	"net/url"
	"time"
)

// Compression selects the request body encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// DefaultMessageMaxBytes is the largest envelope posted when unset (5 MiB).
const DefaultMessageMaxBytes = 5 * 1024 * 1024

// BreakerConfig configures the optional circuit breaker in front of the
// collector.
type BreakerConfig struct {
	// Enabled turns the breaker on
	Enabled bool

	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
}

// Config defines how envelopes are posted to the collector.
type Config struct {
	// Endpoint is the full collector URL
	Endpoint string

	// ContentType is the media type of the envelope
	ContentType string

	// Compression of the request body
	Compression Compression

	// MaxRequests bounds concurrent requests; zero uses the transport default
	MaxRequests int

	// FailFast makes sends beyond MaxRequests fail instead of waiting
	FailFast bool

	// MessageMaxBytes is the largest payload accepted by Send
	MessageMaxBytes int

	// Timeout bounds one request; zero leaves it to the caller's context
	Timeout time.Duration

	// Headers are added to every request
	Headers map[string]string

	Breaker BreakerConfig
}

// DefaultConfig returns the configuration used when only an endpoint is known.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:        endpoint,
		ContentType:     "application/json",
		Compression:     CompressionGzip,
		MessageMaxBytes: DefaultMessageMaxBytes,
		Timeout:         10 * time.Second,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint must be specified")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", cfg.Endpoint)
	}

	switch cfg.Compression {
	case "", CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	if cfg.MaxRequests < 0 {
		return fmt.Errorf("max_requests must not be negative, got %d", cfg.MaxRequests)
	}
	if cfg.MessageMaxBytes <= 0 {
		return fmt.Errorf("message_max_bytes must be greater than 0, got %d", cfg.MessageMaxBytes)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", cfg.Timeout)
	}

	if cfg.Breaker.Enabled {
		if cfg.Breaker.ConsecutiveFailures == 0 {
			return fmt.Errorf("breaker consecutive_failures must be greater than 0")
		}
		if cfg.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("breaker open_timeout must be positive, got %s", cfg.Breaker.OpenTimeout)
		}
	}
	return nil
}
