// Package config loads the operator-facing reporter options and resolves
// them, once, into the concrete component configurations.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/reporter"
	"github.com/deepaksharma/async-span-reporter/internal/transport/httpsender"
	"github.com/deepaksharma/async-span-reporter/internal/transport/kafkasender"
)

// EnvPrefix prefixes every environment override, e.g. SPAN_REPORTER_PORT.
const EnvPrefix = "SPAN_REPORTER"

// Transport names how envelopes leave the process.
type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportKafka Transport = "kafka"
)

const (
	defaultHost = "localhost"
	defaultPort = 9411
)

// KafkaOptions configures the Kafka transport.
type KafkaOptions struct {
	Brokers []string `yaml:"brokers,omitempty" envconfig:"BROKERS"`
	Topic   *string  `yaml:"topic,omitempty" envconfig:"TOPIC"`
}

// Options is the configuration surface. Every field is optional; a nil
// field falls back to the default of the component it configures.
type Options struct {
	ServiceName string `yaml:"service_name,omitempty" envconfig:"SERVICE_NAME"`

	Transport *string `yaml:"transport,omitempty" envconfig:"TRANSPORT"`
	Host      *string `yaml:"host,omitempty" envconfig:"HOST"`
	Port      *int    `yaml:"port,omitempty" envconfig:"PORT"`
	// Endpoint overrides the URL derived from Host, Port and Encoding
	Endpoint *string `yaml:"endpoint,omitempty" envconfig:"ENDPOINT"`

	Compress    *bool   `yaml:"compress,omitempty" envconfig:"COMPRESS"`
	Compression *string `yaml:"compression,omitempty" envconfig:"COMPRESSION"`
	MaxRequests *int    `yaml:"max_requests,omitempty" envconfig:"MAX_REQUESTS"`
	FailFast    *bool   `yaml:"fail_fast,omitempty" envconfig:"FAIL_FAST"`
	Encoding    *string `yaml:"encoding,omitempty" envconfig:"ENCODING"`

	MessageMaxBytes    *int           `yaml:"message_max_bytes,omitempty" envconfig:"MESSAGE_MAX_BYTES"`
	MaxSpansPerMessage *int           `yaml:"max_spans_per_message,omitempty" envconfig:"MAX_SPANS_PER_MESSAGE"`
	CloseTimeout       *time.Duration `yaml:"close_timeout,omitempty" envconfig:"CLOSE_TIMEOUT"`
	MessageTimeout     *time.Duration `yaml:"message_timeout,omitempty" envconfig:"MESSAGE_TIMEOUT"`
	RequestTimeout     *time.Duration `yaml:"request_timeout,omitempty" envconfig:"REQUEST_TIMEOUT"`
	QueuedMaxBytes     *int           `yaml:"queued_max_bytes,omitempty" envconfig:"QUEUED_MAX_BYTES"`
	QueuedMaxSpans     *int           `yaml:"queued_max_spans,omitempty" envconfig:"QUEUED_MAX_SPANS"`
	MaxRetries         *int           `yaml:"max_retries,omitempty" envconfig:"MAX_RETRIES"`
	CircuitBreaker     *bool          `yaml:"circuit_breaker,omitempty" envconfig:"CIRCUIT_BREAKER"`
	StatsSchedule      *string        `yaml:"stats_schedule,omitempty" envconfig:"STATS_SCHEDULE"`

	Headers map[string]string `yaml:"headers,omitempty" envconfig:"HEADERS"`

	Kafka KafkaOptions `yaml:"kafka,omitempty" envconfig:"KAFKA"`
}

// Load reads options from a YAML file, when path is not empty, and then
// applies environment overrides.
func Load(path string) (*Options, error) {
	opts := &Options{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, opts); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, opts); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	return opts, nil
}

// Validate checks the options that are set.
func (o *Options) Validate() error {
	var errs []error
	if o.ServiceName == "" {
		errs = append(errs, errors.New("service_name must be specified"))
	}
	if o.Transport != nil {
		switch Transport(strings.ToLower(*o.Transport)) {
		case TransportHTTP, TransportKafka:
		default:
			errs = append(errs, fmt.Errorf("unknown transport %q", *o.Transport))
		}
	}
	if o.Port != nil && (*o.Port <= 0 || *o.Port > 65535) {
		errs = append(errs, fmt.Errorf("port must be in 1-65535, got %d", *o.Port))
	}
	if o.Encoding != nil {
		if _, err := encoding.ParseEncoding(*o.Encoding); err != nil {
			errs = append(errs, err)
		}
	}
	positive := []struct {
		name string
		v    *int
	}{
		{"max_requests", o.MaxRequests},
		{"message_max_bytes", o.MessageMaxBytes},
		{"max_spans_per_message", o.MaxSpansPerMessage},
		{"queued_max_bytes", o.QueuedMaxBytes},
		{"queued_max_spans", o.QueuedMaxSpans},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than 0, got %d", p.name, *p.v))
		}
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", *o.MaxRetries))
	}
	if o.CloseTimeout != nil && *o.CloseTimeout < 0 {
		errs = append(errs, fmt.Errorf("close_timeout must not be negative, got %s", *o.CloseTimeout))
	}
	if o.MessageTimeout != nil && *o.MessageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("message_timeout must be positive, got %s", *o.MessageTimeout))
	}
	return errors.Join(errs...)
}

// Resolved is the configuration of every component, with defaults applied.
type Resolved struct {
	ServiceName string
	Transport   Transport
	Encoding    encoding.Encoding
	HTTP        httpsender.Config
	Kafka       kafkasender.Config
	Reporter    *reporter.Config
}

// Resolve validates the options and applies them over the component
// defaults. Options left nil keep the default.
func (o *Options) Resolve() (*Resolved, error) {
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	res := &Resolved{
		ServiceName: o.ServiceName,
		Transport:   TransportHTTP,
		Encoding:    encoding.JSON,
	}
	if o.Transport != nil {
		res.Transport = Transport(strings.ToLower(*o.Transport))
	}
	if o.Encoding != nil {
		res.Encoding, _ = encoding.ParseEncoding(*o.Encoding)
	}
	enc, err := encoding.New(res.Encoding)
	if err != nil {
		return nil, err
	}

	host, port := defaultHost, defaultPort
	if o.Host != nil {
		host = *o.Host
	}
	if o.Port != nil {
		port = *o.Port
	}
	endpoint := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + res.Encoding.DefaultPath()
	if o.Endpoint != nil {
		endpoint = *o.Endpoint
	}

	res.HTTP = httpsender.DefaultConfig(endpoint)
	res.HTTP.ContentType = enc.ContentType()
	res.HTTP.Headers = o.Headers
	if o.Compress != nil && !*o.Compress {
		res.HTTP.Compression = httpsender.CompressionNone
	} else if o.Compression != nil {
		res.HTTP.Compression = httpsender.Compression(strings.ToLower(*o.Compression))
	}
	if o.MaxRequests != nil {
		res.HTTP.MaxRequests = *o.MaxRequests
	}
	if o.FailFast != nil {
		res.HTTP.FailFast = *o.FailFast
	}
	if o.MessageMaxBytes != nil {
		res.HTTP.MessageMaxBytes = *o.MessageMaxBytes
	}
	if o.RequestTimeout != nil {
		res.HTTP.Timeout = *o.RequestTimeout
	}
	if o.CircuitBreaker != nil {
		res.HTTP.Breaker.Enabled = *o.CircuitBreaker
	}

	res.Kafka = kafkasender.Config{
		Brokers:         o.Kafka.Brokers,
		Topic:           "spans",
		MaxRequests:     res.HTTP.MaxRequests,
		FailFast:        res.HTTP.FailFast,
		MessageMaxBytes: kafkasender.DefaultMessageMaxBytes,
		Compress:        res.HTTP.Compression != httpsender.CompressionNone,
		WriteTimeout:    res.HTTP.Timeout,
	}
	if o.Kafka.Topic != nil {
		res.Kafka.Topic = *o.Kafka.Topic
	}
	if o.MessageMaxBytes != nil {
		res.Kafka.MessageMaxBytes = *o.MessageMaxBytes
	}

	res.Reporter = reporter.DefaultConfig()
	if o.QueuedMaxSpans != nil {
		res.Reporter.QueuedMaxSpans = *o.QueuedMaxSpans
	}
	if o.QueuedMaxBytes != nil {
		res.Reporter.QueuedMaxBytes = *o.QueuedMaxBytes
	}
	if o.MaxSpansPerMessage != nil {
		res.Reporter.MaxSpansPerMessage = *o.MaxSpansPerMessage
	}
	if o.MessageTimeout != nil {
		res.Reporter.MessageTimeout = *o.MessageTimeout
	}
	if o.CloseTimeout != nil {
		res.Reporter.CloseTimeout = *o.CloseTimeout
	}
	if o.MaxRetries != nil {
		res.Reporter.MaxRetries = *o.MaxRetries
	}
	if o.StatsSchedule != nil {
		res.Reporter.StatsSchedule = *o.StatsSchedule
	}

	if err := res.Reporter.Validate(); err != nil {
		return nil, err
	}
	switch res.Transport {
	case TransportKafka:
		err = res.Kafka.Validate()
	default:
		err = res.HTTP.Validate()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// String returns a pointer to s, for building Options in code.
func String(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Duration returns a pointer to d.
func Duration(d time.Duration) *time.Duration { return &d }
