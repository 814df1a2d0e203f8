package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepaksharma/async-span-reporter/internal/encoding"
	"github.com/deepaksharma/async-span-reporter/internal/reporter"
	"github.com/deepaksharma/async-span-reporter/internal/transport/httpsender"
)

func TestResolveUnsetOptionsUseDefaults(t *testing.T) {
	res, err := (&Options{ServiceName: "frontend"}).Resolve()
	require.NoError(t, err)

	assert.Equal(t, TransportHTTP, res.Transport)
	assert.Equal(t, encoding.JSON, res.Encoding)
	assert.Equal(t, "http://localhost:9411/api/v2/spans", res.HTTP.Endpoint)
	assert.Equal(t, httpsender.CompressionGzip, res.HTTP.Compression)
	assert.Zero(t, res.HTTP.MaxRequests, "Unset max_requests should leave the transport default")
	assert.Equal(t, httpsender.DefaultMessageMaxBytes, res.HTTP.MessageMaxBytes)
	assert.Equal(t, reporter.DefaultConfig(), res.Reporter)
}

func TestResolveAppliesSetOptions(t *testing.T) {
	opts := &Options{
		ServiceName:    "frontend",
		Host:           String("collector"),
		Port:           Int(4318),
		Encoding:       String("proto3"),
		Compress:       Bool(false),
		MaxRequests:    Int(8),
		CloseTimeout:   Duration(0),
		MessageTimeout: Duration(250 * time.Millisecond),
		QueuedMaxSpans: Int(42),
		QueuedMaxBytes: Int(4096),
	}
	res, err := opts.Resolve()
	require.NoError(t, err)

	assert.Equal(t, encoding.Proto, res.Encoding)
	assert.Equal(t, "http://collector:4318/v1/traces", res.HTTP.Endpoint)
	assert.Equal(t, "application/x-protobuf", res.HTTP.ContentType)
	assert.Equal(t, httpsender.CompressionNone, res.HTTP.Compression)
	assert.Equal(t, 8, res.HTTP.MaxRequests)
	assert.Equal(t, time.Duration(0), res.Reporter.CloseTimeout, "An explicit zero is applied, not treated as unset")
	assert.Equal(t, 250*time.Millisecond, res.Reporter.MessageTimeout)
	assert.Equal(t, 42, res.Reporter.QueuedMaxSpans)
	assert.Equal(t, 4096, res.Reporter.QueuedMaxBytes)
}

func TestResolveExplicitEndpointWins(t *testing.T) {
	res, err := (&Options{
		ServiceName: "frontend",
		Endpoint:    String("https://ingest.example.com/spans"),
		Host:        String("ignored"),
		Compression: String("zstd"),
	}).Resolve()
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.com/spans", res.HTTP.Endpoint)
	assert.Equal(t, httpsender.CompressionZstd, res.HTTP.Compression)
}

func TestResolveKafka(t *testing.T) {
	_, err := (&Options{ServiceName: "frontend", Transport: String("kafka")}).Resolve()
	assert.Error(t, err, "Kafka transport needs brokers")

	res, err := (&Options{
		ServiceName: "frontend",
		Transport:   String("kafka"),
		Kafka:       KafkaOptions{Brokers: []string{"b1:9092"}, Topic: String("traces")},
	}).Resolve()
	require.NoError(t, err)
	assert.Equal(t, TransportKafka, res.Transport)
	assert.Equal(t, "traces", res.Kafka.Topic)
	assert.True(t, res.Kafka.Compress)
}

func TestValidateRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no service", Options{}},
		{"bad port", Options{ServiceName: "s", Port: Int(70000)}},
		{"bad encoding", Options{ServiceName: "s", Encoding: String("thrift")}},
		{"bad transport", Options{ServiceName: "s", Transport: String("grpc")}},
		{"zero queue", Options{ServiceName: "s", QueuedMaxSpans: Int(0)}},
		{"negative close timeout", Options{ServiceName: "s", CloseTimeout: Duration(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.opts.Validate())
			_, err := tt.opts.Resolve()
			assert.Error(t, err)
		})
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reporter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_name: checkout
port: 9412
encoding: cbor
message_timeout: 2s
headers:
  X-Tenant: blue
kafka:
  brokers: [k1:9092, k2:9092]
`), 0o600))

	t.Setenv("SPAN_REPORTER_PORT", "9999")
	t.Setenv("SPAN_REPORTER_QUEUED_MAX_SPANS", "77")

	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout", opts.ServiceName)
	require.NotNil(t, opts.Port)
	assert.Equal(t, 9999, *opts.Port, "Environment should override the file")
	require.NotNil(t, opts.MessageTimeout)
	assert.Equal(t, 2*time.Second, *opts.MessageTimeout)
	require.NotNil(t, opts.QueuedMaxSpans)
	assert.Equal(t, 77, *opts.QueuedMaxSpans)
	assert.Nil(t, opts.MaxRequests, "Options absent everywhere stay unset")
	assert.Equal(t, "blue", opts.Headers["X-Tenant"])
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, opts.Kafka.Brokers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyProfileFillsOnlyUnsetOptions(t *testing.T) {
	opts := &Options{ServiceName: "frontend", MaxRequests: Int(3)}
	require.NoError(t, opts.ApplyProfile(string(ProfileHigh)))

	assert.Equal(t, 3, *opts.MaxRequests, "Set options should win over the profile")
	assert.Equal(t, 100000, *opts.QueuedMaxSpans)
	assert.Equal(t, 250*time.Millisecond, *opts.MessageTimeout)

	res, err := opts.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 2000, res.Reporter.MaxSpansPerMessage)

	low := &Options{ServiceName: "frontend", Compress: Bool(false)}
	require.NoError(t, low.ApplyProfile(string(ProfileLow)))
	assert.Nil(t, low.Compression, "An explicit compress flag keeps the profile's compression out")

	assert.NoError(t, (&Options{}).ApplyProfile(""))
	assert.Error(t, (&Options{}).ApplyProfile("extreme"))
}

func TestYAMLRoundTripsThroughLoad(t *testing.T) {
	opts := &Options{
		ServiceName:    "checkout",
		Encoding:       String("proto"),
		MessageTimeout: Duration(1500 * time.Millisecond),
		Kafka:          KafkaOptions{Brokers: []string{"k1:9092"}},
	}
	out, err := opts.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "null", "Unset options should be omitted")

	path := filepath.Join(t.TempDir(), "generated.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o600))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, opts, loaded)
}
