package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named set of reporter tunings.
type Profile string

const (
	// ProfileLow keeps memory and connections small at the cost of latency
	ProfileLow Profile = "low"
	// ProfileMedium matches the component defaults
	ProfileMedium Profile = "medium"
	// ProfileHigh favours throughput for busy services
	ProfileHigh Profile = "high"
)

// ApplyProfile fills the unset options with the tunings of the named profile.
// Options already set are left alone.
func (o *Options) ApplyProfile(name string) error {
	var p Options
	switch Profile(name) {
	case ProfileLow:
		p = Options{
			MaxRequests:        Int(1),
			MaxSpansPerMessage: Int(500),
			MessageTimeout:     Duration(5 * time.Second),
			QueuedMaxSpans:     Int(2000),
			QueuedMaxBytes:     Int(4 * 1024 * 1024),
			Compression:        String("zstd"),
		}
	case ProfileMedium, "":
		return nil
	case ProfileHigh:
		p = Options{
			MaxRequests:        Int(8),
			MaxSpansPerMessage: Int(2000),
			MessageTimeout:     Duration(250 * time.Millisecond),
			QueuedMaxSpans:     Int(100000),
			QueuedMaxBytes:     Int(128 * 1024 * 1024),
			CloseTimeout:       Duration(5 * time.Second),
		}
	default:
		return fmt.Errorf("unknown profile %q", name)
	}

	fillInt(&o.MaxRequests, p.MaxRequests)
	fillInt(&o.MaxSpansPerMessage, p.MaxSpansPerMessage)
	fillInt(&o.QueuedMaxSpans, p.QueuedMaxSpans)
	fillInt(&o.QueuedMaxBytes, p.QueuedMaxBytes)
	fillDuration(&o.MessageTimeout, p.MessageTimeout)
	fillDuration(&o.CloseTimeout, p.CloseTimeout)
	if o.Compression == nil && o.Compress == nil {
		o.Compression = p.Compression
	}
	return nil
}

func fillInt(dst **int, v *int) {
	if *dst == nil {
		*dst = v
	}
}

func fillDuration(dst **time.Duration, v *time.Duration) {
	if *dst == nil {
		*dst = v
	}
}

// YAML renders the options in the form Load reads. Unset options are
// omitted.
func (o *Options) YAML() ([]byte, error) {
	out, err := yaml.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to render options: %w", err)
	}
	return out, nil
}
