// Package config holds the tunables of the trap handling subsystem. The
// configuration is read once at startup and never changes afterwards.
package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// TraceMode selects how call traces are emitted.
type TraceMode string

const (
	// TraceFull prints call traces to the console only.
	TraceFull TraceMode = "full"

	// TraceSummary additionally mirrors call trace entries to the
	// auto-summary sink.
	TraceSummary TraceMode = "summary"
)

// RateLimit configures the limiter for informational messages about user
// faults.
type RateLimit struct {
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
}

// Config holds the trap subsystem settings.
type Config struct {
	// ShowUnhandledSignals enables the informational message printed when
	// a user task receives a signal it does not handle.
	ShowUnhandledSignals bool `yaml:"show_unhandled_signals"`

	// PanicOnOops escalates every fatal report to a system panic.
	PanicOnOops bool `yaml:"panic_on_oops"`

	// VerbosePanic appends the faulting PC and LR symbols to panic
	// messages.
	VerbosePanic bool `yaml:"verbose_panic"`

	// Preempt and SMP select the suffixes of the report header.
	Preempt bool `yaml:"preempt"`
	SMP     bool `yaml:"smp"`

	// TraceMode selects the call trace strategy.
	TraceMode TraceMode `yaml:"trace_mode"`

	// SummaryPrefix is prepended to every line of the auto-summary sink.
	SummaryPrefix string `yaml:"summary_prefix"`

	// DecodeReturnAddresses enables decoding of return addresses with the
	// per-task key before symbol lookup.
	DecodeReturnAddresses bool `yaml:"decode_return_addresses"`

	// MaxUnwindDepth bounds call trace length.
	MaxUnwindDepth int `yaml:"max_unwind_depth"`

	RateLimit RateLimit `yaml:"ratelimit"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ShowUnhandledSignals: true,
		SMP:                  true,
		TraceMode:            TraceFull,
		MaxUnwindDepth:       64,
		RateLimit: RateLimit{
			Interval: 5 * time.Second,
			Burst:    10,
		},
	}
}

// Load decodes a YAML document from r on top of the default configuration
// and validates the result.
func Load(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode trap config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch c.TraceMode {
	case TraceFull, TraceSummary:
	case "":
		c.TraceMode = TraceFull
	default:
		return fmt.Errorf("invalid trace_mode %q: expected %q or %q", c.TraceMode, TraceFull, TraceSummary)
	}

	if c.MaxUnwindDepth < 0 {
		return fmt.Errorf("invalid max_unwind_depth %d: must not be negative", c.MaxUnwindDepth)
	}

	if c.RateLimit.Interval < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("invalid ratelimit %v/%d: must not be negative", c.RateLimit.Interval, c.RateLimit.Burst)
	}

	return nil
}
