package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ConsistencyMode selects when builders verify their invariants.
type ConsistencyMode int

const (
	// ConsistencyOff never checks automatically.
	ConsistencyOff ConsistencyMode = iota
	// ConsistencyAlways checks after every composite operation.
	ConsistencyAlways
	// ConsistencySampled checks a sample of composite operations
	// asynchronously on a frozen snapshot.
	ConsistencySampled
)

func (m ConsistencyMode) String() string {
	switch m {
	case ConsistencyAlways:
		return "always"
	case ConsistencySampled:
		return "sampled"
	default:
		return "off"
	}
}

// ParseConsistencyMode parses "off", "always" or "sampled".
func ParseConsistencyMode(s string) (ConsistencyMode, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return ConsistencyOff, nil
	case "always":
		return ConsistencyAlways, nil
	case "sampled":
		return ConsistencySampled, nil
	}
	return ConsistencyOff, fmt.Errorf("unknown consistency mode %q", s)
}

// Instrumentation receives operation timings and violation counts.
type Instrumentation interface {
	ObserveOperation(op string, d time.Duration)
	ConsistencyViolation(op string)
}

// Diagnostic is the report handed to a DiagnosticSink when a consistency
// check fails.
type Diagnostic struct {
	Operation  string
	Violations []string
	Dump       string
	At         time.Time
}

// DiagnosticSink receives diagnostics. Report may be called from the
// sampled checker's goroutine.
type DiagnosticSink interface {
	Report(d Diagnostic)
}

type options struct {
	logger          *slog.Logger
	mode            ConsistencyMode
	sampleRate      float64
	shuffleSeed     *uint64
	instrumentation Instrumentation
	sink            DiagnosticSink
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		logger:     slog.Default(),
		sampleRate: 0.01,
		now:        time.Now,
	}
}

// Option configures a builder.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConsistency sets the automatic check mode.
func WithConsistency(m ConsistencyMode) Option {
	return func(o *options) { o.mode = m }
}

// WithSampleRate sets the fraction of operations checked in sampled mode.
func WithSampleRate(rate float64) Option {
	return func(o *options) {
		switch {
		case rate < 0:
			o.sampleRate = 0
		case rate > 1:
			o.sampleRate = 1
		default:
			o.sampleRate = rate
		}
	}
}

// WithShuffleSeed makes diff application and reconciliation visit their
// inputs in a seeded random order. Used by tests to check order
// independence.
func WithShuffleSeed(seed uint64) Option {
	return func(o *options) { o.shuffleSeed = &seed }
}

// WithInstrumentation installs an operation observer.
func WithInstrumentation(i Instrumentation) Option {
	return func(o *options) { o.instrumentation = i }
}

// WithDiagnosticSink installs the receiver for failed-check reports.
func WithDiagnosticSink(s DiagnosticSink) Option {
	return func(o *options) { o.sink = s }
}

// WithClock overrides the clock used to stamp diagnostics.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
