// Package config loads strata settings from defaults, a YAML file, STRATA_
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/strata/internal/storage"
)

// Defaults applied before any other source.
const (
	DefaultConsistencyMode = "off"
	DefaultSampleRate      = 0.01
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultStorePath       = "strata.db"
	DefaultSchemaDir       = "schema"
)

// ConsistencyConfig selects when builders verify their invariants.
type ConsistencyConfig struct {
	Mode       string  `koanf:"mode"`
	SampleRate float64 `koanf:"sample_rate"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig locates the snapshot database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// SchemaConfig locates the CUE schema files.
type SchemaConfig struct {
	Dir string `koanf:"dir"`
}

// ReconcileConfig tunes ReplaceBySource. A zero seed keeps visit order.
type ReconcileConfig struct {
	ShuffleSeed uint64 `koanf:"shuffle_seed"`
}

// Config holds all strata settings.
type Config struct {
	Consistency ConsistencyConfig `koanf:"consistency"`
	Log         LogConfig         `koanf:"log"`
	Store       StoreConfig       `koanf:"store"`
	Schema      SchemaConfig      `koanf:"schema"`
	Reconcile   ReconcileConfig   `koanf:"reconcile"`
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	if _, err := storage.ParseConsistencyMode(c.Consistency.Mode); err != nil {
		return fmt.Errorf("consistency.mode: %w", err)
	}
	if c.Consistency.SampleRate < 0 || c.Consistency.SampleRate > 1 {
		return fmt.Errorf("consistency.sample_rate must be within [0, 1], got %v", c.Consistency.SampleRate)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Logger builds a slog logger writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// StorageOptions maps the settings onto builder options.
func (c *Config) StorageOptions(logger *slog.Logger) ([]storage.Option, error) {
	mode, err := storage.ParseConsistencyMode(c.Consistency.Mode)
	if err != nil {
		return nil, fmt.Errorf("consistency.mode: %w", err)
	}
	opts := []storage.Option{
		storage.WithConsistency(mode),
		storage.WithSampleRate(c.Consistency.SampleRate),
	}
	if logger != nil {
		opts = append(opts, storage.WithLogger(logger))
	}
	if c.Reconcile.ShuffleSeed != 0 {
		opts = append(opts, storage.WithShuffleSeed(c.Reconcile.ShuffleSeed))
	}
	return opts, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
