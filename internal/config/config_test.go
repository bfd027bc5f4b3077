package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, used, err := Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, "off", cfg.Consistency.Mode)
	assert.Equal(t, DefaultSampleRate, cfg.Consistency.SampleRate)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, DefaultSchemaDir, cfg.Schema.Dir)
	assert.Zero(t, cfg.Reconcile.ShuffleSeed)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
consistency:
  mode: sampled
  sample_rate: 0.5
log:
  level: debug
store:
  path: /var/lib/strata/ws.db
reconcile:
  shuffle_seed: 42
`)
	cfg, used, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "sampled", cfg.Consistency.Mode)
	assert.Equal(t, 0.5, cfg.Consistency.SampleRate)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset keys keep their default")
	assert.Equal(t, "/var/lib/strata/ws.db", cfg.Store.Path)
	assert.Equal(t, uint64(42), cfg.Reconcile.ShuffleSeed)
}

func TestLoadFindsFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strata.yml"), []byte("log:\n  format: json\n"), 0o644))
	t.Chdir(dir)

	cfg, used, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "strata.yml", used)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, "consistency:\n  mode: sampled\nlog:\n  level: warn\nstore:\n  path: file.db\n")
	t.Setenv("STRATA_CONSISTENCY_MODE", "always")
	t.Setenv("STRATA_STORE_PATH", "env.db")
	t.Setenv("STRATA_CONSISTENCY_SAMPLE_RATE", "0.25")

	cfg, _, err := Load(path, newFlags(t, "--store", "flag.db"))
	require.NoError(t, err)
	assert.Equal(t, "always", cfg.Consistency.Mode, "env beats file")
	assert.Equal(t, 0.25, cfg.Consistency.SampleRate)
	assert.Equal(t, "warn", cfg.Log.Level, "file beats defaults")
	assert.Equal(t, "flag.db", cfg.Store.Path, "flags beat env")
}

func TestLoadIgnoresUnsetFlags(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\n")
	cfg, _, err := Load(path, newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level, "flag defaults do not override the file")
}

func TestLoadFlagsMapToKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, _, err := Load("", newFlags(t,
		"--consistency", "sampled",
		"--sample-rate", "0.1",
		"--log-level", "debug",
		"--log-format", "json",
		"--schema-dir", "cue",
		"--shuffle-seed", "7",
	))
	require.NoError(t, err)
	assert.Equal(t, "sampled", cfg.Consistency.Mode)
	assert.Equal(t, 0.1, cfg.Consistency.SampleRate)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "cue", cfg.Schema.Dir)
	assert.Equal(t, uint64(7), cfg.Reconcile.ShuffleSeed)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		errSubstr string
	}{
		{"mode", "consistency:\n  mode: sometimes\n", "consistency.mode"},
		{"rate", "consistency:\n  sample_rate: 2\n", "sample_rate"},
		{"level", "log:\n  level: loud\n", "log.level"},
		{"format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(writeConfig(t, tt.body), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestStorageOptions(t *testing.T) {
	cfg := &Config{Consistency: ConsistencyConfig{Mode: "always", SampleRate: 1}, Reconcile: ReconcileConfig{ShuffleSeed: 9}}
	opts, err := cfg.StorageOptions(nil)
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	cfg.Reconcile.ShuffleSeed = 0
	opts, err = cfg.StorageOptions(nil)
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	cfg.Consistency.Mode = "bogus"
	_, err = cfg.StorageOptions(nil)
	assert.Error(t, err)
}
