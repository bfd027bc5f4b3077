package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "STRATA_"

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"consistency":  "consistency.mode",
	"sample-rate":  "consistency.sample_rate",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"store":        "store.path",
	"schema-dir":   "schema.dir",
	"shuffle-seed": "reconcile.shuffle_seed",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("consistency", DefaultConsistencyMode, "consistency checks: off, always or sampled")
	fs.Float64("sample-rate", DefaultSampleRate, "fraction of operations checked in sampled mode")
	fs.String("log-level", DefaultLogLevel, "log level: debug, info, warn or error")
	fs.String("log-format", DefaultLogFormat, "log format: text or json")
	fs.String("store", DefaultStorePath, "path of the snapshot database")
	fs.String("schema-dir", DefaultSchemaDir, "directory holding the CUE schema")
	fs.Uint64("shuffle-seed", 0, "visit-order seed for reconciliation, 0 keeps input order")
}

// findConfigFile finds the config file to use.
// Priority: explicit path > strata.yaml > strata.yml
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{"strata.yaml", "strata.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load resolves the configuration.
// Precedence (highest to lowest): flags > env vars > config file > defaults
//
// cfgFile may be empty, in which case strata.yaml or strata.yml in the
// working directory is used when present. Only flags that were explicitly
// set override lower layers. The second result names the file read, if any.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, string, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(map[string]any{
		"consistency.mode":        DefaultConsistencyMode,
		"consistency.sample_rate": DefaultSampleRate,
		"log.level":               DefaultLogLevel,
		"log.format":              DefaultLogFormat,
		"store.path":              DefaultStorePath,
		"schema.dir":              DefaultSchemaDir,
		"reconcile.shuffle_seed":  0,
	}, "."), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	used := findConfigFile(cfgFile)
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, "", fmt.Errorf("error reading config file %s: %w", used, err)
		}
	}

	// 3. Environment: STRATA_CONSISTENCY_SAMPLE_RATE -> consistency.sample_rate
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, "", fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, "", fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, used, nil
}

// envKey turns STRATA_SECTION_SOME_KEY into section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}
