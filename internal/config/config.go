// Package config loads run configuration. Sources are layered: built-in
// defaults, then an optional YAML file, then EXTRACTPIPE_* environment
// variables. Command-line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	parquetio "github.com/palantir/extractpipe/pkg/pipeline/io/parquet"
	"github.com/palantir/extractpipe/pkg/pipeline/store"
)

// EnvPrefix prefixes every environment variable, e.g. EXTRACTPIPE_OUTPUT_NUM_SHARDS.
const EnvPrefix = "EXTRACTPIPE"

type Config struct {
	Lake    LakeConfig    `yaml:"lake"`
	Output  OutputConfig  `yaml:"output"`
	Workers WorkersConfig `yaml:"workers"`
	Logging LoggingConfig `yaml:"logging"`

	// MetricsFile, when set, receives a Prometheus text dump at exit.
	MetricsFile string `yaml:"metricsFile" envconfig:"METRICS_FILE"`
}

type LakeConfig struct {
	Binary     string `yaml:"binary" envconfig:"BINARY"`
	Executable string `yaml:"executable" envconfig:"EXECUTABLE"`
}

type OutputConfig struct {
	NumShards   int    `yaml:"numShards" envconfig:"NUM_SHARDS"`
	BatchRows   int    `yaml:"batchRows" envconfig:"BATCH_ROWS"`
	Compression string `yaml:"compression" envconfig:"COMPRESSION"`
	// JSONLCompression wraps stdout in JSONL mode: "none" or "zstd".
	JSONLCompression string `yaml:"jsonlCompression" envconfig:"JSONL_COMPRESSION"`
}

type WorkersConfig struct {
	// Parallel is the worker cap for multi-file runs. 0 means one per CPU.
	Parallel    int           `yaml:"parallel" envconfig:"PARALLEL"`
	SpawnRPS    float64       `yaml:"spawnRPS" envconfig:"SPAWN_RPS"`
	GracePeriod time.Duration `yaml:"gracePeriod" envconfig:"GRACE_PERIOD"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

const (
	JSONLCompressionNone = "none"
	JSONLCompressionZstd = "zstd"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Lake: LakeConfig{
			Binary:     "lake",
			Executable: "lean_scout",
		},
		Output: OutputConfig{
			NumShards:        store.DefaultNumShards,
			BatchRows:        store.DefaultBatchRows,
			Compression:      parquetio.CompressionZstd,
			JSONLCompression: JSONLCompressionNone,
		},
		Workers: WorkersConfig{
			GracePeriod: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load applies the YAML file at path (if non-empty) and then the environment
// over the defaults. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}

// Validate enforces operational bounds. It fills Workers.Parallel when unset
// and clamps it to the CPU count, returning a warning for the clamp.
// Output.JSONLCompression is normalised to one of the JSONLCompression
// constants.
func (c *Config) Validate() (warnings []string, err error) {
	if c.Output.NumShards < 1 {
		return nil, fmt.Errorf("numShards must be at least 1, got %d", c.Output.NumShards)
	}
	if c.Output.NumShards > store.MaxShards {
		return nil, fmt.Errorf("numShards cannot exceed %d, got %d", store.MaxShards, c.Output.NumShards)
	}
	if c.Output.BatchRows < 1 {
		return nil, fmt.Errorf("batchRows must be at least 1, got %d", c.Output.BatchRows)
	}
	if _, err := parquetio.Codec(c.Output.Compression); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(c.Output.JSONLCompression)) {
	case "", JSONLCompressionNone:
		c.Output.JSONLCompression = JSONLCompressionNone
	case JSONLCompressionZstd:
		c.Output.JSONLCompression = JSONLCompressionZstd
	default:
		return nil, fmt.Errorf("unsupported jsonlCompression %q", c.Output.JSONLCompression)
	}
	if c.Workers.SpawnRPS < 0 {
		return nil, fmt.Errorf("spawnRPS must not be negative, got %g", c.Workers.SpawnRPS)
	}
	if c.Workers.GracePeriod <= 0 {
		return nil, fmt.Errorf("gracePeriod must be positive, got %s", c.Workers.GracePeriod)
	}

	maxWorkers := runtime.NumCPU()
	switch {
	case c.Workers.Parallel == 0:
		c.Workers.Parallel = maxWorkers
	case c.Workers.Parallel < 1:
		return nil, fmt.Errorf("parallel must be at least 1, got %d", c.Workers.Parallel)
	case c.Workers.Parallel > maxWorkers:
		warnings = append(warnings, fmt.Sprintf(
			"parallel %d exceeds number of CPU cores (%d), using %d instead",
			c.Workers.Parallel, maxWorkers, maxWorkers))
		c.Workers.Parallel = maxWorkers
	}
	return warnings, nil
}
