// Package config holds the runtime configuration of the replication host.
//
// RuntimeConfig is read with viper from an optional YAML file, PDK_ prefixed
// environment variables and built-in defaults, in that order of precedence
// from lowest to highest: defaults, file, environment.
//
//	cfg, err := config.LoadRuntime("pdk.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Flow descriptions and bundle manifests are plain YAML loaded with Load,
// which substitutes ${VAR} and ${VAR:-default} references first.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/nebula-pdk/pkg/logger"
)

// RuntimeConfig configures a host process
type RuntimeConfig struct {
	Log           logger.Config       `mapstructure:"log" yaml:"log"`
	Plugins       PluginsConfig       `mapstructure:"plugins" yaml:"plugins"`
	Offsets       OffsetsConfig       `mapstructure:"offsets" yaml:"offsets"`
	Flow          FlowConfig          `mapstructure:"flow" yaml:"flow"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// PluginsConfig controls bundle discovery
type PluginsConfig struct {
	// Dir holds bundle manifests
	Dir string `mapstructure:"dir" yaml:"dir"`
	// RunningDir receives the working copies of loaded bundles
	RunningDir string `mapstructure:"running_dir" yaml:"running_dir"`
	// LoadAtRuntime re-scans Dir every ReloadInterval
	LoadAtRuntime  bool          `mapstructure:"load_at_runtime" yaml:"load_at_runtime"`
	ReloadInterval time.Duration `mapstructure:"reload_interval" yaml:"reload_interval"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	// Builtins registers every compiled-in connector's default manifest
	Builtins bool `mapstructure:"builtins" yaml:"builtins"`
}

// OffsetsConfig selects the offset store
type OffsetsConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // memory or sqlite
	Path   string `mapstructure:"path" yaml:"path"`
}

// FlowConfig holds defaults for flows that do not set them
type FlowConfig struct {
	EventBatchSize    int           `mapstructure:"event_batch_size" yaml:"event_batch_size"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	SampleSize        int           `mapstructure:"sample_size" yaml:"sample_size"`
	StreamRetryDelay  time.Duration `mapstructure:"stream_retry_delay" yaml:"stream_retry_delay"`
	StreamMaxDuration time.Duration `mapstructure:"stream_max_duration" yaml:"stream_max_duration"`
	// StreamRate limits stream read re-invocations per second
	StreamRate float64 `mapstructure:"stream_rate" yaml:"stream_rate"`
}

// ObservabilityConfig controls metrics and tracing
type ObservabilityConfig struct {
	MetricsAddr   string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	EnableTracing bool   `mapstructure:"enable_tracing" yaml:"enable_tracing"`
	ServiceName   string `mapstructure:"service_name" yaml:"service_name"`
}

// DefaultRuntimeConfig returns the configuration used when nothing is set
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Log: logger.Config{Level: "info", Encoding: "console"},
		Plugins: PluginsConfig{
			Dir:            "plugins",
			RunningDir:     ".pdk/running",
			ReloadInterval: 10 * time.Second,
			Concurrency:    4,
			Builtins:       true,
		},
		Offsets: OffsetsConfig{Driver: "memory", Path: ".pdk/offsets.db"},
		Flow: FlowConfig{
			EventBatchSize:    1000,
			QueueSize:         64,
			SampleSize:        10,
			StreamRetryDelay:  5 * time.Second,
			StreamMaxDuration: 5 * time.Minute,
			StreamRate:        10,
		},
		Observability: ObservabilityConfig{ServiceName: "pdk"},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultRuntimeConfig()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("plugins.dir", d.Plugins.Dir)
	v.SetDefault("plugins.running_dir", d.Plugins.RunningDir)
	v.SetDefault("plugins.load_at_runtime", d.Plugins.LoadAtRuntime)
	v.SetDefault("plugins.reload_interval", d.Plugins.ReloadInterval)
	v.SetDefault("plugins.concurrency", d.Plugins.Concurrency)
	v.SetDefault("plugins.builtins", d.Plugins.Builtins)
	v.SetDefault("offsets.driver", d.Offsets.Driver)
	v.SetDefault("offsets.path", d.Offsets.Path)
	v.SetDefault("flow.event_batch_size", d.Flow.EventBatchSize)
	v.SetDefault("flow.queue_size", d.Flow.QueueSize)
	v.SetDefault("flow.sample_size", d.Flow.SampleSize)
	v.SetDefault("flow.stream_retry_delay", d.Flow.StreamRetryDelay)
	v.SetDefault("flow.stream_max_duration", d.Flow.StreamMaxDuration)
	v.SetDefault("flow.stream_rate", d.Flow.StreamRate)
	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
	v.SetDefault("observability.enable_tracing", d.Observability.EnableTracing)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
}

// LoadRuntime reads the runtime configuration. An empty path skips the file.
func LoadRuntime(path string) (*RuntimeConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PDK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &RuntimeConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values are within acceptable ranges
func (c *RuntimeConfig) Validate() error {
	switch c.Offsets.Driver {
	case "memory":
	case "sqlite":
		if c.Offsets.Path == "" {
			return fmt.Errorf("offsets.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown offsets.driver %q", c.Offsets.Driver)
	}
	if c.Flow.EventBatchSize <= 0 {
		return fmt.Errorf("flow.event_batch_size must be positive")
	}
	if c.Flow.QueueSize <= 0 {
		return fmt.Errorf("flow.queue_size must be positive")
	}
	if c.Flow.StreamRetryDelay < 0 {
		return fmt.Errorf("flow.stream_retry_delay cannot be negative")
	}
	if c.Flow.StreamMaxDuration < 0 {
		return fmt.Errorf("flow.stream_max_duration cannot be negative")
	}
	if c.Plugins.LoadAtRuntime && c.Plugins.ReloadInterval <= 0 {
		return fmt.Errorf("plugins.reload_interval must be positive when load_at_runtime is set")
	}
	if c.Plugins.Concurrency <= 0 {
		return fmt.Errorf("plugins.concurrency must be positive")
	}
	return nil
}
