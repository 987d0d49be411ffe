// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Simulate SimulateConfig `mapstructure:"simulate"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig tunes the shared batching scheduler. InitialDelay is the
// process-wide default each handle may override before it starts.
type ProgressConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	BatchPeriod  time.Duration `mapstructure:"batch_period"`
}

// BridgeConfig holds defaults for off-thread runs.
type BridgeConfig struct {
	WarmupDelay  time.Duration `mapstructure:"warmup_delay"`
	GraceTimeout time.Duration `mapstructure:"grace_timeout"`
}

// SimulateConfig shapes the synthetic workload used by the CLI.
type SimulateConfig struct {
	Tasks         int           `mapstructure:"tasks"`
	Concurrency   int           `mapstructure:"concurrency"`
	MinDuration   time.Duration `mapstructure:"min_duration"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	Steps         int64         `mapstructure:"steps"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("progress.initial_delay", "500ms")
	v.SetDefault("progress.batch_period", "400ms")
	v.SetDefault("bridge.warmup_delay", "300ms")
	v.SetDefault("bridge.grace_timeout", "5s")
	v.SetDefault("simulate.tasks", 12)
	v.SetDefault("simulate.concurrency", 4)
	v.SetDefault("simulate.min_duration", "100ms")
	v.SetDefault("simulate.max_duration", "3s")
	v.SetDefault("simulate.steps", 20)
	v.SetDefault("simulate.rate_per_second", 50.0)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "taskprogress")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Progress.InitialDelay < 0 {
		return fmt.Errorf("progress.initial_delay must be >= 0")
	}
	if c.Progress.BatchPeriod <= 0 {
		return fmt.Errorf("progress.batch_period must be > 0")
	}
	if c.Bridge.WarmupDelay < 0 {
		return fmt.Errorf("bridge.warmup_delay must be >= 0")
	}
	if c.Bridge.GraceTimeout <= 0 {
		return fmt.Errorf("bridge.grace_timeout must be > 0")
	}
	if c.Simulate.Tasks < 0 {
		return fmt.Errorf("simulate.tasks must be >= 0")
	}
	if c.Simulate.Concurrency <= 0 {
		return fmt.Errorf("simulate.concurrency must be > 0")
	}
	if c.Simulate.MaxDuration < c.Simulate.MinDuration {
		return fmt.Errorf("simulate.max_duration must be >= simulate.min_duration")
	}
	if c.Simulate.Steps <= 0 {
		return fmt.Errorf("simulate.steps must be > 0")
	}
	if c.Simulate.RatePerSecond <= 0 {
		return fmt.Errorf("simulate.rate_per_second must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	return nil
}
