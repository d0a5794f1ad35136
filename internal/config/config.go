// Package config loads buildfix settings from user and project files,
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ProjectFile is the per-project config file name.
const ProjectFile = ".buildfix.yaml"

// Config holds all configuration for buildfix.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Chunking   ChunkingConfig   `mapstructure:"chunking"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Resources  ResourcesConfig  `mapstructure:"resources"`
	Advisor    AdvisorConfig    `mapstructure:"advisor"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	// MaxConcurrent bounds the number of running units.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// Tick is the fixed sleep between scheduler iterations.
	Tick time.Duration `mapstructure:"tick"`
	// StallTimeout is how long the loop may go without progress before warning.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// SpawnRate is the number of executor spawns allowed per second.
	SpawnRate float64 `mapstructure:"spawn_rate"`
	// SpawnBurst is the limiter bucket size.
	SpawnBurst int `mapstructure:"spawn_burst"`
	// LivenessGrace is how long a unit may run before its PID must be known.
	LivenessGrace time.Duration `mapstructure:"liveness_grace"`
}

// ExecutionConfig controls individual attempts.
type ExecutionConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout"`
	Retries      int           `mapstructure:"retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	// LogTail is the number of bytes of executor output kept per attempt.
	LogTail int `mapstructure:"log_tail"`
}

// ChunkingConfig controls error-set partitioning.
type ChunkingConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

// BreakerConfig controls the per-unit circuit breaker.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// CheckpointConfig controls periodic snapshots.
type CheckpointConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// FullEvery makes every Nth checkpoint a full snapshot.
	FullEvery int `mapstructure:"full_every"`
}

// ResourcesConfig controls the resource ledger.
type ResourcesConfig struct {
	// ReservePercent of host capacity is never handed out.
	ReservePercent int `mapstructure:"reserve_percent"`
	// HighWater is the host load percentage above which admission throttles.
	HighWater float64 `mapstructure:"high_water"`
	// LowWater is the load percentage below which throttling relaxes.
	LowWater float64 `mapstructure:"low_water"`
	// SampleEvery is the number of ticks between host load samples.
	SampleEvery int `mapstructure:"sample_every"`
}

// AdvisorConfig holds settings for advisor tasks.
type AdvisorConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	Bedrock   bool   `mapstructure:"bedrock"`
	AWSRegion string `mapstructure:"aws_region"`
}

// Load loads configuration for a project directory.
// Precedence (highest to lowest):
// 1. Environment variables (BUILDFIX_SCHEDULER_MAX_CONCURRENT, ANTHROPIC_API_KEY, ...)
// 2. Project config (.buildfix.yaml in workdir or a parent)
// 3. User config (~/.config/buildfix/config.yaml)
// 4. Built-in defaults
func Load(workdir string) (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(workdir); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, on top of defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BUILDFIX")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	_ = v.BindEnv("advisor.api_key", "ANTHROPIC_API_KEY")

	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Advisor.APIKey = os.ExpandEnv(cfg.Advisor.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be >= 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %v", c.Scheduler.Tick)
	}
	if c.Scheduler.SpawnRate <= 0 || c.Scheduler.SpawnBurst < 1 {
		return errors.New("scheduler.spawn_rate and scheduler.spawn_burst must be positive")
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive, got %v", c.Execution.Timeout)
	}
	if c.Execution.ChunkTimeout <= 0 || c.Execution.ChunkTimeout > c.Execution.Timeout {
		return fmt.Errorf("execution.chunk_timeout must be in (0, %v], got %v", c.Execution.Timeout, c.Execution.ChunkTimeout)
	}
	if c.Execution.Retries < 0 {
		return fmt.Errorf("execution.retries must be >= 0, got %d", c.Execution.Retries)
	}
	if c.Chunking.MaxSize < 1 {
		return fmt.Errorf("chunking.max_size must be >= 1, got %d", c.Chunking.MaxSize)
	}
	if c.Breaker.Threshold < 1 || c.Breaker.Window <= 0 {
		return errors.New("breaker.threshold and breaker.window must be positive")
	}
	if c.Checkpoint.FullEvery < 1 {
		return fmt.Errorf("checkpoint.full_every must be >= 1, got %d", c.Checkpoint.FullEvery)
	}
	if c.Resources.ReservePercent < 0 || c.Resources.ReservePercent >= 100 {
		return fmt.Errorf("resources.reserve_percent must be in [0, 100), got %d", c.Resources.ReservePercent)
	}
	if c.Resources.LowWater >= c.Resources.HighWater {
		return errors.New("resources.low_water must be below resources.high_water")
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file for workdir, if any.
func GetProjectConfigPath(workdir string) string {
	return findProjectConfig(workdir)
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("scheduler.max_concurrent", d.Scheduler.MaxConcurrent)
	v.SetDefault("scheduler.tick", d.Scheduler.Tick.String())
	v.SetDefault("scheduler.stall_timeout", d.Scheduler.StallTimeout.String())
	v.SetDefault("scheduler.spawn_rate", d.Scheduler.SpawnRate)
	v.SetDefault("scheduler.spawn_burst", d.Scheduler.SpawnBurst)
	v.SetDefault("scheduler.liveness_grace", d.Scheduler.LivenessGrace.String())

	v.SetDefault("execution.timeout", d.Execution.Timeout.String())
	v.SetDefault("execution.chunk_timeout", d.Execution.ChunkTimeout.String())
	v.SetDefault("execution.retries", d.Execution.Retries)
	v.SetDefault("execution.backoff_base", d.Execution.BackoffBase.String())
	v.SetDefault("execution.log_tail", d.Execution.LogTail)

	v.SetDefault("chunking.max_size", d.Chunking.MaxSize)

	v.SetDefault("breaker.threshold", d.Breaker.Threshold)
	v.SetDefault("breaker.window", d.Breaker.Window.String())

	v.SetDefault("cache.ttl", d.Cache.TTL.String())

	v.SetDefault("checkpoint.interval", d.Checkpoint.Interval.String())
	v.SetDefault("checkpoint.full_every", d.Checkpoint.FullEvery)

	v.SetDefault("resources.reserve_percent", d.Resources.ReservePercent)
	v.SetDefault("resources.high_water", d.Resources.HighWater)
	v.SetDefault("resources.low_water", d.Resources.LowWater)
	v.SetDefault("resources.sample_every", d.Resources.SampleEvery)

	v.SetDefault("advisor.api_key", "")
	v.SetDefault("advisor.model", d.Advisor.Model)
	v.SetDefault("advisor.max_tokens", d.Advisor.MaxTokens)
	v.SetDefault("advisor.bedrock", d.Advisor.Bedrock)
	v.SetDefault("advisor.aws_region", d.Advisor.AWSRegion)
}

// getUserConfigDir returns the XDG config directory for buildfix.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "buildfix")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "buildfix")
	}
	return filepath.Join(home, ".config", "buildfix")
}

// findProjectConfig searches for .buildfix.yaml in dir and its parents.
func findProjectConfig(dir string) string {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ProjectFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			Tick:          500 * time.Millisecond,
			StallTimeout:  5 * time.Minute,
			SpawnRate:     4,
			SpawnBurst:    4,
			LivenessGrace: 10 * time.Second,
		},
		Execution: ExecutionConfig{
			Timeout:      10 * time.Minute,
			ChunkTimeout: 5 * time.Minute,
			Retries:      3,
			BackoffBase:  2 * time.Second,
			LogTail:      16 * 1024,
		},
		Chunking: ChunkingConfig{
			MaxSize: 50,
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Window:    5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL: time.Hour,
		},
		Checkpoint: CheckpointConfig{
			Interval:  30 * time.Second,
			FullEvery: 5,
		},
		Resources: ResourcesConfig{
			ReservePercent: 10,
			HighWater:      85,
			LowWater:       60,
			SampleEvery:    10,
		},
		Advisor: AdvisorConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			AWSRegion: "us-east-1",
		},
	}
}
