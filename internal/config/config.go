// Package config handles configuration loading for loom.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/pkg/models"
)

// Config holds all configuration for loom.
type Config struct {
	Run      RunConfig                `mapstructure:"run"`
	Backends map[string]BackendConfig `mapstructure:"backends"`
	Log      LogConfig                `mapstructure:"log"`
}

// RunConfig holds scheduling and recovery settings for a run.
type RunConfig struct {
	// MaxParallel caps the number of simultaneously running tasks.
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxRetries is the retry ceiling per backend for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// UnavailableThreshold is the number of distinct tasks that must fail
	// consecutively before a backend is marked unavailable.
	UnavailableThreshold int `mapstructure:"unavailable_threshold"`
	// DefaultTimeout is the per-task execution timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// CapabilityTimeouts overrides DefaultTimeout per capability.
	CapabilityTimeouts map[string]time.Duration `mapstructure:"capability_timeouts"`
	// StallTimeout is how long without progress counts as a stall.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// AcquireTimeout bounds the wait for a slot on a busy backend.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// CancelGrace is the wind-down period after cancellation.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
	// BackoffInitial is the first retry delay.
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

// BackendConfig describes one execution backend.
type BackendConfig struct {
	// Kind is "structured" or "text_only".
	Kind string `mapstructure:"kind"`
	// Commands maps capability to the shell command that serves it.
	Commands map[string]string `mapstructure:"commands"`
	// MaxConcurrent caps concurrent invocations, 0 for unbounded.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// WorkDir is the working directory for commands, empty for cwd.
	WorkDir string `mapstructure:"work_dir"`
}

// LogConfig holds debug logging settings.
type LogConfig struct {
	// Debug enables the debug log file.
	Debug bool `mapstructure:"debug"`
	// File is the debug log path; empty means .loom/debug.log.
	File string `mapstructure:"file"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (LOOM_*)
// 2. Project config (.loom.yaml in current directory or a parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend kinds and command tables.
func (c *Config) Validate() error {
	for name, b := range c.Backends {
		if !models.BackendKind(b.Kind).Valid() {
			return fmt.Errorf("backend %s: invalid kind %q", name, b.Kind)
		}
		if len(b.Commands) == 0 {
			return fmt.Errorf("backend %s: no capability commands configured", name)
		}
	}
	return nil
}

// Orchestrator converts the run settings to an orchestrator.Config.
func (c *Config) Orchestrator() orchestrator.Config {
	oc := orchestrator.Config{
		MaxParallel:          c.Run.MaxParallel,
		MaxRetries:           c.Run.MaxRetries,
		UnavailableThreshold: c.Run.UnavailableThreshold,
		DefaultTimeout:       c.Run.DefaultTimeout,
		StallTimeout:         c.Run.StallTimeout,
		CancelGrace:          c.Run.CancelGrace,
		BackoffInitial:       c.Run.BackoffInitial,
		BackoffMax:           c.Run.BackoffMax,
	}
	if len(c.Run.CapabilityTimeouts) > 0 {
		oc.CapabilityTimeouts = make(map[models.Capability]time.Duration, len(c.Run.CapabilityTimeouts))
		for capability, d := range c.Run.CapabilityTimeouts {
			oc.CapabilityTimeouts[models.Capability(capability)] = d
		}
	}
	return oc
}

// LogPath returns the debug log file path.
func (c *Config) LogPath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(".loom", "debug.log")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("run.max_parallel", 4)
	v.SetDefault("run.max_retries", 2)
	v.SetDefault("run.unavailable_threshold", 3)
	v.SetDefault("run.default_timeout", "5m")
	v.SetDefault("run.stall_timeout", "2m")
	v.SetDefault("run.acquire_timeout", "30s")
	v.SetDefault("run.cancel_grace", "10s")
	v.SetDefault("run.backoff_initial", "500ms")
	v.SetDefault("run.backoff_max", "10s")

	v.SetDefault("log.debug", false)
	v.SetDefault("log.file", "")
}

// getUserConfigDir returns the XDG config directory for loom.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// findProjectConfig searches for .loom.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".loom.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values and no backends.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			MaxParallel:          4,
			MaxRetries:           2,
			UnavailableThreshold: 3,
			DefaultTimeout:       5 * time.Minute,
			StallTimeout:         2 * time.Minute,
			AcquireTimeout:       30 * time.Second,
			CancelGrace:          10 * time.Second,
			BackoffInitial:       500 * time.Millisecond,
			BackoffMax:           10 * time.Second,
		},
	}
}
