// Package config loads agentcore settings from a config file, AGENTCORE_
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/agentcore/agentloop"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENTCORE_MAX_STEPS.
const EnvPrefix = "AGENTCORE"

// Config is the full agentcore configuration.
type Config struct {
	Provider    string `mapstructure:"provider"`
	Model       string `mapstructure:"model"`
	MaxSteps    int    `mapstructure:"max_steps"`
	TokenBudget int    `mapstructure:"token_budget"` // 0 uses the model's context window

	Loop        LoopConfig        `mapstructure:"loop"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Tools       ToolsConfig       `mapstructure:"tools"`
	Permissions map[string]string `mapstructure:"permissions"`
	Store       StoreConfig       `mapstructure:"store"`
	Log         LogConfig         `mapstructure:"log"`
}

type LoopConfig struct {
	Threshold  int           `mapstructure:"threshold"`
	WindowSize int           `mapstructure:"window_size"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

type DispatcherConfig struct {
	PoolSize      int            `mapstructure:"pool_size"`
	MaxBatch      int            `mapstructure:"max_batch"`
	CallTimeout   time.Duration  `mapstructure:"call_timeout"`
	ShutdownGrace time.Duration  `mapstructure:"shutdown_grace"`
	CharLimits    map[string]int `mapstructure:"char_limits"`
	LineLimits    map[string]int `mapstructure:"line_limits"`
}

type ToolsConfig struct {
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	MaxCommandTimeout time.Duration `mapstructure:"max_command_timeout"`
	ReadLimit         int           `mapstructure:"read_limit"`
}

type StoreConfig struct {
	Path     string `mapstructure:"path"`
	Disabled bool   `mapstructure:"disabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Dir returns ~/.agentcore, or .agentcore when there is no home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcore"
	}
	return filepath.Join(home, ".agentcore")
}

func setDefaults(v *viper.Viper) {
	session := agentloop.DefaultSessionConfig()
	tools := agentloop.DefaultBuiltinToolsConfig()

	v.SetDefault("provider", "anthropic")
	v.SetDefault("model", "")
	v.SetDefault("max_steps", session.MaxSteps)
	v.SetDefault("token_budget", 0)

	v.SetDefault("loop.threshold", session.Loop.Threshold)
	v.SetDefault("loop.window_size", session.Loop.WindowSize)
	v.SetDefault("loop.cooldown", session.Loop.Cooldown)

	v.SetDefault("dispatcher.pool_size", session.Dispatcher.PoolSize)
	v.SetDefault("dispatcher.max_batch", session.Dispatcher.MaxBatch)
	v.SetDefault("dispatcher.call_timeout", session.Dispatcher.CallTimeout)
	v.SetDefault("dispatcher.shutdown_grace", session.Dispatcher.ShutdownGrace)

	v.SetDefault("tools.command_timeout", tools.DefaultCommandTimeout)
	v.SetDefault("tools.max_command_timeout", tools.MaxCommandTimeout)
	v.SetDefault("tools.read_limit", tools.DefaultReadLimit)

	v.SetDefault("store.path", filepath.Join(Dir(), "sessions.db"))
	v.SetDefault("store.disabled", false)
	v.SetDefault("log.level", "info")
}

// Load reads configuration. An explicit path must exist; otherwise
// agentcore.{yaml,toml,json} is looked up in the working directory and then
// in Dir(), and a missing file just means defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentcore")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the session cannot run with.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New("config: provider is required")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.TokenBudget < 0 {
		return fmt.Errorf("config: token_budget must not be negative, got %d", c.TokenBudget)
	}
	if c.Dispatcher.PoolSize <= 0 || c.Dispatcher.MaxBatch <= 0 {
		return errors.New("config: dispatcher pool_size and max_batch must be positive")
	}
	for tool, action := range c.Permissions {
		if _, err := agentloop.ParsePermissionAction(strings.ToLower(action)); err != nil {
			return fmt.Errorf("config: permissions.%s: %w", tool, err)
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// SessionConfig builds the agent session settings. contextWindow is the
// token budget used when none is configured.
func (c *Config) SessionConfig(model string, contextWindow int) (agentloop.SessionConfig, error) {
	sc := agentloop.DefaultSessionConfig()
	sc.Model = model
	sc.MaxSteps = c.MaxSteps
	sc.TokenBudget = contextWindow
	if c.TokenBudget > 0 {
		sc.TokenBudget = c.TokenBudget
	}
	sc.Loop = agentloop.LoopGuardConfig{
		Threshold:  c.Loop.Threshold,
		WindowSize: c.Loop.WindowSize,
		Cooldown:   c.Loop.Cooldown,
	}
	sc.Dispatcher = c.DispatcherConfig()

	policy, err := c.PermissionPolicy()
	if err != nil {
		return sc, err
	}
	sc.Policy = policy
	return sc, nil
}

func (c *Config) DispatcherConfig() agentloop.DispatcherConfig {
	return agentloop.DispatcherConfig{
		PoolSize:      c.Dispatcher.PoolSize,
		MaxBatch:      c.Dispatcher.MaxBatch,
		CallTimeout:   c.Dispatcher.CallTimeout,
		ShutdownGrace: c.Dispatcher.ShutdownGrace,
		Limits: agentloop.OutputLimits{
			Chars: c.Dispatcher.CharLimits,
			Lines: c.Dispatcher.LineLimits,
		},
	}
}

// PermissionPolicy overlays the configured actions on the default policy.
func (c *Config) PermissionPolicy() (agentloop.PermissionPolicy, error) {
	policy := agentloop.DefaultPermissionPolicy()
	for tool, raw := range c.Permissions {
		action, err := agentloop.ParsePermissionAction(strings.ToLower(raw))
		if err != nil {
			return nil, fmt.Errorf("permissions.%s: %w", tool, err)
		}
		policy[tool] = action
	}
	return policy, nil
}

func (c *Config) BuiltinTools() agentloop.BuiltinToolsConfig {
	return agentloop.BuiltinToolsConfig{
		DefaultCommandTimeout: c.Tools.CommandTimeout,
		MaxCommandTimeout:     c.Tools.MaxCommandTimeout,
		DefaultReadLimit:      c.Tools.ReadLimit,
	}
}

// LogLevel returns the parsed log level; verbose forces debug.
func (c *Config) LogLevel(verbose bool) zerolog.Level {
	if verbose {
		return zerolog.DebugLevel
	}
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
