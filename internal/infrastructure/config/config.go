// Package config loads the runtime's TOML configuration surface: a
// single static document under a platform-specific data directory,
// versioned so older files migrate forward automatically.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
)

// AppName names the application's data-directory segment.
const AppName = "agentrelay"

// CurrentVersion is the config schema version this build writes. Loading an
// older file triggers a forward migration plus a ".toml.backup" sibling.
const CurrentVersion = 1

// Documented defaults.
const (
	DefaultModel                       = "openrouter:anthropic/claude-3.5-haiku"
	DefaultLogLevel                    = "info"
	DefaultMaxRequestTokensThreshold    = 50000
	DefaultEnableAutoTruncation         = false
	DefaultCacheTokensThreshold         = 2048
	DefaultCacheTimeoutSeconds          = 240
	DefaultMCPResponseWarningThreshold  = 20000
)

// Config is the fully resolved configuration surface.
type Config struct {
	Version int `mapstructure:"version"`

	Model    string `mapstructure:"model"`
	LogLevel string `mapstructure:"log_level"` // none | info | debug

	MaxRequestTokensThreshold   int     `mapstructure:"max_request_tokens_threshold"`
	EnableAutoTruncation        bool    `mapstructure:"enable_auto_truncation"`
	CacheTokensThreshold        int     `mapstructure:"cache_tokens_threshold"`
	CacheTimeoutSeconds         int     `mapstructure:"cache_timeout_seconds"`
	MCPResponseWarningThreshold int     `mapstructure:"mcp_response_warning_threshold"`
	MaxSessionSpendingThreshold float64 `mapstructure:"max_session_spending_threshold"`

	Roles   map[string]RoleEntry   `mapstructure:"roles"`
	Servers map[string]ServerEntry `mapstructure:"servers"`
}

// RoleEntry is a per-role sub-table: which servers it may see, which tool
// names it may invoke across all of them (empty = every tool those servers
// expose), an optional system prompt override, and an optional layered
// pipeline applied to the session's first turn.
type RoleEntry struct {
	Servers      []string     `mapstructure:"servers"`
	AllowedTools []string     `mapstructure:"allowed_tools"`
	SystemPrompt string       `mapstructure:"system_prompt"`
	Layers       []LayerEntry `mapstructure:"layers"`
}

// LayerEntry configures one layer of a role's first-turn pipeline. Input
// selects how much prior context the layer sees: "last", "all", or
// "summary".
type LayerEntry struct {
	Name         string   `mapstructure:"name"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	AllowedTools []string `mapstructure:"allowed_tools"`
	Input        string   `mapstructure:"input"`
}

// ServerEntry is a per-server sub-table.
type ServerEntry struct {
	Kind           string   `mapstructure:"kind"` // built-in-developer | built-in-filesystem | external-http | external-stdio
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	URL            string   `mapstructure:"url"`
	AuthToken      string   `mapstructure:"auth_token"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	AllowedTools   []string `mapstructure:"allowed_tools"`
}

// DataDir resolves the platform-specific config directory.
func DataDir() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("LOCALAPPDATA")
		return filepath.Join(base, AppName, "config")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", AppName, "config")
}

// Path returns the full path to config.toml under DataDir.
func Path() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads the configuration file, applying documented defaults for any
// missing key and migrating an older version forward (writing a
// ".toml.backup" sibling first). A missing file is treated as all-defaults
// and is not itself created — Save must be called explicitly for that.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom is Load against an explicit path rather than the platform
// default, letting a config.Watcher (or a test) reload a specific file.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	applyDefaults(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	v.SetEnvPrefix("AGENTRELAY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Version < CurrentVersion {
		if err := migrate(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: migrate: %w", err)
		}
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("version", CurrentVersion)
	v.SetDefault("model", DefaultModel)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("max_request_tokens_threshold", DefaultMaxRequestTokensThreshold)
	v.SetDefault("enable_auto_truncation", DefaultEnableAutoTruncation)
	v.SetDefault("cache_tokens_threshold", DefaultCacheTokensThreshold)
	v.SetDefault("cache_timeout_seconds", DefaultCacheTimeoutSeconds)
	v.SetDefault("mcp_response_warning_threshold", DefaultMCPResponseWarningThreshold)
}

// migrate rewrites an older config file forward: it stamps the current
// version and writes it back, first preserving the old contents in a
// ".toml.backup" sibling. A file that doesn't exist yet needs
// no migration — Load already applied the current-version defaults in
// memory.
func migrate(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.Version = CurrentVersion
		return nil
	}

	original, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read original: %w", err)
	}
	if err := os.WriteFile(path+".backup", original, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	cfg.Version = CurrentVersion
	return Save(path, cfg)
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("version", cfg.Version)
	v.Set("model", cfg.Model)
	v.Set("log_level", cfg.LogLevel)
	v.Set("max_request_tokens_threshold", cfg.MaxRequestTokensThreshold)
	v.Set("enable_auto_truncation", cfg.EnableAutoTruncation)
	v.Set("cache_tokens_threshold", cfg.CacheTokensThreshold)
	v.Set("cache_timeout_seconds", cfg.CacheTimeoutSeconds)
	v.Set("mcp_response_warning_threshold", cfg.MCPResponseWarningThreshold)
	v.Set("max_session_spending_threshold", cfg.MaxSessionSpendingThreshold)
	v.Set("roles", cfg.Roles)
	v.Set("servers", cfg.Servers)

	return v.WriteConfigAs(path)
}

// ServerConfigs projects the TOML server sub-tables into domain ServerConfig
// values ready for the ServerRegistry.
func (c *Config) ServerConfigs() []domaintool.ServerConfig {
	out := make([]domaintool.ServerConfig, 0, len(c.Servers))
	for name, s := range c.Servers {
		var timeout time.Duration
		if s.TimeoutSeconds > 0 {
			timeout = time.Duration(s.TimeoutSeconds) * time.Second
		}
		out = append(out, domaintool.ServerConfig{
			Name:      name,
			Kind:      domaintool.ServerKind(s.Kind),
			Command:   s.Command,
			Args:      s.Args,
			URL:       s.URL,
			AuthToken: s.AuthToken,
			Timeout:   timeout,
			AllowList: s.AllowedTools,
		})
	}
	return out
}

// RolePolicies projects the TOML role sub-tables into domain RolePolicy
// values.
func (c *Config) RolePolicies() []domaintool.RolePolicy {
	out := make([]domaintool.RolePolicy, 0, len(c.Roles))
	for name, r := range c.Roles {
		out = append(out, domaintool.RolePolicy{Name: name, Servers: r.Servers, AllowList: r.AllowedTools})
	}
	return out
}
