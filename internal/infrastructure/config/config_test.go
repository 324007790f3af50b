package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := &Config{
		Version:                     CurrentVersion,
		Model:                       "openrouter:anthropic/claude-3.5-haiku",
		LogLevel:                    "debug",
		MaxRequestTokensThreshold:   12345,
		EnableAutoTruncation:        true,
		CacheTokensThreshold:        4096,
		CacheTimeoutSeconds:         120,
		MCPResponseWarningThreshold: 15000,
		MaxSessionSpendingThreshold: 5.0,
		Roles: map[string]RoleEntry{
			"coder": {Servers: []string{"developer"}, AllowedTools: []string{"read_file"}},
		},
		Servers: map[string]ServerEntry{
			"developer": {Kind: "built-in-developer"},
		},
	}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}
}

func TestServerConfigsProjection(t *testing.T) {
	cfg := &Config{
		Servers: map[string]ServerEntry{
			"mcp-tools": {
				Kind:           "external-stdio",
				Command:        "/usr/bin/mcp-server",
				Args:           []string{"--flag"},
				TimeoutSeconds: 15,
				AllowedTools:   []string{"search"},
			},
		},
	}
	configs := cfg.ServerConfigs()
	if len(configs) != 1 {
		t.Fatalf("expected 1 server config, got %d", len(configs))
	}
	sc := configs[0]
	if sc.Name != "mcp-tools" || sc.Command != "/usr/bin/mcp-server" {
		t.Fatalf("unexpected projection: %+v", sc)
	}
	if sc.Timeout.Seconds() != 15 {
		t.Fatalf("expected 15s timeout, got %v", sc.Timeout)
	}
}

func TestRolePoliciesProjection(t *testing.T) {
	cfg := &Config{
		Roles: map[string]RoleEntry{
			"reviewer": {Servers: []string{"developer"}, AllowedTools: []string{"read_file", "search"}},
		},
	}
	policies := cfg.RolePolicies()
	if len(policies) != 1 {
		t.Fatalf("expected 1 role policy, got %d", len(policies))
	}
	if policies[0].Name != "reviewer" || len(policies[0].AllowList) != 2 {
		t.Fatalf("unexpected projection: %+v", policies[0])
	}
}

func TestDataDir_NonEmpty(t *testing.T) {
	if DataDir() == "" {
		t.Fatalf("expected a non-empty platform data directory")
	}
	if filepath.Base(Path()) != "config.toml" {
		t.Fatalf("expected config path to end in config.toml, got %s", Path())
	}
}
