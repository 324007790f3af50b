package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	initial := &Config{Version: CurrentVersion, Model: "openrouter:anthropic/claude-3.5-haiku"}
	if err := Save(path, initial); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcherAt(path, initial, zap.NewNop(), func(cfg *Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("NewWatcherAt: %v", err)
	}
	defer w.Close()

	if w.Config().Model != initial.Model {
		t.Fatalf("expected initial config to be seeded, got %+v", w.Config())
	}

	updated := &Config{Version: CurrentVersion, Model: "openrouter:anthropic/claude-3-opus"}
	if err := Save(path, updated); err != nil {
		t.Fatalf("Save updated: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Model != updated.Model {
			t.Fatalf("expected reload to pick up %q, got %q", updated.Model, cfg.Model)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if w.Config().Model != updated.Model {
		t.Fatalf("expected Config() to reflect the reload, got %+v", w.Config())
	}
}

func TestNewWatcherAt_MissingDirFails(t *testing.T) {
	path := filepath.Join(os.TempDir(), "agentrelay-watcher-test-nonexistent", "config.toml")
	if _, err := NewWatcherAt(path, &Config{}, zap.NewNop(), nil); err == nil {
		t.Fatal("expected an error when the config directory does not exist")
	}
}
