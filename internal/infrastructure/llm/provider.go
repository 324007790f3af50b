package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentrelay/agentrelay/internal/domain/service"
	"go.uber.org/zap"
)

// Provider is one model endpoint the Router can hand a request to. The
// Name is what a provider:model identifier's prefix resolves against.
type Provider interface {
	service.LLMClient

	// Name returns the provider identifier (e.g. "openrouter", "ollama").
	Name() string

	// Models returns the supported model names; empty means any.
	Models() []string

	// SupportsModel reports whether this provider can serve the given
	// model identifier (bare or provider-prefixed).
	SupportsModel(model string) bool

	// IsAvailable reports whether the provider is usable right now
	// (credentials present, endpoint configured).
	IsAvailable(ctx context.Context) bool
}

// ProviderConfig holds configuration for an LLM provider.
type ProviderConfig struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`      // "openai" (default; the only type with a registered factory)
	BaseURL  string   `json:"base_url"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models"`
	Priority int      `json:"priority"` // Lower = higher priority
}

// --- Provider Factory Registry ---
// Providers register themselves via init() in the file that implements
// them (openai_builtin.go registers "openai").
// Adding a new provider type = implement Provider + RegisterFactory("type", New).

// ProviderFactory creates a Provider from config.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
// Called from a provider implementation's init() (e.g. openai_builtin.go).
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider creates a Provider using the registered factory for
// cfg.Type, defaulting to the OpenAI-compatible dialect.
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		available := make([]string, 0, len(factories))
		factoryMu.RLock()
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}

	return factory(cfg, logger), nil
}
