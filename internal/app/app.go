// Package app wires the domain and infrastructure layers into a runnable
// Runtime: configuration, tool registry/dispatcher, LLM router, and the
// conversation collaborators, assembled bottom-up.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
	"github.com/agentrelay/agentrelay/internal/infrastructure/config"
	"github.com/agentrelay/agentrelay/internal/infrastructure/eventbus"
	"github.com/agentrelay/agentrelay/internal/infrastructure/llm"
	"github.com/agentrelay/agentrelay/internal/infrastructure/persistence"
	"github.com/agentrelay/agentrelay/internal/infrastructure/subprocess"
	"github.com/agentrelay/agentrelay/internal/infrastructure/tool"
)

// errorThreshold is the per-tool-name consecutive-failure ceiling the Error
// Tracker and loop detection enforce.
const errorThreshold = 3

// Runtime is the fully wired object graph one CLI or gateway session runs
// against: a single conversation Loop plus the session-log Recorder that
// observes it.
type Runtime struct {
	Config    *config.Config
	Loop      *conversation.Loop
	Layers    *conversation.LayerPipeline
	Recorder  *persistence.Recorder
	Registry  *tool.ServerRegistry
	Builtin   domaintool.Registry
	Watcher   *config.Watcher
	Bus       eventbus.Bus
	Index     *persistence.SessionIndex
	SessionID string
}

// Options carries the per-invocation overrides a CLI flag or gateway
// request may apply on top of the loaded configuration, plus the
// interactive confirmation hooks only a front end can provide. Nil hooks
// auto-accept.
type Options struct {
	Model     string
	Role      string
	Workspace string
	SessionID string

	// ConfirmLargeOutput gates a tool result whose estimated token count
	// exceeds mcp_response_warning_threshold.
	ConfirmLargeOutput tool.ConfirmLargeOutput

	// ConfirmSpending gates the next model request once total cost crosses
	// max_session_spending_threshold.
	ConfirmSpending func(snapshot conversation.Snapshot) bool
}

// Build constructs a Runtime from cfg: tool registry and dispatcher first,
// then the provider Router, then the five conversation collaborators, and
// finally the session log and Recorder. Every provider with an API key
// present in its documented environment variable is registered with the
// Router in priority order; a Runtime with no providers registered still
// builds (it simply fails every model call at request time).
func Build(cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	model := cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	role := opts.Role
	if role == "" {
		role = "default"
	}

	builtin := tool.NewBuiltinRegistry()
	registry := tool.NewServerRegistry(cfg.ServerConfigs(), cfg.RolePolicies())
	subprocMgr := subprocess.NewManager(logger)
	httpClient := tool.NewHTTPClient()

	errs := conversation.NewErrorTracker(errorThreshold)
	dispatcher := tool.NewDispatcher(registry, builtin, subprocMgr, httpClient, errs,
		cfg.MCPResponseWarningThreshold, opts.ConfirmLargeOutput, logger)

	router := llm.NewRouter(logger)
	for _, p := range buildProviders(logger) {
		router.AddProvider(p)
	}
	modelClient := &llm.ConversationModelAdapter{Client: router}

	prompt := systemPrompt(opts.Workspace)
	if r, ok := cfg.Roles[role]; ok && r.SystemPrompt != "" {
		prompt = r.SystemPrompt
	}
	store, err := conversation.NewStore(prompt)
	if err != nil {
		return nil, fmt.Errorf("app: new store: %w", err)
	}
	ledger := conversation.NewLedger()
	cache := conversation.NewCacheManager(store, ledger, int64(cfg.CacheTokensThreshold),
		time.Duration(cfg.CacheTimeoutSeconds)*time.Second, supportsCaching(model))
	truncator := conversation.NewTruncator(store, ledger, cfg.MaxRequestTokensThreshold,
		cfg.EnableAutoTruncation, &conversation.ModelSummarizer{Client: modelClient, Model: model})

	loopCfg := conversation.LoopConfig{
		Model:                       model,
		Temperature:                 0.7,
		Role:                        role,
		MaxSessionSpendingThreshold: cfg.MaxSessionSpendingThreshold,
		ConfirmSpending:             opts.ConfirmSpending,
	}
	loop := conversation.NewLoop(store, cache, ledger, errs, truncator, modelClient, dispatcher, loopCfg, logger)
	layers := conversation.NewLayerPipeline(layerSpecs(cfg, role), modelClient, ledger)

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = time.Now().UTC().Format("20060102T150405") + "-" + uuid.New().String()[:8]
	}
	dataDir := config.DataDir()
	logPath := persistence.SessionLogPath(dataDir, sessionID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("app: session dir: %w", err)
	}
	sessionLog, err := persistence.OpenSessionLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("app: open session log: %w", err)
	}

	// The derived sqlite index rides the event bus: the Recorder publishes
	// a stats event per turn and the index keeps its row current. An index
	// that fails to open only costs the "sessions" listing — the JSONL log
	// stays complete either way.
	var bus eventbus.Bus
	var index *persistence.SessionIndex
	if db, dbErr := persistence.NewIndexDB(persistence.IndexPath(dataDir)); dbErr != nil {
		logger.Warn("session index disabled", zap.Error(dbErr))
	} else {
		index = persistence.NewSessionIndex(db)
		b := eventbus.NewInMemoryBus(logger, 64)
		index.Subscribe(b)
		bus = b
	}
	recorder := persistence.NewRecorder(sessionLog, bus, sessionID)

	watcher, err := config.NewWatcher(cfg, logger, func(reloaded *config.Config) {
		registry.UpdateConfigs(reloaded.ServerConfigs(), reloaded.RolePolicies())
	})
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	}

	return &Runtime{
		Config:    cfg,
		Loop:      loop,
		Layers:    layers,
		Recorder:  recorder,
		Registry:  registry,
		Builtin:   builtin,
		Watcher:   watcher,
		Bus:       bus,
		Index:     index,
		SessionID: sessionID,
	}, nil
}

// Close releases the Runtime's open resources: the config hot-reload
// watcher, the session log, and finally the event bus (last, so the
// Recorder's closing stats still reach the index).
func (r *Runtime) Close() error {
	if r.Watcher != nil {
		_ = r.Watcher.Close()
	}
	var err error
	if r.Recorder != nil {
		err = r.Recorder.Close()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	return err
}

// buildProviders registers one OpenAI-compatible provider per environment
// variable present, in failover order.
func buildProviders(logger *zap.Logger) []llm.Provider {
	var providers []llm.Provider
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		providers = append(providers, llm.NewOpenAICompatProvider(llm.ProviderConfig{
			Name:    "openrouter",
			BaseURL: "https://openrouter.ai/api/v1",
			APIKey:  key,
		}, logger))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, llm.NewOpenAICompatProvider(llm.ProviderConfig{
			Name:   "openai",
			APIKey: key,
		}, logger))
	}
	if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		providers = append(providers, llm.NewOpenAICompatProvider(llm.ProviderConfig{
			Name:    "ollama",
			BaseURL: base,
			APIKey:  "ollama",
		}, logger))
	}
	return providers
}

// layerSpecs projects the selected role's layer sub-tables into the
// pipeline's domain form.
func layerSpecs(cfg *config.Config, role string) []conversation.LayerSpec {
	r, ok := cfg.Roles[role]
	if !ok {
		return nil
	}
	specs := make([]conversation.LayerSpec, 0, len(r.Layers))
	for _, l := range r.Layers {
		specs = append(specs, conversation.LayerSpec{
			Name:         l.Name,
			SystemPrompt: l.SystemPrompt,
			AllowedTools: l.AllowedTools,
			Input:        conversation.InputMode(l.Input),
		})
	}
	return specs
}

// supportsCaching reports whether model's provider exposes explicit
// prompt-cache checkpoints. Anthropic's API is the only one the built-in
// providers speak that does.
func supportsCaching(model string) bool {
	return strings.Contains(model, "anthropic") || strings.Contains(model, "claude")
}

func systemPrompt(workspace string) string {
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	return fmt.Sprintf(
		"You are an AI coding assistant operating in %s. Use the available tools to read, "+
			"search, and edit files, and to run shell commands, in order to complete the user's "+
			"request. Work directly in the workspace; do not ask the user to run commands for you.",
		workspace,
	)
}
