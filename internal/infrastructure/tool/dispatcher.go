package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
	"github.com/agentrelay/agentrelay/internal/infrastructure/subprocess"
	"github.com/agentrelay/agentrelay/pkg/safego"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// cancelGraceWindow is how long an in-flight tool call gets to finish
// naturally after cancellation before being abandoned.
const cancelGraceWindow = 500 * time.Millisecond

// defaultCallTimeout bounds one external (stdio or HTTP) tool call when the
// server's config carries no timeout_seconds of its own.
const defaultCallTimeout = 30 * time.Second

// estimateTokens is the same crude chars/4 heuristic used elsewhere in the
// runtime for the large-output gate; providers rarely hand back a real
// count for tool output.
func estimateTokens(s string) int {
	return len(s) / 4
}

// ConfirmLargeOutput is asked before a successful result whose estimated
// size exceeds the warning threshold is accepted. Returning false declines
// it.
type ConfirmLargeOutput func(toolName string, estimatedTokens int) bool

// Dispatcher is the Tool Dispatcher: it resolves each call's
// server via the registry, fans the batch out concurrently, enforces the
// role allow-list, loop detection, and the large-output gate, and returns
// results in call order.
type Dispatcher struct {
	registry *ServerRegistry
	builtin  domaintool.Registry
	subproc  *subprocess.Manager
	http     *HTTPClient
	errs     *conversation.ErrorTracker

	warningThreshold int // mcp_response_warning_threshold, in estimated tokens
	confirmLarge     ConfirmLargeOutput
	logger           *zap.Logger

	// schemaCache holds each external server's last-fetched tool schema,
	// keyed by server name: the function-definition cache, invalidated whenever the server's health is
	// no longer Running so a restarted server's schema is re-fetched.
	cacheMu sync.Mutex
	schemaCache map[string][]domaintool.Definition
}

var _ conversation.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher wires a Dispatcher. errs is shared with the owning Loop so
// both observe the same per-tool failure counts. confirmLarge may be nil,
// in which case the large-output gate always accepts.
func NewDispatcher(registry *ServerRegistry, builtin domaintool.Registry, subproc *subprocess.Manager, httpClient *HTTPClient, errs *conversation.ErrorTracker, warningThreshold int, confirmLarge ConfirmLargeOutput, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:         registry,
		builtin:          builtin,
		subproc:          subproc,
		http:             httpClient,
		errs:             errs,
		warningThreshold: warningThreshold,
		confirmLarge:     confirmLarge,
		logger:           logger,
		schemaCache:      make(map[string][]domaintool.Definition),
	}
}

// ToolDefinitions implements conversation.Dispatcher: it assembles the full
// tool list a role's model request should advertise, namespacing a server's
// tools as "<server>_<tool>" whenever the role sees more than one server so
// the model never sees two identically-named tools.
func (d *Dispatcher) ToolDefinitions(ctx context.Context, role string) []domaintool.Definition {
	servers := d.registry.EnabledForRole(role)
	policy := d.registry.RolePolicy(role)
	namespaced := len(servers) > 1

	var out []domaintool.Definition
	if len(servers) == 0 {
		// Bare sessions with no role configuration still see the built-in
		// tools directly, unqualified (matches Dispatcher.invoke's fallback).
		for _, def := range d.builtin.List() {
			if policy.IsAllowed(def.Name) {
				out = append(out, def)
			}
		}
		return out
	}

	for _, cfg := range servers {
		defs := d.definitionsFor(ctx, cfg)
		for _, def := range defs {
			if !policy.IsAllowed(def.Name) {
				continue
			}
			if namespaced {
				def.Name = QualifiedToolName(cfg.Name, def.Name)
			}
			out = append(out, def)
		}
	}
	return out
}

func (d *Dispatcher) definitionsFor(ctx context.Context, cfg domaintool.ServerConfig) []domaintool.Definition {
	switch cfg.Kind {
	case domaintool.ServerBuiltinDeveloper, domaintool.ServerBuiltinFilesystem:
		return d.builtin.List()
	case domaintool.ServerExternalStdio:
		if health := d.subproc.Health(cfg.Name); health.Terminal() {
			d.invalidateSchema(cfg.Name)
			return nil
		}
		if defs, ok := d.cachedSchema(cfg.Name); ok {
			return defs
		}
		defs, err := d.subproc.ListTools(ctx, cfg)
		if err != nil {
			d.logger.Warn("tools/list failed", zap.String("server", cfg.Name), zap.Error(err))
			return nil
		}
		d.storeSchema(cfg.Name, defs)
		return defs
	case domaintool.ServerExternalHTTP:
		if defs, ok := d.cachedSchema(cfg.Name); ok {
			return defs
		}
		defs, err := d.http.ListTools(ctx, cfg)
		if err != nil {
			d.logger.Warn("tools/list failed", zap.String("server", cfg.Name), zap.Error(err))
			return nil
		}
		d.storeSchema(cfg.Name, defs)
		return defs
	default:
		return nil
	}
}

func (d *Dispatcher) cachedSchema(name string) ([]domaintool.Definition, bool) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	defs, ok := d.schemaCache[name]
	return defs, ok
}

func (d *Dispatcher) storeSchema(name string, defs []domaintool.Definition) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.schemaCache[name] = defs
}

func (d *Dispatcher) invalidateSchema(name string) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	delete(d.schemaCache, name)
}

// ListServers is the read-only introspection surface behind the
// "list_servers" command: every server a role can see,
// its current health, and its discovered tool count.
func (d *Dispatcher) ListServers(ctx context.Context, role string) []ServerSummary {
	var out []ServerSummary
	for _, cfg := range d.registry.EnabledForRole(role) {
		summary := ServerSummary{Name: cfg.Name, Kind: cfg.Kind}
		switch cfg.Kind {
		case domaintool.ServerExternalStdio:
			summary.Endpoint = cfg.Command
			summary.Health = d.subproc.Health(cfg.Name)
		case domaintool.ServerExternalHTTP:
			summary.Endpoint = cfg.URL
			summary.Health = domaintool.HealthRunning
		default:
			summary.Health = domaintool.HealthRunning
		}
		summary.ToolCount = len(d.definitionsFor(ctx, cfg))
		out = append(out, summary)
	}
	return out
}

type callOutcome struct {
	index    int
	call     entity.ToolCall
	result   entity.ToolResult
	declined bool
	elapsed  time.Duration
}

// Dispatch implements conversation.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []entity.ToolCall, role string) (*conversation.DispatchOutcome, error) {
	start := time.Now()
	policy := d.registry.RolePolicy(role)

	surviving := make([]entity.ToolCall, 0, len(calls))
	var droppedIDs, declinedIDs []string
	for _, c := range calls {
		if !policy.IsAllowed(c.ToolName) {
			d.logger.Warn("tool call dropped: not allowed for role",
				zap.String("tool", c.ToolName), zap.String("role", role))
			droppedIDs = append(droppedIDs, c.ToolID)
			continue
		}
		surviving = append(surviving, c)
	}

	outcomes := make([]*callOutcome, len(surviving))
	g := new(errgroup.Group)
	for i, c := range surviving {
		idx, call := i, c
		g.Go(func() (err error) {
			defer safego.Recover(d.logger, "tool-dispatch:"+call.ToolName, func(r any) {
				outcomes[idx] = &callOutcome{call: call, result: entity.ToolResult{
					ToolName: call.ToolName,
					ToolID:   call.ToolID,
					Success:  false,
					Error:    fmt.Sprintf("panic: %v", r),
					Output:   fmt.Sprintf("tool %q panicked: %v", call.ToolName, r),
				}}
			})
			outcomes[idx] = d.runOne(ctx, idx, call, role)
			return nil
		})
	}

	done := make(chan struct{})
	go func() { _ = g.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(cancelGraceWindow):
			d.logger.Warn("tool batch cancelled, abandoning calls past grace window")
		}
	}

	results := make([]entity.ToolResult, 0, len(surviving))
	for _, o := range outcomes {
		if o == nil {
			// cancelled before this call's goroutine finished within the
			// grace window: skipped entirely, no result fabricated.
			continue
		}
		if o.declined {
			declinedIDs = append(declinedIDs, o.call.ToolID)
			continue
		}
		results = append(results, o.result)
	}

	return &conversation.DispatchOutcome{
		Results:  results,
		Declined: declinedIDs,
		Dropped:  droppedIDs,
		Elapsed:  time.Since(start),
	}, nil
}

func (d *Dispatcher) runOne(ctx context.Context, _ int, call entity.ToolCall, role string) *callOutcome {
	start := time.Now()
	result := d.invoke(ctx, call, role)
	elapsed := time.Since(start)

	if !result.Success {
		count, ceilingReached := d.errs.RecordError(call.ToolName)
		result.AttemptCount = count
		if ceilingReached {
			result.LoopDetected = true
			result.Output = fmt.Sprintf(
				"loop detected: %q has failed %d consecutive times. Try a different approach instead of repeating this call.",
				call.ToolName, count)
		}
		return &callOutcome{call: call, result: result, elapsed: elapsed}
	}

	d.errs.RecordSuccess(call.ToolName)

	est := estimateTokens(result.Output)
	if d.warningThreshold > 0 && est > d.warningThreshold && d.confirmLarge != nil {
		if !d.confirmLarge(call.ToolName, est) {
			return &callOutcome{call: call, declined: true, elapsed: elapsed}
		}
	}

	return &callOutcome{call: call, result: result, elapsed: elapsed}
}

func (d *Dispatcher) invoke(ctx context.Context, call entity.ToolCall, role string) entity.ToolResult {
	cfg, toolName, ok := d.registry.ResolveQualified(role, call.ToolName)
	if !ok {
		// Roles with no server configuration at all fall back to the
		// built-in registry directly, so a bare session still has
		// developer/filesystem tools available.
		if t, has := d.builtin.Get(call.ToolName); has {
			return d.invokeBuiltin(ctx, call, t)
		}
		msg := fmt.Sprintf("no server exposes tool %q for role %q", call.ToolName, role)
		return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: false, Error: msg, Output: msg}
	}

	if cfg.Kind == domaintool.ServerExternalStdio {
		if health := d.subproc.Health(cfg.Name); health.Terminal() {
			d.invalidateSchema(cfg.Name)
			msg := fmt.Sprintf("server %q is %s, no auto-restart", cfg.Name, health)
			return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: false, Error: msg, Output: msg}
		}
	}

	var result *domaintool.Result
	var err error
	switch cfg.Kind {
	case domaintool.ServerBuiltinDeveloper, domaintool.ServerBuiltinFilesystem:
		t, has := d.builtin.Get(toolName)
		if !has {
			msg := fmt.Sprintf("built-in tool %q not registered", toolName)
			return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: false, Error: msg, Output: msg}
		}
		return d.invokeBuiltin(ctx, call, t)
	case domaintool.ServerExternalStdio:
		callCtx, cancel := context.WithTimeout(ctx, callTimeout(cfg))
		result, err = d.subproc.CallTool(callCtx, cfg, toolName, call.Parameters)
		cancel()
	case domaintool.ServerExternalHTTP:
		callCtx, cancel := context.WithTimeout(ctx, callTimeout(cfg))
		result, err = d.http.CallTool(callCtx, cfg, toolName, call.Parameters)
		cancel()
	default:
		msg := fmt.Sprintf("server %q has unsupported kind %q", cfg.Name, cfg.Kind)
		return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: false, Error: msg, Output: msg}
	}
	if err != nil {
		return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: false, Error: err.Error(), Output: err.Error()}
	}
	return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: result.Success, Output: result.DisplayOrOutput(), Error: result.Error}
}

// callTimeout resolves one external call's deadline: the server's
// timeout_seconds when configured, defaultCallTimeout otherwise.
func callTimeout(cfg domaintool.ServerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return defaultCallTimeout
}

func (d *Dispatcher) invokeBuiltin(ctx context.Context, call entity.ToolCall, t domaintool.Tool) entity.ToolResult {
	r, err := t.Execute(ctx, call.Parameters)
	if err != nil {
		return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: false, Error: err.Error(), Output: err.Error()}
	}
	return entity.ToolResult{ToolName: call.ToolName, ToolID: call.ToolID, Success: r.Success, Output: r.DisplayOrOutput(), Error: r.Error}
}
