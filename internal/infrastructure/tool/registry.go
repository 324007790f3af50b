// Package tool wires the Tool Registry, built-in tool providers, the HTTP
// external-server transport, and the Tool Dispatcher together against the
// domain tool types.
package tool

import (
	"strings"
	"sync"

	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
)

// builtinDefaults are the core server names guaranteed to resolve even
// absent from user configuration.
var builtinDefaults = map[string]domaintool.ServerConfig{
	"developer":  {Name: "developer", Kind: domaintool.ServerBuiltinDeveloper},
	"filesystem": {Name: "filesystem", Kind: domaintool.ServerBuiltinFilesystem},
}

// ServerRegistry is the Tool Registry: pure configuration, no runtime
// process state. It maps a server name to a ServerConfig, falling back to a
// fixed built-in descriptor when the name isn't present in user config.
type ServerRegistry struct {
	mu      sync.RWMutex
	configs map[string]domaintool.ServerConfig
	roles   map[string]domaintool.RolePolicy
}

// NewServerRegistry creates a registry seeded with user-configured servers
// and role policies. Either may be nil.
func NewServerRegistry(configs []domaintool.ServerConfig, roles []domaintool.RolePolicy) *ServerRegistry {
	r := &ServerRegistry{
		configs: make(map[string]domaintool.ServerConfig),
		roles:   make(map[string]domaintool.RolePolicy),
	}
	for _, c := range configs {
		r.configs[c.Name] = c
	}
	for _, p := range roles {
		r.roles[p.Name] = p
	}
	return r
}

// Resolve returns the user config for name if present, else the built-in
// descriptor, else ok=false.
func (r *ServerRegistry) Resolve(name string) (domaintool.ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.configs[name]; ok {
		return cfg, true
	}
	if cfg, ok := builtinDefaults[name]; ok {
		return cfg, true
	}
	return domaintool.ServerConfig{}, false
}

// EnabledForRole returns the configs whose names appear in role's
// server-reference list, in the order named. Unknown role names yield an
// empty slice: no servers, no implicit "every known server" default.
func (r *ServerRegistry) EnabledForRole(role string) []domaintool.ServerConfig {
	r.mu.RLock()
	policy, ok := r.roles[role]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	out := make([]domaintool.ServerConfig, 0, len(policy.Servers))
	for _, name := range policy.Servers {
		if cfg, ok := r.Resolve(name); ok {
			out = append(out, cfg)
		}
	}
	return out
}

// UpdateConfigs replaces the registry's user-configured servers and role
// policies wholesale, letting a live config.Watcher push a hot-reloaded
// config.toml into an already-running dispatcher without a restart. Built-in
// defaults and existing subprocess health state are untouched — only which
// servers/roles the registry resolves changes.
func (r *ServerRegistry) UpdateConfigs(configs []domaintool.ServerConfig, roles []domaintool.RolePolicy) {
	newConfigs := make(map[string]domaintool.ServerConfig, len(configs))
	for _, c := range configs {
		newConfigs[c.Name] = c
	}
	newRoles := make(map[string]domaintool.RolePolicy, len(roles))
	for _, p := range roles {
		newRoles[p.Name] = p
	}

	r.mu.Lock()
	r.configs = newConfigs
	r.roles = newRoles
	r.mu.Unlock()
}

// RolePolicy returns the named role's policy, or the zero policy (allow
// everything) if the role is unknown.
func (r *ServerRegistry) RolePolicy(role string) domaintool.RolePolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[role]
}

// ServerForTool finds which of a role's enabled servers exposes toolName,
// consulting each server's own AllowList when non-empty.
func (r *ServerRegistry) ServerForTool(role, toolName string) (domaintool.ServerConfig, bool) {
	for _, cfg := range r.EnabledForRole(role) {
		if len(cfg.AllowList) == 0 {
			return cfg, true
		}
		for _, allowed := range cfg.AllowList {
			if allowed == toolName {
				return cfg, true
			}
		}
	}
	return domaintool.ServerConfig{}, false
}

// QualifiedToolName namespaces a server's tool name as "<server>_<tool>",
// the form advertised to the model whenever two of a role's servers could
// otherwise expose the same bare tool name.
func QualifiedToolName(serverName, toolName string) string {
	return serverName + "_" + toolName
}

// SplitQualifiedToolName reverses QualifiedToolName for a known server name,
// so the Dispatcher can recover which server a model's tool_call targets
// when it names the qualified form.
func SplitQualifiedToolName(serverName, qualified string) (toolName string, ok bool) {
	prefix := serverName + "_"
	if !strings.HasPrefix(qualified, prefix) {
		return "", false
	}
	return strings.TrimPrefix(qualified, prefix), true
}

// ResolveQualified finds the server+bare-tool-name pair a (possibly
// namespaced) call name resolves to for role: first a "<server>_<tool>"
// split against every server the role can see, then a direct, unqualified
// match via ServerForTool. The split must come first — once ToolDefinitions
// has namespaced a role's tools ("namespaced whenever a role
// sees more than one server"), every call name the model actually sends is
// qualified, and a bare ServerForTool match against an unrestricted server
// would otherwise swallow the whole qualified string as a literal tool name.
func (r *ServerRegistry) ResolveQualified(role, calledName string) (cfg domaintool.ServerConfig, toolName string, ok bool) {
	for _, cfg := range r.EnabledForRole(role) {
		if bare, split := SplitQualifiedToolName(cfg.Name, calledName); split {
			return cfg, bare, true
		}
	}
	if cfg, ok := r.ServerForTool(role, calledName); ok {
		return cfg, calledName, true
	}
	return domaintool.ServerConfig{}, "", false
}

// ServerSummary is the read-only introspection view over one configured
// server: its health (the Subprocess Manager's state for stdio servers;
// always Running for builtins and HTTP servers, which never spawn),
// endpoint, and tool count once discovered.
type ServerSummary struct {
	Name      string
	Kind      domaintool.ServerKind
	Endpoint  string // Command (stdio) or URL (http); empty for builtins
	Health    domaintool.ServerHealth
	ToolCount int
}
