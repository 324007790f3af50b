// Package subprocess implements the Subprocess Manager: start-once-if-needed
// lifecycle for external-stdio tool servers, speaking line-delimited
// JSON-RPC 2.0 over a child process's stdin/stdout (the MCP convention).
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
	apperrors "github.com/agentrelay/agentrelay/pkg/errors"
	"go.uber.org/zap"
)

const jsonRPCVersion = "2.0"

// protocolVersion is the MCP protocol version this manager speaks.
const protocolVersion = "2025-03-26"

// Request is a JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// mcpTool is one entry in a tools/list result.
type mcpTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []mcpTool `json:"tools"`
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type toolsCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// server is one spawned external-stdio process plus its health and
// serialization state.
type server struct {
	cfg domaintool.ServerConfig

	mu     sync.Mutex // serializes write->read per server
	health domaintool.ServerHealth

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID atomic.Int64
}

// Manager owns every spawned external-stdio server, keyed by server name.
type Manager struct {
	mu      sync.Mutex // guards the registry map itself, not per-server I/O
	servers map[string]*server
	logger  *zap.Logger
}

// NewManager creates an empty Subprocess Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{servers: make(map[string]*server), logger: logger}
}

// Health reports a server's current sticky health, HealthUnstarted if it has
// never been acquired.
func (m *Manager) Health(name string) domaintool.ServerHealth {
	m.mu.Lock()
	s, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return domaintool.HealthUnstarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// ResetFailure is the only way a Failed or Dead server becomes eligible to
// spawn again: health stays Failed until explicitly reset.
func (m *Manager) ResetFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, name)
}

// acquire implements the start-once-if-needed contract: live process returns
// immediately, a handle that is neither running nor terminal is discarded and
// respawned, and a terminal (Failed/Dead) handle is returned as-is without any
// spawn attempt — sticky failure, no auto-restart.
func (m *Manager) acquire(ctx context.Context, cfg domaintool.ServerConfig) (*server, error) {
	m.mu.Lock()
	s, ok := m.servers[cfg.Name]
	if ok && !s.isAlive() && !s.health.Terminal() {
		delete(m.servers, cfg.Name)
		ok = false
	}
	if !ok {
		s = &server{cfg: cfg, health: domaintool.HealthUnstarted}
		m.servers[cfg.Name] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health.Terminal() {
		return s, apperrors.Newf(apperrors.CodeSpawnFailed, "server %q is %s, no auto-restart", cfg.Name, s.health)
	}
	if s.health == domaintool.HealthRunning {
		return s, nil
	}

	if err := s.spawn(m.logger); err != nil {
		s.health = domaintool.HealthFailed
		return s, apperrors.Wrap(apperrors.CodeSpawnFailed, fmt.Sprintf("spawn %q", cfg.Name), err)
	}
	if err := s.initialize(ctx); err != nil {
		s.killLocked()
		s.health = domaintool.HealthFailed
		return s, apperrors.Wrap(apperrors.CodeSpawnFailed, fmt.Sprintf("initialize %q", cfg.Name), err)
	}
	s.health = domaintool.HealthRunning
	return s, nil
}

func (s *server) isAlive() bool {
	return s.cmd != nil && s.cmd.Process != nil && s.health == domaintool.HealthRunning
}

// spawn starts the child process. Deliberately not exec.CommandContext:
// the process outlives any single call's context and is only ever stopped
// by Shutdown or killLocked.
func (s *server) spawn(logger *zap.Logger) error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = os.Environ()
	cmd.Stderr = &stderrWriter{logger: logger, server: s.cfg.Name}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.reader = bufio.NewReaderSize(stdout, 64*1024)
	return nil
}

// initialize performs the MCP handshake: initialize request, then the
// notifications/initialized notice. On failure the process is killed by the
// caller.
func (s *server) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]string{"name": "agentrelay", "version": "0.1.0"},
		"capabilities":    map[string]interface{}{},
	}
	if _, err := s.call(ctx, "initialize", params); err != nil {
		return err
	}
	return s.notify("notifications/initialized", nil)
}

// call sends a JSON-RPC request and blocks for the matching response line,
// racing a context deadline/cancellation against the blocking read with
// ~10ms polling. The caller must already hold s.mu.
func (s *server) call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := s.nextID.Add(1)
	req := Request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.stdin.Write(line); err != nil {
		s.health = domaintool.HealthDead
		return nil, apperrors.Wrap(apperrors.CodeServerDead, "broken pipe on write, no auto-restart", err)
	}

	type readResult struct {
		resp *Response
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		raw, err := s.reader.ReadBytes('\n')
		if err != nil {
			resultCh <- readResult{err: err}
			return
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			resultCh <- readResult{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		resultCh <- readResult{resp: &resp}
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case r := <-resultCh:
			if r.err != nil {
				s.health = domaintool.HealthDead
				return nil, apperrors.Wrap(apperrors.CodeServerDead, "broken pipe on read, no auto-restart", r.err)
			}
			if fmt.Sprint(r.resp.ID) != fmt.Sprint(id) {
				return nil, fmt.Errorf("response id %v does not match request id %d", r.resp.ID, id)
			}
			if r.resp.Error != nil {
				return r.resp, r.resp.Error
			}
			return r.resp, nil
		case <-ticker.C:
			if err := ctx.Err(); err != nil {
				if err == context.DeadlineExceeded {
					return nil, apperrors.Wrap(apperrors.CodeToolTimeout, method, err)
				}
				return nil, err
			}
		}
	}
}

func (s *server) notify(method string, params interface{}) error {
	req := Request{JSONRPC: jsonRPCVersion, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.stdin.Write(line); err != nil {
		s.health = domaintool.HealthDead
		return apperrors.Wrap(apperrors.CodeServerDead, "broken pipe on notification write", err)
	}
	return nil
}

// ListTools performs tools/list against the named server, spawning it first
// if needed.
func (m *Manager) ListTools(ctx context.Context, cfg domaintool.ServerConfig) ([]domaintool.Definition, error) {
	s, err := m.acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	resp, err := s.call(ctx, "tools/list", map[string]interface{}{})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	defs := make([]domaintool.Definition, 0, len(result.Tools))
	for _, t := range result.Tools {
		defs = append(defs, domaintool.Definition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return defs, nil
}

// CallTool performs tools/call against the named server.
func (m *Manager) CallTool(ctx context.Context, cfg domaintool.ServerConfig, toolName string, args map[string]interface{}) (*domaintool.Result, error) {
	s, err := m.acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	resp, err := s.call(ctx, "tools/call", toolsCallParams{Name: toolName, Arguments: args})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var result toolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}

	var text string
	for _, c := range result.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return &domaintool.Result{Output: text, Success: !result.IsError}, nil
}

// Shutdown gracefully stops every spawned server: flush+close stdin, wait up
// to ~100ms, then force-kill with a 5s wait.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	servers := make([]*server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *server) {
			defer wg.Done()
			s.shutdown()
		}(s)
	}
	wg.Wait()
}

func (s *server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
		return
	case <-time.After(100 * time.Millisecond):
	}

	s.killLocked()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (s *server) killLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

type stderrWriter struct {
	logger *zap.Logger
	server string
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.logger.Warn("subprocess stderr", zap.String("server", w.server), zap.ByteString("output", p))
	return len(p), nil
}
