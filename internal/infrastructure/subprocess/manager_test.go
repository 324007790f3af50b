package subprocess

import (
	"context"
	"os/exec"
	"testing"
	"time"

	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
	"go.uber.org/zap"
)

// fakeMCPServerLoop answers initialize, tools/list, and tools/call forever
// over stdin/stdout, matching the MCP line-delimited JSON-RPC wire format.
const fakeMCPServerLoop = `
import sys, json
for line in sys.stdin:
	line = line.strip()
	if not line:
		continue
	req = json.loads(line)
	if "id" not in req:
		continue
	method = req.get("method")
	if method == "tools/list":
		result = {"tools": [{"name": "ping", "description": "d", "inputSchema": {}}]}
	elif method == "tools/call":
		result = {"content": [{"type": "text", "text": "pong"}], "isError": False}
	else:
		result = {}
	print(json.dumps({"jsonrpc": "2.0", "id": req["id"], "result": result}))
	sys.stdout.flush()
`

// fakeMCPServerOnceThenExit answers initialize and tools/list once, then
// exits without reading further — simulating the process-death half of
// the documented manual-reset recovery path.
const fakeMCPServerOnceThenExit = `
import sys, json
def resp(id_, result):
	print(json.dumps({"jsonrpc": "2.0", "id": id_, "result": result}))
	sys.stdout.flush()

line = sys.stdin.readline()
req = json.loads(line)
resp(req["id"], {})
sys.stdin.readline()  # notifications/initialized, no response
line = sys.stdin.readline()
req = json.loads(line)
resp(req["id"], {"tools": [{"name": "ping", "description": "d", "inputSchema": {}}]})
sys.exit(0)
`

func requirePython3(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available, skipping MCP stdio transport test")
	}
	return path
}

func TestManager_ListToolsAndCallToolRoundTrip(t *testing.T) {
	python3 := requirePython3(t)
	m := NewManager(zap.NewNop())
	cfg := domaintool.ServerConfig{Name: "echo-server", Kind: domaintool.ServerExternalStdio, Command: python3, Args: []string{"-c", fakeMCPServerLoop}}

	ctx := context.Background()
	defs, err := m.ListTools(ctx, cfg)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "ping" {
		t.Fatalf("unexpected tool defs: %+v", defs)
	}
	if got := m.Health(cfg.Name); got != domaintool.HealthRunning {
		t.Fatalf("expected Running health after successful spawn, got %s", got)
	}

	result, err := m.CallTool(ctx, cfg, "ping", map[string]interface{}{})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.Success || result.Output != "pong" {
		t.Fatalf("unexpected tools/call result: %+v", result)
	}

	m.Shutdown()
}

func TestManager_RequestIDsAreMonotonic(t *testing.T) {
	python3 := requirePython3(t)
	m := NewManager(zap.NewNop())
	cfg := domaintool.ServerConfig{Name: "id-server", Kind: domaintool.ServerExternalStdio, Command: python3, Args: []string{"-c", fakeMCPServerLoop}}

	ctx := context.Background()
	if _, err := m.ListTools(ctx, cfg); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	s, ok := m.servers[cfg.Name]
	if !ok {
		t.Fatalf("expected server to be registered after ListTools")
	}
	before := s.nextID.Load()
	if _, err := m.CallTool(ctx, cfg, "ping", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	after := s.nextID.Load()
	if after <= before {
		t.Fatalf("expected request id counter to increase: before=%d after=%d", before, after)
	}

	m.Shutdown()
}

func TestManager_DeadServerFailsFastWithNoRespawn(t *testing.T) {
	python3 := requirePython3(t)
	m := NewManager(zap.NewNop())
	cfg := domaintool.ServerConfig{Name: "dying-server", Kind: domaintool.ServerExternalStdio, Command: python3, Args: []string{"-c", fakeMCPServerOnceThenExit}}

	ctx := context.Background()
	if _, err := m.ListTools(ctx, cfg); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	// Give the child process time to actually exit after answering
	// tools/list, so the next write observes a broken pipe.
	time.Sleep(200 * time.Millisecond)

	if _, err := m.CallTool(ctx, cfg, "ping", nil); err == nil {
		t.Fatalf("expected the call against a dead pipe to fail")
	}
	if got := m.Health(cfg.Name); got != domaintool.HealthDead {
		t.Fatalf("expected Dead health after broken pipe, got %s", got)
	}

	if _, err := m.CallTool(ctx, cfg, "ping", nil); err == nil {
		t.Fatalf("expected the next call to also fail fast with no auto-restart")
	}
	if got := m.Health(cfg.Name); got != domaintool.HealthDead {
		t.Fatalf("health must remain Dead until ResetFailure is called, got %s", got)
	}
}

func TestManager_SpawnFailureIsStickyUntilReset(t *testing.T) {
	m := NewManager(zap.NewNop())
	cfg := domaintool.ServerConfig{Name: "nonexistent", Kind: domaintool.ServerExternalStdio, Command: "/no/such/binary-xyz"}

	ctx := context.Background()
	if _, err := m.ListTools(ctx, cfg); err == nil {
		t.Fatalf("expected spawn of a nonexistent binary to fail")
	}
	if got := m.Health(cfg.Name); got != domaintool.HealthFailed {
		t.Fatalf("expected Failed health, got %s", got)
	}

	if _, err := m.ListTools(ctx, cfg); err == nil {
		t.Fatalf("expected the second call to also fail without retrying the spawn")
	}
	if got := m.Health(cfg.Name); got != domaintool.HealthFailed {
		t.Fatalf("expected health to remain Failed, got %s", got)
	}

	m.ResetFailure(cfg.Name)
	if got := m.Health(cfg.Name); got != domaintool.HealthUnstarted {
		t.Fatalf("expected ResetFailure to clear the handle back to Unstarted, got %s", got)
	}
}
