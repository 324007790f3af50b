package tool

import (
	"context"
	"testing"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
	"github.com/agentrelay/agentrelay/internal/infrastructure/subprocess"
	"go.uber.org/zap"
)

// fakeTool is a built-in tool whose outcome is scripted per call, for
// exercising loop detection and dispatch ordering without a real subprocess.
type fakeTool struct {
	name    string
	results []*domaintool.Result
	calls   int
}

func (f *fakeTool) Name() string                            { return f.name }
func (f *fakeTool) Description() string                     { return "fake" }
func (f *fakeTool) Kind() domaintool.Kind                   { return domaintool.KindRead }
func (f *fakeTool) Schema() map[string]interface{}          { return map[string]interface{}{} }
func (f *fakeTool) Execute(_ context.Context, _ map[string]interface{}) (*domaintool.Result, error) {
	r := f.results[f.calls%len(f.results)]
	f.calls++
	return r, nil
}

func newTestDispatcher(t *testing.T, tools ...domaintool.Tool) (*Dispatcher, *domaintool.InMemoryRegistry) {
	t.Helper()
	reg := domaintool.NewInMemoryRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	serverReg := NewServerRegistry(nil, nil)
	logger := zap.NewNop()
	d := NewDispatcher(serverReg, reg, subprocess.NewManager(logger), NewHTTPClient(), conversation.NewErrorTracker(3), 0, nil, logger)
	return d, reg
}

func TestDispatcher_DispatchOrderMatchesCallOrder(t *testing.T) {
	ok := &domaintool.Result{Success: true, Output: "done"}
	toolA := &fakeTool{name: "alpha", results: []*domaintool.Result{ok}}
	toolB := &fakeTool{name: "beta", results: []*domaintool.Result{ok}}
	d, _ := newTestDispatcher(t, toolA, toolB)

	calls := []entity.ToolCall{
		{ToolName: "beta", ToolID: "1"},
		{ToolName: "alpha", ToolID: "2"},
		{ToolName: "beta", ToolID: "3"},
	}
	outcome, err := d.Dispatch(context.Background(), calls, "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outcome.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(outcome.Results))
	}
	for i, want := range []string{"1", "2", "3"} {
		if outcome.Results[i].ToolID != want {
			t.Fatalf("result %d: expected tool_id %s, got %s (order must match call order)", i, want, outcome.Results[i].ToolID)
		}
	}
}

func TestDispatcher_LoopDetectionAfterThreeFailures(t *testing.T) {
	fail := &domaintool.Result{Success: false, Error: "boom"}
	toolA := &fakeTool{name: "flaky", results: []*domaintool.Result{fail}}
	d, _ := newTestDispatcher(t, toolA)

	var lastOutcome *conversation.DispatchOutcome
	for i := 0; i < 3; i++ {
		outcome, err := d.Dispatch(context.Background(), []entity.ToolCall{{ToolName: "flaky", ToolID: "x"}}, "")
		if err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
		lastOutcome = outcome
	}
	if len(lastOutcome.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(lastOutcome.Results))
	}
	r := lastOutcome.Results[0]
	if !r.LoopDetected {
		t.Fatalf("expected loop detection to fire on the 3rd consecutive failure")
	}
	if r.AttemptCount != 3 {
		t.Fatalf("expected attempt count 3, got %d", r.AttemptCount)
	}
}

func TestDispatcher_SuccessResetsFailureCount(t *testing.T) {
	fail := &domaintool.Result{Success: false, Error: "boom"}
	ok := &domaintool.Result{Success: true, Output: "done"}
	toolA := &fakeTool{name: "sometimes", results: []*domaintool.Result{fail, fail, ok, fail, fail}}
	d, _ := newTestDispatcher(t, toolA)

	for i := 0; i < 5; i++ {
		outcome, err := d.Dispatch(context.Background(), []entity.ToolCall{{ToolName: "sometimes", ToolID: "x"}}, "")
		if err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
		if outcome.Results[0].LoopDetected {
			t.Fatalf("call %d: loop should not be detected — the success at index 2 must reset the count", i)
		}
	}
}

func TestDispatcher_RoleAllowListDropsDisallowedCalls(t *testing.T) {
	ok := &domaintool.Result{Success: true, Output: "done"}
	toolA := &fakeTool{name: "allowed", results: []*domaintool.Result{ok}}
	toolB := &fakeTool{name: "blocked", results: []*domaintool.Result{ok}}

	reg := domaintool.NewInMemoryRegistry()
	_ = reg.Register(toolA)
	_ = reg.Register(toolB)
	serverReg := NewServerRegistry(nil, []domaintool.RolePolicy{
		{Name: "restricted", AllowList: []string{"allowed"}},
	})
	logger := zap.NewNop()
	d := NewDispatcher(serverReg, reg, subprocess.NewManager(logger), NewHTTPClient(), conversation.NewErrorTracker(3), 0, nil, logger)

	outcome, err := d.Dispatch(context.Background(), []entity.ToolCall{
		{ToolName: "allowed", ToolID: "1"},
		{ToolName: "blocked", ToolID: "2"},
	}, "restricted")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outcome.Results) != 1 || outcome.Results[0].ToolID != "1" {
		t.Fatalf("expected only the allowed call to produce a result, got %+v", outcome.Results)
	}
	if len(outcome.Dropped) != 1 || outcome.Dropped[0] != "2" {
		t.Fatalf("expected the blocked call's id to be reported dropped, got %v", outcome.Dropped)
	}
	if len(outcome.Declined) != 0 {
		t.Fatalf("an allow-list drop is not a large-output decline, got %v", outcome.Declined)
	}
}

func TestDispatcher_LargeOutputDeclineMarksDeclined(t *testing.T) {
	bigOutput := make([]byte, 400)
	for i := range bigOutput {
		bigOutput[i] = 'x'
	}
	big := &domaintool.Result{Success: true, Output: string(bigOutput)}
	toolA := &fakeTool{name: "verbose", results: []*domaintool.Result{big}}

	reg := domaintool.NewInMemoryRegistry()
	_ = reg.Register(toolA)
	serverReg := NewServerRegistry(nil, nil)
	logger := zap.NewNop()
	confirm := func(string, int) bool { return false } // always decline
	d := NewDispatcher(serverReg, reg, subprocess.NewManager(logger), NewHTTPClient(), conversation.NewErrorTracker(3), 50, confirm, logger)

	outcome, err := d.Dispatch(context.Background(), []entity.ToolCall{{ToolName: "verbose", ToolID: "big-1"}}, "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outcome.Results) != 0 {
		t.Fatalf("expected the declined large output to produce no result, got %d", len(outcome.Results))
	}
	if len(outcome.Declined) != 1 || outcome.Declined[0] != "big-1" {
		t.Fatalf("expected big-1 to be reported declined, got %v", outcome.Declined)
	}
}

func TestDispatcher_CancellationSkipsUnfinishedCalls(t *testing.T) {
	ok := &domaintool.Result{Success: true, Output: "done"}
	toolA := &fakeTool{name: "fast", results: []*domaintool.Result{ok}}
	d, _ := newTestDispatcher(t, toolA)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before dispatch even starts

	outcome, err := d.Dispatch(ctx, []entity.ToolCall{{ToolName: "fast", ToolID: "1"}}, "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// A fast, already-completable call still finishes within the grace
	// window even when the context was cancelled up front.
	if len(outcome.Results) != 1 {
		t.Fatalf("expected the fast call to still complete within the grace window, got %d results", len(outcome.Results))
	}
}
