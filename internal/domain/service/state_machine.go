package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TurnPhase is where a conversation turn currently sits: waiting on the
// model, running a tool batch, or finished.
type TurnPhase string

const (
	PhaseIdle           TurnPhase = "idle"
	PhaseAwaitingModel  TurnPhase = "awaiting_model"
	PhaseExecutingTools TurnPhase = "executing_tools"
	PhaseDone           TurnPhase = "done"
	PhaseFailed         TurnPhase = "failed"
	PhaseCancelled      TurnPhase = "cancelled"
)

// phaseGraph lists the legal successors of each phase. Done, Failed, and
// Cancelled are terminal. Cancellation is reachable from every live phase
// because the user can interrupt at any suspension point.
var phaseGraph = map[TurnPhase][]TurnPhase{
	PhaseIdle:           {PhaseAwaitingModel, PhaseCancelled},
	PhaseAwaitingModel:  {PhaseExecutingTools, PhaseDone, PhaseFailed, PhaseCancelled},
	PhaseExecutingTools: {PhaseAwaitingModel, PhaseDone, PhaseFailed, PhaseCancelled},
}

// Terminal reports whether a phase has no successors.
func (p TurnPhase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// TurnStats is a point-in-time copy of a turn's progress counters.
type TurnStats struct {
	Phase     TurnPhase     `json:"phase"`
	Exchanges int           `json:"exchanges"`
	Tokens    int           `json:"tokens"`
	ToolRuns  int           `json:"tool_runs"`
	LastTool  string        `json:"last_tool,omitempty"`
	Model     string        `json:"model,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// TurnTracker follows one conversation turn through its phases and keeps
// the per-turn progress counters a CLI status line or session report reads.
// Safe for concurrent reads while the loop advances it.
type TurnTracker struct {
	mu        sync.RWMutex
	phase     TurnPhase
	exchanges int
	tokens    int
	toolRuns  int
	lastTool  string
	model     string
	started   time.Time
	logger    *zap.Logger
}

// NewTurnTracker starts a tracker in PhaseIdle.
func NewTurnTracker(logger *zap.Logger) *TurnTracker {
	return &TurnTracker{
		phase:   PhaseIdle,
		started: time.Now(),
		logger:  logger,
	}
}

// Phase returns the current phase.
func (t *TurnTracker) Phase() TurnPhase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// Advance moves the turn to the next phase, rejecting transitions the
// phase graph does not allow (e.g. out of a terminal phase).
func (t *TurnTracker) Advance(to TurnPhase) error {
	t.mu.Lock()
	from := t.phase
	ok := false
	for _, next := range phaseGraph[from] {
		if next == to {
			ok = true
			break
		}
	}
	if !ok {
		t.mu.Unlock()
		err := fmt.Errorf("service: illegal phase change %s -> %s", from, to)
		t.logger.Error("turn phase violation", zap.Error(err))
		return err
	}
	t.phase = to
	t.mu.Unlock()

	t.logger.Debug("turn phase",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// RecordExchange accounts one completed model exchange: which model
// answered and how many tokens the exchange consumed in total.
func (t *TurnTracker) RecordExchange(model string, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges++
	t.tokens += tokens
	t.model = model
}

// RecordToolRun accounts one dispatched tool call.
func (t *TurnTracker) RecordToolRun(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolRuns++
	t.lastTool = name
}

// Stats returns a copy of the current counters.
func (t *TurnTracker) Stats() TurnStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TurnStats{
		Phase:     t.phase,
		Exchanges: t.exchanges,
		Tokens:    t.tokens,
		ToolRuns:  t.toolRuns,
		LastTool:  t.lastTool,
		Model:     t.model,
		Elapsed:   time.Since(t.started),
	}
}
