package persistence

import (
	"context"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
	"github.com/agentrelay/agentrelay/internal/infrastructure/eventbus"
)

// Recorder is the Loop's session-log writer: after each turn it diffs the
// Message Store against the last position it saw and appends typed records
// for each new message (an assistant message adds one API_RESPONSE record
// plus one TOOL_CALL record per tool call), then snapshots the ledger. The JSONL log it
// writes through SessionLog is the authoritative record; the EventSessionStats
// it publishes afterward only feeds the derived sqlite index.
type Recorder struct {
	log       *SessionLog
	bus       eventbus.Bus
	sessionID string
	startedAt time.Time

	recorded int // messages already written to the log
}

// NewRecorder creates a Recorder over an already-open SessionLog. bus may
// be nil, in which case no EventSessionStats is published (the sqlite index
// simply stays empty — the JSONL log remains complete either way).
func NewRecorder(log *SessionLog, bus eventbus.Bus, sessionID string) *Recorder {
	return &Recorder{log: log, bus: bus, sessionID: sessionID, startedAt: time.Now()}
}

// RecordTurn appends every message the Store gained since the last call,
// then a STATS record carrying ledger's current snapshot.
func (r *Recorder) RecordTurn(store *conversation.Store, ledger *conversation.Ledger) error {
	all := store.Messages()
	for _, m := range all[r.recorded:] {
		if err := r.recordMessage(m); err != nil {
			return err
		}
	}
	r.recorded = len(all)

	snap := ledger.Snapshot()
	if err := r.log.LogStats(snap); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(context.Background(), eventbus.New(EventSessionStats, StatsPayload{
			SessionID: r.sessionID,
			StartedAt: r.startedAt,
			Snapshot:  snap,
		}))
	}
	return nil
}

func (r *Recorder) recordMessage(m *entity.Message) error {
	switch m.Role() {
	case entity.RoleUser:
		return r.log.LogUser(m.Content())
	case entity.RoleTool:
		return r.log.LogToolResult(entity.ToolResult{
			ToolName: m.ToolName(),
			ToolID:   m.ToolCallID(),
			Output:   m.Content(),
			Success:  true,
		})
	case entity.RoleAssistant:
		if err := r.log.LogAPIResponse(m.Content(), conversation.Usage{}); err != nil {
			return err
		}
		for _, c := range m.ToolCalls() {
			if err := r.log.LogToolCall(c); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// RecordCommandLayer brackets one ad-hoc "/run" layer invocation
// as exec/input/result records, all outside conversation history.
func (r *Recorder) RecordCommandLayer(name, input, output string) error {
	if err := r.log.LogCommandExec(name); err != nil {
		return err
	}
	if err := r.log.LogCommandInput(name, input); err != nil {
		return err
	}
	return r.log.LogCommandResult(name, output)
}

// Close closes the underlying SessionLog.
func (r *Recorder) Close() error {
	return r.log.Close()
}
