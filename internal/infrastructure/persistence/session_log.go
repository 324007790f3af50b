// Package persistence implements the Session Persistence component
// an append-only JSONL session log, a periodic atomic
// snapshot of aggregate state, and a derived, rebuildable sqlite index
// over session metadata.
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

// RecordType identifies a session-log line's shape.
type RecordType string

const (
	RecordUser          RecordType = "USER"
	RecordCommand       RecordType = "COMMAND"
	RecordAPIResponse   RecordType = "API_RESPONSE"
	RecordToolCall      RecordType = "TOOL_CALL"
	RecordToolResult    RecordType = "TOOL_RESULT"
	RecordStats         RecordType = "STATS"
	RecordCommandExec   RecordType = "COMMAND_EXEC"
	RecordCommandInput  RecordType = "COMMAND_INPUT"
	RecordCommandResult RecordType = "COMMAND_RESULT"
)

// Record is one line of the session log. Only the fields relevant to Type
// are populated; the rest are zero and omitted from the marshaled line.
type Record struct {
	Type      RecordType           `json:"type"`
	Timestamp int64                `json:"timestamp"`
	Content   string               `json:"content,omitempty"`
	Command   string               `json:"command,omitempty"`
	Args      []string             `json:"args,omitempty"`
	ToolName  string               `json:"tool_name,omitempty"`
	ToolID    string               `json:"tool_id,omitempty"`
	Success   *bool                `json:"success,omitempty"`
	Error     string               `json:"error,omitempty"`
	Usage     *conversation.Usage  `json:"usage,omitempty"`
	Stats     *conversation.Snapshot `json:"stats,omitempty"`
}

// SessionLog is the append-only on-disk log half of Session Persistence.
// Every Append is flushed immediately: the log is the authoritative record
// and must survive a crash that loses the in-memory Store.
type SessionLog struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenSessionLog opens (creating if needed) the JSONL file at path in
// append mode.
func OpenSessionLog(path string) (*SessionLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persistence: open session log: %w", err)
	}
	return &SessionLog{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record as a single JSON line, flushing before return.
func (l *SessionLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal record: %w", err)
	}
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("persistence: write record: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *SessionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

func boolPtr(b bool) *bool { return &b }

// LogUser records the raw user input for one turn.
func (l *SessionLog) LogUser(content string) error {
	return l.Append(Record{Type: RecordUser, Timestamp: entity.Now(), Content: content})
}

// LogCommand records a slash-command invocation (e.g. "/run estimate").
func (l *SessionLog) LogCommand(name string, args []string) error {
	return l.Append(Record{Type: RecordCommand, Timestamp: entity.Now(), Command: name, Args: args})
}

// LogAPIResponse records one model exchange's content and resolved usage.
func (l *SessionLog) LogAPIResponse(content string, usage conversation.Usage) error {
	return l.Append(Record{Type: RecordAPIResponse, Timestamp: entity.Now(), Content: content, Usage: &usage})
}

// LogToolCall records one tool invocation request.
func (l *SessionLog) LogToolCall(call entity.ToolCall) error {
	return l.Append(Record{Type: RecordToolCall, Timestamp: entity.Now(), ToolName: call.ToolName, ToolID: call.ToolID})
}

// LogToolResult records one tool invocation's outcome.
func (l *SessionLog) LogToolResult(result entity.ToolResult) error {
	return l.Append(Record{
		Type:      RecordToolResult,
		Timestamp: entity.Now(),
		ToolName:  result.ToolName,
		ToolID:    result.ToolID,
		Success:   boolPtr(result.Success),
		Error:     result.Error,
		Content:   result.Output,
	})
}

// LogStats records the current ledger snapshot — the authoritative basis
// for report generation.
func (l *SessionLog) LogStats(snap conversation.Snapshot) error {
	return l.Append(Record{Type: RecordStats, Timestamp: entity.Now(), Stats: &snap})
}

// LogCommandExec/LogCommandInput/LogCommandResult record a layered
// orchestrator's ad-hoc "/run" invocation without
// touching conversation history: the trio brackets one CommandLayer call.
func (l *SessionLog) LogCommandExec(name string) error {
	return l.Append(Record{Type: RecordCommandExec, Timestamp: entity.Now(), Command: name})
}

func (l *SessionLog) LogCommandInput(name, input string) error {
	return l.Append(Record{Type: RecordCommandInput, Timestamp: entity.Now(), Command: name, Content: input})
}

func (l *SessionLog) LogCommandResult(name, output string) error {
	return l.Append(Record{Type: RecordCommandResult, Timestamp: entity.Now(), Command: name, Content: output})
}

// SessionLogPath returns the default session log path under dataDir for a
// given session id.
func SessionLogPath(dataDir, sessionID string) string {
	return dataDir + "/sessions/" + sessionID + ".jsonl"
}
