package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

// messageDTO is the wire shape a Message marshals to/from: entity.Message
// keeps its fields private, so the snapshot round-trips through its
// exported constructors instead of reflection.
type messageDTO struct {
	Role       entity.Role      `json:"role"`
	Content    string           `json:"content"`
	Timestamp  int64            `json:"timestamp"`
	Cached     bool             `json:"cached"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"name,omitempty"`
	ToolCalls  []entity.ToolCall `json:"tool_calls,omitempty"`
}

func toDTO(m *entity.Message) messageDTO {
	return messageDTO{
		Role:       m.Role(),
		Content:    m.Content(),
		Timestamp:  m.Timestamp(),
		Cached:     m.Cached(),
		ToolCallID: m.ToolCallID(),
		ToolName:   m.ToolName(),
		ToolCalls:  m.ToolCalls(),
	}
}

func fromDTO(d messageDTO) (*entity.Message, error) {
	var m *entity.Message
	var err error
	if d.Role == entity.RoleTool {
		m, err = entity.NewToolMessage(d.Content, d.ToolCallID, d.ToolName, d.Timestamp)
	} else {
		m, err = entity.NewMessage(d.Role, d.Content, d.Timestamp)
	}
	if err != nil {
		return nil, err
	}
	if len(d.ToolCalls) > 0 {
		m, err = m.WithToolCalls(d.ToolCalls)
		if err != nil {
			return nil, err
		}
	}
	if d.Cached {
		m = m.MarkCached()
	}
	return m, nil
}

// SnapshotFile is the sibling snapshot's on-disk shape:
// SessionInfo plus the full message sequence.
type SnapshotFile struct {
	SessionID   string               `json:"session_id"`
	SessionInfo conversation.Snapshot `json:"session_info"`
	Messages    []messageDTO         `json:"messages"`
}

// SaveSnapshot writes the current SessionInfo and message sequence to path
// atomically: a temp file is written and fsynced, then renamed over the
// destination, so a crash mid-write never leaves a half-written snapshot.
func SaveSnapshot(path, sessionID string, info conversation.Snapshot, messages []*entity.Message) error {
	dtos := make([]messageDTO, 0, len(messages))
	for _, m := range messages {
		dtos = append(dtos, toDTO(m))
	}

	data, err := json.MarshalIndent(SnapshotFile{SessionID: sessionID, SessionInfo: info, Messages: dtos}, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persistence: mkdir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("persistence: create temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("persistence: write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("persistence: sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persistence: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persistence: rename snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot reads back a snapshot written by SaveSnapshot.
func LoadSnapshot(path string) (sessionID string, info conversation.Snapshot, messages []*entity.Message, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", conversation.Snapshot{}, nil, fmt.Errorf("persistence: read snapshot: %w", err)
	}

	var file SnapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return "", conversation.Snapshot{}, nil, fmt.Errorf("persistence: decode snapshot: %w", err)
	}

	messages = make([]*entity.Message, 0, len(file.Messages))
	for _, d := range file.Messages {
		m, err := fromDTO(d)
		if err != nil {
			return "", conversation.Snapshot{}, nil, fmt.Errorf("persistence: reconstruct message: %w", err)
		}
		messages = append(messages, m)
	}
	return file.SessionID, file.SessionInfo, messages, nil
}

// SnapshotPath returns the default snapshot path under dataDir for a
// session id.
func SnapshotPath(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "sessions", sessionID+".snapshot.json")
}
