package persistence

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

func TestSaveLoadSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.snapshot.json")

	sys, _ := entity.NewMessage(entity.RoleSystem, "be helpful", 100)
	user, _ := entity.NewMessage(entity.RoleUser, "hello", 101)
	assistant, _ := entity.NewMessage(entity.RoleAssistant, "", 102)
	assistant, _ = assistant.WithToolCalls([]entity.ToolCall{
		{ToolName: "read_file", ToolID: "call_1", Parameters: map[string]interface{}{"path": "a.go"}},
	})
	assistant = assistant.MarkCached()
	toolMsg, _ := entity.NewToolMessage("file contents", "call_1", "read_file", 103)

	messages := []*entity.Message{sys, user, assistant, toolMsg}
	info := conversation.Snapshot{InputTokens: 10, OutputTokens: 20, ToolCalls: 1}

	if err := SaveSnapshot(path, "sess-1", info, messages); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	gotID, gotInfo, gotMessages, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if gotID != "sess-1" {
		t.Errorf("session id: got %q", gotID)
	}
	if !reflect.DeepEqual(gotInfo, info) {
		t.Errorf("snapshot info mismatch: got %+v want %+v", gotInfo, info)
	}
	if len(gotMessages) != len(messages) {
		t.Fatalf("message count: got %d want %d", len(gotMessages), len(messages))
	}
	for i, m := range gotMessages {
		want := messages[i]
		if m.Role() != want.Role() || m.Content() != want.Content() || m.Timestamp() != want.Timestamp() {
			t.Errorf("message %d mismatch: got %+v", i, m)
		}
	}
	if !gotMessages[2].Cached() {
		t.Error("expected assistant message to round-trip cached=true")
	}
	if len(gotMessages[2].ToolCalls()) != 1 || gotMessages[2].ToolCalls()[0].ToolID != "call_1" {
		t.Error("expected tool_calls to round-trip")
	}
	if gotMessages[3].ToolCallID() != "call_1" || gotMessages[3].ToolName() != "read_file" {
		t.Error("expected tool message identifiers to round-trip")
	}
}

func TestSaveSnapshot_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.snapshot.json")

	if err := SaveSnapshot(path, "sess-1", conversation.Snapshot{}, nil); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := SaveSnapshot(path, "sess-1", conversation.Snapshot{TotalCost: 1.5}, nil); err != nil {
		t.Fatalf("second save: %v", err)
	}

	_, info, _, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if info.TotalCost != 1.5 {
		t.Errorf("expected the second save to win, got %+v", info)
	}
}
