package conversation

import (
	"testing"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

func mustStore(t *testing.T, systemPrompt string) *Store {
	t.Helper()
	s, err := NewStore(systemPrompt)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func appendBatch(t *testing.T, s *Store, calls ...entity.ToolCall) {
	t.Helper()
	if _, err := s.AppendAssistantWithToolCalls("", calls); err != nil {
		t.Fatal(err)
	}
}

func TestStore_SystemMessageAtPositionZero(t *testing.T) {
	s := mustStore(t, "be helpful")
	if _, err := s.AppendUser("hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendAssistant("hello"); err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages()
	if msgs[0].Role() != entity.RoleSystem || msgs[0].Content() != "be helpful" {
		t.Fatalf("position 0 = %s %q", msgs[0].Role(), msgs[0].Content())
	}
	if sys := s.System(); sys != msgs[0] {
		t.Error("System() did not return the position-0 message")
	}
}

func TestStore_NoSystemPrompt(t *testing.T) {
	s := mustStore(t, "")
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
	if s.System() != nil {
		t.Error("System() should be nil without a system prompt")
	}
}

func TestStore_ToolResultMatchesPendingCall(t *testing.T) {
	s := mustStore(t, "sys")
	_, _ = s.AppendUser("list files")
	appendBatch(t, s,
		entity.ToolCall{ToolName: "list_files", ToolID: "call_1"},
		entity.ToolCall{ToolName: "read_file", ToolID: "call_2"},
	)

	if got := s.PendingToolCallIDs(); len(got) != 2 {
		t.Fatalf("pending = %v, want both ids", got)
	}

	if _, err := s.AppendToolResult("call_1", "list_files", "a.go\nb.go"); err != nil {
		t.Fatal(err)
	}
	if got := s.PendingToolCallIDs(); len(got) != 1 || got[0] != "call_2" {
		t.Fatalf("pending after one result = %v", got)
	}

	if _, err := s.AppendToolResult("call_9", "ghost", "x"); err == nil {
		t.Fatal("expected a result for an unrequested id to be rejected")
	}

	if _, err := s.AppendToolResult("call_2", "read_file", "package main"); err != nil {
		t.Fatal(err)
	}
	if got := s.PendingToolCallIDs(); len(got) != 0 {
		t.Fatalf("pending after both results = %v", got)
	}
}

func TestStore_DeclineRemovesToolCallID(t *testing.T) {
	s := mustStore(t, "sys")
	_, _ = s.AppendUser("dump the database")
	appendBatch(t, s,
		entity.ToolCall{ToolName: "dump", ToolID: "call_big"},
		entity.ToolCall{ToolName: "count", ToolID: "call_ok"},
	)

	if _, err := s.AppendToolResult("call_ok", "count", "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeclineToolResult("call_big"); err != nil {
		t.Fatal(err)
	}

	// the declined id must be gone from the assistant payload so the next
	// request carries no orphan tool-use id
	asst := s.LastAssistantMessage()
	if asst.HasToolCallID("call_big") {
		t.Error("declined id still present on the assistant message")
	}
	if !asst.HasToolCallID("call_ok") {
		t.Error("answered id was removed along with the declined one")
	}
	if got := s.PendingToolCallIDs(); len(got) != 0 {
		t.Fatalf("pending after decline = %v", got)
	}

	// declining the only remaining call clears the payload entirely
	appendBatch(t, s, entity.ToolCall{ToolName: "dump", ToolID: "call_solo"})
	if err := s.DeclineToolResult("call_solo"); err != nil {
		t.Fatal(err)
	}
	if s.LastAssistantMessage().HasToolCalls() {
		t.Error("payload should be cleared when its last id is declined")
	}
}

func TestStore_DeclineUnknownIDFails(t *testing.T) {
	s := mustStore(t, "sys")
	_, _ = s.AppendUser("hi")
	appendBatch(t, s, entity.ToolCall{ToolName: "a", ToolID: "call_1"})

	if err := s.DeclineToolResult("call_missing"); err == nil {
		t.Fatal("expected decline of an unknown id to fail")
	}
}

func TestStore_RebuildPreservesSystemMessage(t *testing.T) {
	s := mustStore(t, "sys")
	_, _ = s.AppendUser("one")
	_, _ = s.AppendAssistant("first answer")
	_, _ = s.AppendUser("two")
	_, _ = s.AppendAssistant("second answer")

	msgs := s.Messages()

	// dropping middle messages is fine as long as the system message leads
	if err := s.Rebuild([]*entity.Message{msgs[0], msgs[3], msgs[4]}); err != nil {
		t.Fatal(err)
	}
	rebuilt := s.Messages()
	if len(rebuilt) != 3 || rebuilt[0].Role() != entity.RoleSystem {
		t.Fatalf("rebuilt = %d messages, first %s", len(rebuilt), rebuilt[0].Role())
	}

	// a rebuild that loses the system message is rejected and changes nothing
	if err := s.Rebuild([]*entity.Message{msgs[3]}); err == nil {
		t.Fatal("expected rebuild without the system message to fail")
	}
	if s.Len() != 3 {
		t.Fatalf("failed rebuild mutated the store: len = %d", s.Len())
	}
}

func TestStore_CacheMarks(t *testing.T) {
	s := mustStore(t, "sys")
	_, _ = s.AppendUser("one")
	_, _ = s.AppendAssistant("ack")
	_, _ = s.AppendUser("two")

	if err := s.MarkCached(1); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCached(3); err != nil {
		t.Fatal(err)
	}
	if got := s.CachedIndices(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("CachedIndices = %v, want [1 3]", got)
	}

	if err := s.ClearCached(1); err != nil {
		t.Fatal(err)
	}
	if got := s.CachedIndices(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("CachedIndices after clear = %v, want [3]", got)
	}

	if err := s.MarkCached(99); err == nil {
		t.Fatal("expected out-of-range mark to fail")
	}
}

func TestStore_MessagesSnapshotIsCopy(t *testing.T) {
	s := mustStore(t, "sys")
	_, _ = s.AppendUser("one")

	snap := s.Messages()
	snap[0] = nil

	if s.Messages()[0] == nil {
		t.Fatal("mutating a snapshot slice reached the store")
	}
}

func TestStore_DuplicateToolCallIDRejected(t *testing.T) {
	s := mustStore(t, "sys")
	_, _ = s.AppendUser("hi")

	_, err := s.AppendAssistantWithToolCalls("", []entity.ToolCall{
		{ToolName: "a", ToolID: "call_1"},
		{ToolName: "b", ToolID: "call_1"},
	})
	if err == nil {
		t.Fatal("expected duplicate ids within one message to be rejected")
	}
}
