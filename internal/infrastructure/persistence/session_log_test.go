package persistence

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(bytes.TrimSpace(scanner.Bytes()), &rec); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestSessionLog_AppendTypedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")

	log, err := OpenSessionLog(path)
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}

	if err := log.LogUser("what files are here?"); err != nil {
		t.Fatalf("LogUser: %v", err)
	}
	if err := log.LogToolCall(entity.ToolCall{ToolName: "list_dir", ToolID: "call_1"}); err != nil {
		t.Fatalf("LogToolCall: %v", err)
	}
	if err := log.LogToolResult(entity.ToolResult{ToolName: "list_dir", ToolID: "call_1", Success: true, Output: "a.go\nb.go"}); err != nil {
		t.Fatalf("LogToolResult: %v", err)
	}
	if err := log.LogAPIResponse("there are two files", conversation.Usage{PromptTokens: 5, CompletionTokens: 3}); err != nil {
		t.Fatalf("LogAPIResponse: %v", err)
	}
	if err := log.LogStats(conversation.Snapshot{ToolCalls: 1}); err != nil {
		t.Fatalf("LogStats: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	wantTypes := []RecordType{RecordUser, RecordToolCall, RecordToolResult, RecordAPIResponse, RecordStats}
	for i, want := range wantTypes {
		if records[i].Type != want {
			t.Errorf("record %d: got type %s, want %s", i, records[i].Type, want)
		}
	}
	if records[2].Success == nil || !*records[2].Success {
		t.Error("expected TOOL_RESULT success=true")
	}
	if records[4].Stats == nil || records[4].Stats.ToolCalls != 1 {
		t.Error("expected STATS record to carry the ledger snapshot")
	}
}

func TestSessionLog_AppendIsFlushedImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")

	log, err := OpenSessionLog(path)
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}
	defer log.Close()

	if err := log.LogUser("hi"); err != nil {
		t.Fatalf("LogUser: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read before close: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected Append to flush without requiring Close")
	}
}

func TestSessionLog_CommandLayerBracket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")

	log, err := OpenSessionLog(path)
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}
	defer log.Close()

	if err := log.LogCommandExec("estimate"); err != nil {
		t.Fatalf("LogCommandExec: %v", err)
	}
	if err := log.LogCommandInput("estimate", "how much so far?"); err != nil {
		t.Fatalf("LogCommandInput: %v", err)
	}
	if err := log.LogCommandResult("estimate", "$0.42 so far"); err != nil {
		t.Fatalf("LogCommandResult: %v", err)
	}

	records := readRecords(t, path)
	wantTypes := []RecordType{RecordCommandExec, RecordCommandInput, RecordCommandResult}
	for i, want := range wantTypes {
		if records[i].Type != want {
			t.Errorf("record %d: got %s want %s", i, records[i].Type, want)
		}
		if records[i].Command != "estimate" {
			t.Errorf("record %d: command field = %q", i, records[i].Command)
		}
	}
}
