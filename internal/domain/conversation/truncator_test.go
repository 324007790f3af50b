package conversation

import (
	"strings"
	"testing"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

func TestTruncator_NoOpBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	tr := NewTruncator(store, ledger, 50000, true, nil)

	if _, err := store.AppendUser("hello there"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendAssistant("hi, how can I help?"); err != nil {
		t.Fatal(err)
	}

	before := store.Messages()
	rebuilt, err := tr.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rebuilt {
		t.Fatalf("expected no-op under threshold")
	}
	after := store.Messages()
	if len(before) != len(after) {
		t.Fatalf("message count changed on a no-op pass: %d -> %d", len(before), len(after))
	}
}

func TestTruncator_DisabledIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	tr := NewTruncator(store, ledger, 1, false, nil)

	for i := 0; i < 50; i++ {
		if _, err := store.AppendUser(strings.Repeat("word ", 200)); err != nil {
			t.Fatal(err)
		}
	}
	rebuilt, err := tr.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rebuilt {
		t.Fatalf("disabled truncator must never rebuild")
	}
}

func TestTruncator_PreservesSystemMessageAndOrder(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	tr := NewTruncator(store, ledger, 200, true, nil)

	for i := 0; i < 80; i++ {
		if _, err := store.AppendUser(strings.Repeat("filler content for the message body ", 20)); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AppendAssistant(strings.Repeat("assistant reply content goes here ", 20)); err != nil {
			t.Fatal(err)
		}
	}

	rebuilt, err := tr.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rebuilt {
		t.Fatalf("expected truncation to trigger above threshold")
	}

	msgs := store.Messages()
	if len(msgs) == 0 || msgs[0].Role() != entity.RoleSystem {
		t.Fatalf("expected system message to remain at position 0")
	}

	// Messages carrying the original filler content are real selected
	// messages, not the synthesized summary placeholder; those must stay in
	// non-decreasing timestamp order among themselves (property 4).
	var lastTS int64
	for i, m := range msgs[1:] {
		if !strings.Contains(m.Content(), "filler content") && !strings.Contains(m.Content(), "assistant reply content") {
			continue
		}
		if m.Timestamp() < lastTS {
			t.Fatalf("message %d out of chronological order", i)
		}
		lastTS = m.Timestamp()
	}
}

func TestTruncator_ToolSequenceIntegrityPreserved(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	tr := NewTruncator(store, ledger, 300, true, nil)

	for i := 0; i < 40; i++ {
		if _, err := store.AppendUser(strings.Repeat("u ", 30)); err != nil {
			t.Fatal(err)
		}
		calls := []entity.ToolCall{{ToolName: "search", ToolID: "call-" + strings.Repeat("x", i%5+1)}}
		if _, err := store.AppendAssistantWithToolCalls(strings.Repeat("a ", 30), calls); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AppendToolResult(calls[0].ToolID, "search", strings.Repeat("result ", 30)); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := tr.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := store.Messages()
	for i, m := range msgs {
		if m.Role() != entity.RoleTool {
			continue
		}
		found := false
		for j := i - 1; j >= 0; j-- {
			if msgs[j].Role() == entity.RoleAssistant && msgs[j].HasToolCallID(m.ToolCallID()) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("tool message at %d has no preceding assistant message with its tool_call_id", i)
		}
	}
}

func TestRuleBasedSummarizer_EmptyDroppedYieldsEmpty(t *testing.T) {
	s := RuleBasedSummarizer{}
	if got := s.Summarize(nil); got != "" {
		t.Fatalf("expected empty summary for no dropped messages, got %q", got)
	}
}

func TestCollapseRepetitiveLines(t *testing.T) {
	in := "line one\nline one\nline one\nline one\nsomething else"
	out := collapseRepetitiveLines(in)
	if !strings.Contains(out, "omitted") {
		t.Fatalf("expected repeated lines collapsed, got %q", out)
	}
}

func TestHeuristicTokenizer_CountsCJKDenser(t *testing.T) {
	tok := HeuristicTokenizer{}
	ascii := tok.Count(strings.Repeat("a", 40))
	cjk := tok.Count(strings.Repeat("中", 40))
	if cjk <= ascii {
		t.Fatalf("expected CJK text to cost more tokens per rune: cjk=%d ascii=%d", cjk, ascii)
	}
}
