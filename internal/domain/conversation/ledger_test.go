package conversation

import (
	"testing"
	"time"
)

func TestLedger_RecordExchange(t *testing.T) {
	l := NewLedger()
	l.RecordExchange(Usage{PromptTokens: 100, CompletionTokens: 40, CachedTokens: 20, Cost: 0.01, LatencyMS: 500})

	snap := l.Snapshot()
	if snap.InputTokens != 80 {
		t.Fatalf("expected input_tokens 80 (100-20), got %d", snap.InputTokens)
	}
	if snap.OutputTokens != 40 {
		t.Fatalf("expected output_tokens 40, got %d", snap.OutputTokens)
	}
	if snap.CachedTokens != 20 {
		t.Fatalf("expected cached_tokens 20, got %d", snap.CachedTokens)
	}
	if snap.TotalAPITimeMS != 500 {
		t.Fatalf("expected api time 500ms, got %d", snap.TotalAPITimeMS)
	}
}

func TestLedger_NeverNegativeInput(t *testing.T) {
	l := NewLedger()
	// cached larger than prompt should never drive input_tokens negative.
	l.RecordExchange(Usage{PromptTokens: 10, CompletionTokens: 5, CachedTokens: 50})
	if snap := l.Snapshot(); snap.InputTokens != 0 {
		t.Fatalf("expected clamped input_tokens 0, got %d", snap.InputTokens)
	}
}

func TestLedger_PropertyInputPlusCachedEqualsPromptSum(t *testing.T) {
	l := NewLedger()
	exchanges := []Usage{
		{PromptTokens: 100, CompletionTokens: 10, CachedTokens: 0},
		{PromptTokens: 150, CompletionTokens: 20, CachedTokens: 50},
		{PromptTokens: 200, CompletionTokens: 30, CachedTokens: 80},
	}
	var promptSum int64
	for _, u := range exchanges {
		l.RecordExchange(u)
		promptSum += int64(u.PromptTokens)
	}
	snap := l.Snapshot()
	if got := snap.InputTokens + snap.CachedTokens; got != promptSum {
		t.Fatalf("property violated: input+cached=%d, want %d", got, promptSum)
	}
}

func TestLedger_ToolBatchAccounting(t *testing.T) {
	l := NewLedger()
	l.RecordToolBatch(3, 250*time.Millisecond)
	snap := l.Snapshot()
	if snap.ToolCalls != 3 {
		t.Fatalf("expected 3 tool calls, got %d", snap.ToolCalls)
	}
	if snap.TotalToolTimeMS != 250 {
		t.Fatalf("expected 250ms tool time, got %d", snap.TotalToolTimeMS)
	}
}

func TestLedger_CacheWindowReset(t *testing.T) {
	l := NewLedger()
	l.RecordExchange(Usage{PromptTokens: 500, CachedTokens: 0})
	if l.CurrentNonCachedTokens() != 500 {
		t.Fatalf("expected 500 non-cached tokens, got %d", l.CurrentNonCachedTokens())
	}
	l.ResetCacheWindow()
	if l.CurrentNonCachedTokens() != 0 {
		t.Fatalf("expected reset to 0, got %d", l.CurrentNonCachedTokens())
	}
}
