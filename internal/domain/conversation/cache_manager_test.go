package conversation

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("you are an assistant")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestCacheManager_ExplicitMarkSetsNewestUser(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	cm := NewCacheManager(store, ledger, DefaultCacheTokenThreshold, DefaultCacheTimeout, true)

	if _, err := store.AppendUser("hello"); err != nil {
		t.Fatal(err)
	}
	if err := cm.ExplicitMark(); err != nil {
		t.Fatalf("ExplicitMark: %v", err)
	}
	markers := cm.Markers()
	if len(markers) != 1 {
		t.Fatalf("expected 1 marker, got %d", len(markers))
	}
	msgs := store.Messages()
	if !msgs[markers[0]].Cached() {
		t.Fatalf("expected marked message to report cached=true")
	}
}

func TestCacheManager_TwoMarkerInvariant(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	cm := NewCacheManager(store, ledger, DefaultCacheTokenThreshold, DefaultCacheTimeout, true)

	for i := 0; i < 3; i++ {
		if _, err := store.AppendUser("turn"); err != nil {
			t.Fatal(err)
		}
		if err := cm.ExplicitMark(); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
		if got := len(cm.Markers()); got > 2 {
			t.Fatalf("never more than 2 markers allowed, got %d", got)
		}
	}
	if got := len(cm.Markers()); got != 2 {
		t.Fatalf("expected exactly 2 markers after 3 marks, got %d", got)
	}
}

func TestCacheManager_AutoAdvanceOnTokenThreshold(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	cm := NewCacheManager(store, ledger, 100, DefaultCacheTimeout, true)

	if _, err := store.AppendUser("hi"); err != nil {
		t.Fatal(err)
	}
	ledger.RecordExchange(Usage{PromptTokens: 50})
	if placed, err := cm.AfterUserMessage(); err != nil || placed {
		t.Fatalf("should not place marker below threshold: placed=%v err=%v", placed, err)
	}
	ledger.RecordExchange(Usage{PromptTokens: 60})
	placed, err := cm.AfterUserMessage()
	if err != nil {
		t.Fatalf("AfterUserMessage: %v", err)
	}
	if !placed {
		t.Fatalf("expected marker placement once threshold crossed")
	}
	if ledger.CurrentNonCachedTokens() != 0 {
		t.Fatalf("expected cache window reset after placement")
	}
}

func TestCacheManager_AutoAdvanceDisabledWhenUnsupported(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	cm := NewCacheManager(store, ledger, 10, DefaultCacheTimeout, false)

	if _, err := store.AppendUser("hi"); err != nil {
		t.Fatal(err)
	}
	ledger.RecordExchange(Usage{PromptTokens: 1000})
	placed, _ := cm.AfterUserMessage()
	if placed {
		t.Fatalf("auto-advance must not fire when caching unsupported")
	}
}

func TestCacheManager_TimeBasedTrigger(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger()
	cm := NewCacheManager(store, ledger, 1_000_000, time.Millisecond, true)

	if _, err := store.AppendUser("hi"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	placed, err := cm.AfterUserMessage()
	if err != nil {
		t.Fatalf("AfterUserMessage: %v", err)
	}
	if !placed {
		t.Fatalf("expected time-based trigger to place a marker")
	}
}
