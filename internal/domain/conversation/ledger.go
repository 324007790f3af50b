package conversation

import (
	"sync"
	"time"
)

// Usage is what the Loop extracts from one provider exchange before handing
// it to the Ledger. Provider-specific field names are resolved by the
// caller ("prompt_tokens_details.cached_tokens" preferred
// over "breakdown.cached" when both exist, cost falls back to
// response.usage.cost) — the Ledger itself only sees the resolved values.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	Cost             float64
	LatencyMS        int64
}

// LayerUsage is one layered-orchestrator invocation's accounted cost,
// recorded separately in Snapshot.LayerUsage; it is not added to the
// ledger's token, cost or timing totals.
type LayerUsage struct {
	LayerName   string
	Tokens      int
	Cost        float64
	ElapsedMS   int64
}

// Ledger is the single source of truth for session token/cost/timing
// accounting. No other component mutates these counters.
type Ledger struct {
	mu sync.Mutex

	inputTokens  int64
	outputTokens int64
	cachedTokens int64
	totalCost    float64
	toolCalls    int64

	totalAPITimeMS   int64
	totalToolTimeMS  int64
	totalLayerTimeMS int64

	// currentNonCachedTokens is the running sum of non-cached tokens added
	// since the most recent cache checkpoint; the Cache Manager's
	// auto-advance threshold check reads this.
	currentNonCachedTokens int64

	layerUsage []LayerUsage
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// RecordExchange applies one provider exchange's usage per the
// update rules.
func (l *Ledger) RecordExchange(u Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nonCached := int64(u.PromptTokens - u.CachedTokens)
	if nonCached < 0 {
		nonCached = 0
	}
	l.inputTokens += nonCached
	l.outputTokens += int64(u.CompletionTokens)
	l.cachedTokens += int64(u.CachedTokens)
	l.totalCost += u.Cost
	l.totalAPITimeMS += u.LatencyMS
	l.currentNonCachedTokens += nonCached
}

// RecordToolBatch accounts the wall-clock time of a completed tool-call
// batch and the number of calls actually dispatched (post allow-list
// filtering — the Loop passes the surviving count: the Dispatcher's results
// plus its large-output declines).
func (l *Ledger) RecordToolBatch(surviving int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toolCalls += int64(surviving)
	l.totalToolTimeMS += elapsed.Milliseconds()
}

// RecordLayerTime accounts time spent in context truncation or tool-result
// post-processing (total_layer_time_ms — not to be confused
// with the Layered Orchestrator's own per-layer usage, tracked separately
// below).
func (l *Ledger) RecordLayerTime(elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalLayerTimeMS += elapsed.Milliseconds()
}

// RecordLayerInvocation records one layered-orchestrator layer's own usage.
func (l *Ledger) RecordLayerInvocation(u LayerUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.layerUsage = append(l.layerUsage, u)
}

// ResetCacheWindow zeroes currentNonCachedTokens — called by the Cache
// Manager whenever it places a new checkpoint, since the window resets
// relative to the newest marker.
func (l *Ledger) ResetCacheWindow() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentNonCachedTokens = 0
}

// CurrentNonCachedTokens returns the running total since the last checkpoint.
func (l *Ledger) CurrentNonCachedTokens() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentNonCachedTokens
}

// Snapshot is an immutable copy of the session's counters at one instant.
type Snapshot struct {
	InputTokens      int64
	OutputTokens     int64
	CachedTokens     int64
	TotalCost        float64
	ToolCalls        int64
	TotalAPITimeMS   int64
	TotalToolTimeMS  int64
	TotalLayerTimeMS int64
	LayerUsage       []LayerUsage
}

// Snapshot returns the current aggregate counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		InputTokens:      l.inputTokens,
		OutputTokens:     l.outputTokens,
		CachedTokens:     l.cachedTokens,
		TotalCost:        l.totalCost,
		ToolCalls:        l.toolCalls,
		TotalAPITimeMS:   l.totalAPITimeMS,
		TotalToolTimeMS:  l.totalToolTimeMS,
		TotalLayerTimeMS: l.totalLayerTimeMS,
		LayerUsage:       append([]LayerUsage(nil), l.layerUsage...),
	}
}
