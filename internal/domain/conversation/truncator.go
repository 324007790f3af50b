package conversation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

// DefaultMaxRequestTokensThreshold mirrors the configuration surface's
// documented default; truncationBudgetRatio is a fixed internal ratio, not a
// configuration setting.
const (
	DefaultMaxRequestTokensThreshold = 50000
	truncationBudgetRatio            = 0.85
)

// Tokenizer estimates the token cost of a string. Swappable per model family;
// the default is a cheap character-based heuristic, not a real BPE count.
type Tokenizer interface {
	Count(text string) int
}

// HeuristicTokenizer approximates token count from rune composition: CJK
// text averages ~2 characters/token, everything else ~4 characters/token.
type HeuristicTokenizer struct{}

func (HeuristicTokenizer) Count(text string) int {
	cjk := 0
	total := 0
	for _, r := range text {
		total++
		if (r >= 0x4E00 && r <= 0x9FFF) || (r >= 0x3040 && r <= 0x30FF) || (r >= 0xAC00 && r <= 0xD7A3) {
			cjk++
		}
	}
	other := total - cjk
	return int(float64(cjk)/2.0+float64(other)/4.0) + 1
}

// Summarizer synthesizes the placeholder assistant message that abstracts
// messages the Truncator drops. The default is a local rule-based pass;
// ModelSummarizer additionally invokes the model when the user explicitly
// requests it.
type Summarizer interface {
	Summarize(dropped []*entity.Message) string
}

// RuleBasedSummarizer extracts salient lines (errors, completions, file
// edits, decisions) from the dropped messages without any model call.
type RuleBasedSummarizer struct{}

var summaryKeywords = []string{"error", "failed", "completed", "created", "modified", "decided", "fixed"}

func (RuleBasedSummarizer) Summarize(dropped []*entity.Message) string {
	if len(dropped) == 0 {
		return ""
	}
	var points []string
	for _, m := range dropped {
		lower := strings.ToLower(m.Content())
		for _, kw := range summaryKeywords {
			if strings.Contains(lower, kw) {
				points = append(points, firstLine(m.Content()))
				break
			}
		}
		if len(points) >= 10 {
			break
		}
	}
	if len(points) == 0 {
		return fmt.Sprintf("[%d earlier messages omitted for length]", len(dropped))
	}
	return "Earlier in this conversation: " + strings.Join(points, "; ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160] + "..."
	}
	return strings.TrimSpace(s)
}

// ModelSummarizer invokes the model with a summarization prompt instead of
// the rule-based default, when the caller explicitly opts in.
type ModelSummarizer struct {
	Client ModelClient
	Model  string
}

func (s *ModelSummarizer) Summarize(dropped []*entity.Message) string {
	if s.Client == nil || len(dropped) == 0 {
		return RuleBasedSummarizer{}.Summarize(dropped)
	}
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation excerpt in a few sentences, preserving any decisions, file changes, and unresolved errors:\n\n")
	for _, m := range dropped {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role(), m.Content())
	}
	resp, err := s.Client.Complete(newSummaryContext(), ModelRequest{
		Messages: []*entity.Message{mustUserMessage(sb.String())},
		Model:    s.Model,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return RuleBasedSummarizer{}.Summarize(dropped)
	}
	return resp.Content
}

// Truncator implements the Context Truncator & Summarizer:
// importance-scored message selection, tiered compression, and rebuild via
// Store.Rebuild. It mutates the store only through Store.Rebuild; Run
// returns whether it rebuilt the store, and the caller (the Loop) is expected to call
// CacheManager.Resync() afterward since indices shift.
type Truncator struct {
	store      *Store
	ledger     *Ledger
	tokenizer  Tokenizer
	summarizer Summarizer

	maxRequestTokens int
	enabled          bool
}

// NewTruncator creates a Truncator. enabled corresponds to
// enable_auto_truncation (default false — the pass is then always a no-op).
func NewTruncator(store *Store, ledger *Ledger, maxRequestTokens int, enabled bool, summarizer Summarizer) *Truncator {
	if maxRequestTokens <= 0 {
		maxRequestTokens = DefaultMaxRequestTokensThreshold
	}
	if summarizer == nil {
		summarizer = RuleBasedSummarizer{}
	}
	return &Truncator{
		store:            store,
		ledger:           ledger,
		tokenizer:        HeuristicTokenizer{},
		summarizer:       summarizer,
		maxRequestTokens: maxRequestTokens,
		enabled:          enabled,
	}
}

// Run performs one truncation pass if total tokens exceed the threshold.
// Running it on a conversation already under the threshold is a no-op
// (testable property 8). Returns whether a rebuild happened.
func (t *Truncator) Run() (bool, error) {
	if !t.enabled {
		return false, nil
	}
	start := time.Now()
	defer func() { t.ledger.RecordLayerTime(time.Since(start)) }()

	all := t.store.Messages()
	if t.totalTokens(all) <= t.maxRequestTokens {
		return false, nil
	}

	var system *entity.Message
	rest := all
	if len(all) > 0 && all[0].Role() == entity.RoleSystem {
		system = all[0]
		rest = all[1:]
	}

	systemTokens := 0
	if system != nil {
		systemTokens = t.tokenizer.Count(system.Content())
	}
	budget := int(float64(t.maxRequestTokens-systemTokens) * truncationBudgetRatio)
	if budget < 0 {
		budget = 0
	}

	scores := t.score(rest)
	compressed := t.compress(rest, scores)

	selected, dropped := t.selectWithinBudget(compressed, scores, budget)

	rebuilt := make([]*entity.Message, 0, len(selected)+2)
	if system != nil {
		rebuilt = append(rebuilt, system)
	}
	if len(dropped) > 0 {
		summaryText := t.summarizer.Summarize(dropped)
		if summaryText != "" {
			placeholder, err := entity.NewMessage(entity.RoleAssistant, summaryText, entity.Now())
			if err == nil {
				rebuilt = append(rebuilt, placeholder)
			}
		}
	}
	rebuilt = append(rebuilt, selected...)

	if err := t.store.Rebuild(rebuilt); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Truncator) totalTokens(msgs []*entity.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.tokenizer.Count(m.Content())
	}
	return total
}

// score computes the five-axis weighted importance score for each non-system
// message, in the same order as msgs.
func (t *Truncator) score(msgs []*entity.Message) []float64 {
	scores := make([]float64, len(msgs))
	n := len(msgs)
	for i, m := range msgs {
		recency := 0.0
		if n > 1 {
			recency = float64(i) / float64(n-1)
		} else {
			recency = 1.0
		}
		scores[i] = 0.30*recency +
			0.25*contentTypeScore(m.Content()) +
			0.15*referencesScore(m.Content()) +
			0.15*toolResultQualityScore(m) +
			0.15*fileReferenceScore(m.Content())
	}
	return scores
}

var contentTypeKeywords = []string{"error", "exception", "fail", "fixed", "solution", "decided", "decision", "created", "modified", "```"}

func contentTypeScore(content string) float64 {
	lower := strings.ToLower(content)
	for _, kw := range contentTypeKeywords {
		if strings.Contains(lower, kw) {
			return 0.8
		}
	}
	return 0.3
}

var referencePhrases = []string{"remember", "important", "note that", "keep in mind", "don't forget"}

func referencesScore(content string) float64 {
	lower := strings.ToLower(content)
	for _, p := range referencePhrases {
		if strings.Contains(lower, p) {
			return 1.0
		}
	}
	return 0.2
}

func toolResultQualityScore(m *entity.Message) float64 {
	if m.Role() != entity.RoleTool {
		return 0.5
	}
	content := m.Content()
	lower := strings.ToLower(content)
	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		return 0.9
	}
	if len(content) > 3000 {
		return 0.35
	}
	return 0.5
}

var filePathPattern = regexp.MustCompile(`[\w./\-]+\.(go|rs|py|js|ts|tsx|jsx|java|c|cpp|h|hpp|md|yaml|yml|toml|json)\b`)

func fileReferenceScore(content string) float64 {
	if filePathPattern.MatchString(content) {
		return 0.9
	}
	return 0.2
}

// compress applies the light/medium/heavy compression tiers (chosen
// step 1), returning new message content keyed by original index; it never
// mutates the input messages.
func (t *Truncator) compress(msgs []*entity.Message, scores []float64) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		content := m.Content()
		switch {
		case scores[i] > 0.7:
			out[i] = compressLight(content)
		case scores[i] > 0.4:
			out[i] = compressMedium(content)
		default:
			out[i] = compressHeavy(content)
		}
	}
	return out
}

var codeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\n(.*?)```")

func compressLight(content string) string {
	return collapseRepetitiveLines(content)
}

func compressMedium(content string) string {
	content = collapseRepetitiveLines(content)
	content = codeFencePattern.ReplaceAllStringFunc(content, func(block string) string {
		if len(block) <= 500 {
			return block
		}
		kind := "code"
		if strings.Contains(block, "fn ") || strings.Contains(block, "struct ") || strings.Contains(block, "impl ") {
			kind = "function/struct/impl definitions"
		}
		return fmt.Sprintf("[code block omitted: %s, %d chars]", kind, len(block))
	})
	return content
}

func compressHeavy(content string) string {
	content = compressMedium(content)
	content = filePathPattern.ReplaceAllStringFunc(content, func(path string) string {
		ext := path[strings.LastIndex(path, ".")+1:]
		lang := map[string]string{"rs": "Rust", "go": "Go", "py": "Python", "js": "JavaScript", "ts": "TypeScript"}[ext]
		if lang == "" {
			lang = strings.ToUpper(ext)
		}
		name := path[strings.LastIndex(path, "/")+1:]
		return fmt.Sprintf("[%s file: %s]", lang, name)
	})
	if len(content) > 3000 {
		lines := strings.Split(content, "\n")
		if len(lines) > 30 {
			head := lines[:20]
			tail := lines[len(lines)-10:]
			content = strings.Join(head, "\n") + fmt.Sprintf("\n[... %d lines omitted ...]\n", len(lines)-30) + strings.Join(tail, "\n")
		}
	}
	return content
}

// collapseRepetitiveLines replaces each run of 3+ near-identical adjacent
// lines with the run's first line followed by a placeholder counting the rest.
func collapseRepetitiveLines(content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 {
		return content
	}
	var out []string
	i := 0
	for i < len(lines) {
		j := i + 1
		for j < len(lines) && similarLine(lines[i], lines[j]) {
			j++
		}
		run := j - i
		if run >= 3 {
			out = append(out, lines[i], fmt.Sprintf("[... %d similar lines omitted ...]", run-1))
		} else {
			out = append(out, lines[i:j]...)
		}
		i = j
	}
	return strings.Join(out, "\n")
}

func similarLine(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return a == b
	}
	shorter, longer := a, b
	if len(a) > len(b) {
		shorter, longer = b, a
	}
	return strings.HasPrefix(longer, shorter[:min(len(shorter), 8)])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// selectWithinBudget performs the two selection passes: a greedy high-
// importance first pass, then a backward walk preserving tool-sequence
// integrity, preferring user messages as boundaries. Returns the selected
// messages in original chronological order (using the compressed content)
// and the dropped originals (for summarization).
func (t *Truncator) selectWithinBudget(compressedContent []string, scores []float64, budget int) (selected, dropped []*entity.Message) {
	msgs := t.store.Messages()
	var system *entity.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role() == entity.RoleSystem {
		system = msgs[0]
		rest = msgs[1:]
	}
	_ = system

	chosen := make(map[int]bool, len(rest))
	used := 0

	// Pass 1: greedy high-importance (score > 0.7), in original order.
	for i := range rest {
		if scores[i] > 0.7 {
			cost := t.tokenizer.Count(compressedContent[i])
			if used+cost > budget {
				continue
			}
			chosen[i] = true
			used += cost
		}
	}

	// Pass 2: backward walk from newest, preserving tool-sequence integrity.
	for i := len(rest) - 1; i >= 0; i-- {
		if chosen[i] {
			continue
		}
		cost := t.tokenizer.Count(compressedContent[i])
		if used+cost > budget {
			if rest[i].Role() == entity.RoleUser {
				break // user messages are preferred sequence boundaries
			}
			continue
		}
		chosen[i] = true
		used += cost

		if rest[i].Role() == entity.RoleTool {
			if j := matchingAssistantIndex(rest, i); j >= 0 && !chosen[j] {
				chosen[j] = true
				used += t.tokenizer.Count(compressedContent[j])
			}
		}
	}

	for i, m := range rest {
		if chosen[i] {
			rebuilt := rebuildMessageContent(m, compressedContent[i])
			selected = append(selected, rebuilt)
		} else {
			dropped = append(dropped, m)
		}
	}
	return selected, dropped
}

// matchingAssistantIndex finds the assistant message that requested the
// tool result at index i (the nearest preceding assistant message carrying
// that tool_call_id).
func matchingAssistantIndex(msgs []*entity.Message, toolIdx int) int {
	id := msgs[toolIdx].ToolCallID()
	for j := toolIdx - 1; j >= 0; j-- {
		if msgs[j].Role() == entity.RoleAssistant && msgs[j].HasToolCallID(id) {
			return j
		}
	}
	return -1
}

// rebuildMessageContent returns a message identical to m but with content
// replaced by its compressed form, preserving role/tool metadata/cache flag.
func rebuildMessageContent(m *entity.Message, newContent string) *entity.Message {
	if newContent == m.Content() {
		return m
	}
	switch m.Role() {
	case entity.RoleTool:
		fresh, err := entity.NewToolMessage(newContent, m.ToolCallID(), m.ToolName(), m.Timestamp())
		if err != nil {
			return m
		}
		if m.Cached() {
			fresh = fresh.MarkCached()
		}
		return fresh
	case entity.RoleAssistant:
		fresh, err := entity.NewMessage(entity.RoleAssistant, newContent, m.Timestamp())
		if err != nil {
			return m
		}
		if len(m.ToolCalls()) > 0 {
			fresh, err = fresh.WithToolCalls(m.ToolCalls())
			if err != nil {
				return m
			}
		}
		if m.Cached() {
			fresh = fresh.MarkCached()
		}
		return fresh
	default:
		fresh, err := entity.NewMessage(m.Role(), newContent, m.Timestamp())
		if err != nil {
			return m
		}
		if m.Cached() {
			fresh = fresh.MarkCached()
		}
		return fresh
	}
}
