package entity

import "time"

// LoopEventType identifies what a LoopEvent reports.
type LoopEventType string

const (
	EventModelCallStart LoopEventType = "model_call_start"
	EventModelCallDone   LoopEventType = "model_call_done"
	EventToolCallStart   LoopEventType = "tool_call_start"
	EventToolCallDone    LoopEventType = "tool_call_done"
	EventToolsDropped    LoopEventType = "tools_dropped"
	EventLoopDetected    LoopEventType = "loop_detected"
	EventCacheMarked     LoopEventType = "cache_marked"
	EventTruncated       LoopEventType = "truncated"
	EventDone            LoopEventType = "done"
	EventError           LoopEventType = "error"
)

// LoopEvent is emitted on the Conversation Loop's event channel so a caller
// (CLI renderer, report generator, session log writer) can observe progress
// without being woven into the loop itself.
type LoopEvent struct {
	Type      LoopEventType
	ToolCall  *ToolCallEvent
	Error     string
	Timestamp time.Time
}

// ToolCallEvent describes one tool invocation's lifecycle within a batch.
type ToolCallEvent struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	Success   bool
	Duration  time.Duration
}
