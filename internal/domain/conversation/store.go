// Package conversation implements the Conversation Loop and its five
// tightly-coupled collaborators: the Message Store, Cache Manager, Context
// Truncator, Cost & Timing Ledger, and Error Tracker.
package conversation

import (
	"fmt"
	"sync"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
)

// Store is the ordered, append-only conversation log. It is the sole owner
// of the message sequence; every other collaborator receives immutable
// snapshots or mutates through one of Store's two narrow rebuild operations
// (large-output decline and context-truncation rebuild).
type Store struct {
	mu       sync.RWMutex
	messages []*entity.Message
}

// NewStore creates a Store seeded with a system message at position 0, or
// an empty store if systemPrompt is empty (no system message at all).
func NewStore(systemPrompt string) (*Store, error) {
	s := &Store{}
	if systemPrompt == "" {
		return s, nil
	}
	sys, err := entity.NewMessage(entity.RoleSystem, systemPrompt, entity.Now())
	if err != nil {
		return nil, err
	}
	s.messages = append(s.messages, sys)
	return s, nil
}

// AppendUser appends a user message.
func (s *Store) AppendUser(content string) (*entity.Message, error) {
	msg, err := entity.NewMessage(entity.RoleUser, content, entity.Now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg, nil
}

// AppendAssistant appends a plain assistant reply carrying no tool calls —
// the terminal message of a conversation turn.
func (s *Store) AppendAssistant(content string) (*entity.Message, error) {
	msg, err := entity.NewMessage(entity.RoleAssistant, content, entity.Now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg, nil
}

// AppendAssistantWithToolCalls appends an assistant message carrying the
// tool_calls payload exactly as the provider returned it; the runtime
// never rewrites it.
func (s *Store) AppendAssistantWithToolCalls(content string, calls []entity.ToolCall) (*entity.Message, error) {
	base, err := entity.NewMessage(entity.RoleAssistant, content, entity.Now())
	if err != nil {
		return nil, err
	}
	msg, err := base.WithToolCalls(calls)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg, nil
}

// AppendToolResult appends a role=tool message for one outcome of the batch
// the most recent assistant message requested. It is an invariant violation
// to call this for a toolCallID the last assistant message did not request;
// callers (the Dispatcher via the Loop) are expected to have filtered
// declined large outputs out before calling this.
func (s *Store) AppendToolResult(toolCallID, toolName, content string) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastAssistantHasToolCallIDLocked(toolCallID) {
		return nil, fmt.Errorf("conversation: tool_call_id %q not requested by the preceding assistant message", toolCallID)
	}
	msg, err := entity.NewToolMessage(content, toolCallID, toolName, entity.Now())
	if err != nil {
		return nil, err
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// DeclineToolResult implements the large-output-decline path: the
// tool_call_id is removed from the preceding assistant
// message's tool_calls payload and no tool message is ever appended for it.
// This is one of the two permitted mutations of past messages.
func (s *Store) DeclineToolResult(toolCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.lastAssistantIndexLocked()
	if idx < 0 || !s.messages[idx].HasToolCallID(toolCallID) {
		return fmt.Errorf("conversation: tool_call_id %q not found on the preceding assistant message", toolCallID)
	}
	s.messages[idx] = s.messages[idx].WithoutToolCallID(toolCallID)
	return nil
}

// lastAssistantIndexLocked returns the index of the most recent assistant
// message, or -1 if there isn't one. Caller must hold mu.
func (s *Store) lastAssistantIndexLocked() int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role() == entity.RoleAssistant {
			return i
		}
	}
	return -1
}

func (s *Store) lastAssistantHasToolCallIDLocked(id string) bool {
	idx := s.lastAssistantIndexLocked()
	return idx >= 0 && s.messages[idx].HasToolCallID(id)
}

// PendingToolCallIDs returns the tool_call_ids on the most recent assistant
// message that have no tool message yet — the batch still in flight.
func (s *Store) PendingToolCallIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.lastAssistantIndexLocked()
	if idx < 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range s.messages[idx+1:] {
		if m.Role() == entity.RoleTool {
			answered[m.ToolCallID()] = true
		}
	}
	var pending []string
	for _, c := range s.messages[idx].ToolCalls() {
		if !answered[c.ToolID] {
			pending = append(pending, c.ToolID)
		}
	}
	return pending
}

// Rebuild replaces the whole sequence, the only other permitted mutation
// of past messages, used by the Context Truncator. newMessages must begin with the
// original system message (if one exists) and list the remaining messages
// in original chronological order.
func (s *Store) Rebuild(newMessages []*entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) > 0 && s.messages[0].Role() == entity.RoleSystem {
		if len(newMessages) == 0 || newMessages[0] != s.messages[0] {
			return fmt.Errorf("conversation: rebuild must preserve the system message at position 0")
		}
	}
	s.messages = append([]*entity.Message(nil), newMessages...)
	return nil
}

// Messages returns a snapshot slice; callers must not mutate message
// pointers in place (entity.Message methods are copy-on-write).
func (s *Store) Messages() []*entity.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entity.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastAssistantMessage returns the most recent assistant message, or nil if
// none exists yet.
func (s *Store) LastAssistantMessage() *entity.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.lastAssistantIndexLocked()
	if idx < 0 {
		return nil
	}
	return s.messages[idx]
}

// System returns the system message, or nil if none was set.
func (s *Store) System() *entity.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 || s.messages[0].Role() != entity.RoleSystem {
		return nil
	}
	return s.messages[0]
}

// Len returns the number of messages currently in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// MarkCached flags the message at index idx as cached, returning an error
// if idx is out of range. Used by the Cache Manager only.
func (s *Store) MarkCached(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.messages) {
		return fmt.Errorf("conversation: cache mark index %d out of range", idx)
	}
	s.messages[idx] = s.messages[idx].MarkCached()
	return nil
}

// ClearCached un-flags the message at index idx.
func (s *Store) ClearCached(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.messages) {
		return fmt.Errorf("conversation: cache clear index %d out of range", idx)
	}
	s.messages[idx] = s.messages[idx].ClearCached()
	return nil
}

// CachedIndices returns the positions currently marked cached, oldest
// first. The Cache Manager keeps this at no more than two.
func (s *Store) CachedIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for i, m := range s.messages {
		if m.Cached() {
			out = append(out, i)
		}
	}
	return out
}
