package entity

import "errors"

var (
	// Message errors
	ErrInvalidRole        = errors.New("invalid message role")
	ErrMissingToolCallID   = errors.New("tool message missing tool_call_id")
	ErrMissingToolName     = errors.New("tool message missing name")
	ErrSystemMessageFixed  = errors.New("system message position is fixed at index 0")
	ErrDuplicateToolCallID = errors.New("duplicate tool_call_id within assistant message")

	// ToolCall errors
	ErrEmptyToolName = errors.New("tool_name must not be empty")
)
