package service

import (
	"context"
	"strings"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
)

// LLMClient is the provider-facing contract the runtime talks to. Every
// concrete provider (infrastructure/llm) and the provider Router implement
// this the same way, so the Conversation Loop never depends on a specific
// vendor's wire format.
type LLMClient interface {
	// Generate sends a prompt with tool definitions and history, returning a full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a prompt and streams back partial responses.
	// Implementations do not close the channel; the caller must drain it
	// while the call runs and closes it after GenerateStream returns.
	// Returns the final accumulated LLMResponse once the last chunk is sent.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk is a single delta from a streaming LLM response.
type StreamChunk struct {
	DeltaText     string
	DeltaToolCall *entity.ToolCall
	FinishReason  string // "stop", "tool_calls", "length", "" (not yet finished)
}

// LLMRequest is the request sent to the language model.
type LLMRequest struct {
	Messages    []LLMMessage            `json:"messages"`
	Tools       []domaintool.Definition `json:"tools,omitempty"`
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
}

// LLMMessage is the provider-wire-format projection of one entity.Message.
// The Loop builds this slice fresh from the Store before every exchange; it
// is never itself the conversation's source of truth.
type LLMMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []entity.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`

	// CacheControl carries a cache checkpoint down to the provider layer,
	// which renders it in whatever directive its wire format uses.
	CacheControl bool `json:"cache_control,omitempty"`
}

// ContentPart is a multimodal content fragment.
type ContentPart struct {
	Type     string `json:"type"` // "text", "image", "audio", "file"
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// TextContent returns all text content, joining text parts or falling back to Content.
func (m *LLMMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// HasMedia reports whether the message contains non-text content.
func (m *LLMMessage) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// LLMResponse is the response from the language model for one exchange.
type LLMResponse struct {
	Content      string            `json:"content"`
	ToolCalls    []entity.ToolCall `json:"tool_calls,omitempty"`
	ModelUsed    string            `json:"model_used"`
	TokensUsed   int               `json:"tokens_used"`
	PromptTokens int               `json:"prompt_tokens,omitempty"`
	CachedTokens int               `json:"cached_tokens,omitempty"`
	Cost         float64           `json:"cost,omitempty"`
	LatencyMS    int64             `json:"latency_ms,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
}
