package llm

import (
	"context"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/domain/entity"
	"github.com/agentrelay/agentrelay/internal/domain/service"
)

// ConversationModelAdapter implements conversation.ModelClient by projecting
// entity.Message history into the service.LLMClient wire format the
// provider Router speaks, and translating the response back.
type ConversationModelAdapter struct {
	Client service.LLMClient
}

var _ conversation.ModelClient = (*ConversationModelAdapter)(nil)

func (a *ConversationModelAdapter) Complete(ctx context.Context, req conversation.ModelRequest) (*conversation.ModelResponse, error) {
	llmReq := &service.LLMRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	}
	for _, m := range req.Messages {
		llmReq.Messages = append(llmReq.Messages, toLLMMessage(m))
	}

	resp, err := a.Client.Generate(ctx, llmReq)
	if err != nil {
		return nil, err
	}

	return &conversation.ModelResponse{
		Content:      service.StripReasoningTags(resp.Content),
		ToolCalls:    resp.ToolCalls,
		FinishReason: resp.FinishReason,
		Usage: conversation.Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.TokensUsed - resp.PromptTokens,
			CachedTokens:     resp.CachedTokens,
			Cost:             resp.Cost,
			LatencyMS:        resp.LatencyMS,
		},
	}, nil
}

func toLLMMessage(m *entity.Message) service.LLMMessage {
	var out service.LLMMessage
	switch m.Role() {
	case entity.RoleTool:
		out = service.LLMMessage{
			Role:       "tool",
			Content:    m.Content(),
			ToolCallID: m.ToolCallID(),
			Name:       m.ToolName(),
		}
	case entity.RoleAssistant:
		out = service.LLMMessage{
			Role:      "assistant",
			Content:   m.Content(),
			ToolCalls: m.ToolCalls(),
		}
	default:
		out = service.LLMMessage{
			Role:    string(m.Role()),
			Content: m.Content(),
		}
	}
	out.CacheControl = m.Cached()
	return out
}
