package llm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
	"github.com/agentrelay/agentrelay/internal/domain/service"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OpenAICompatProvider speaks the chat-completions dialect most hosted and
// local model endpoints accept (OpenAI, OpenRouter, Ollama, and the many
// proxies in between). It is the one provider the runtime ships enabled by
// default; anything vendor-specific beyond this dialect is out of scope and
// belongs in its own Provider implementation.
type OpenAICompatProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

func init() {
	RegisterFactory("openai", func(cfg ProviderConfig, logger *zap.Logger) Provider {
		return NewOpenAICompatProvider(cfg, logger)
	})
}

// NewOpenAICompatProvider builds a provider against cfg.BaseURL (defaulting
// to the OpenAI endpoint). The HTTP client carries no overall timeout:
// a long completion is legitimate, and cancellation arrives through the
// request context. Connection setup and first-header waits are bounded so
// a dead host still fails fast.
func NewOpenAICompatProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAICompatProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &OpenAICompatProvider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name)),
	}
}

var _ Provider = (*OpenAICompatProvider)(nil)

func (p *OpenAICompatProvider) Name() string    { return p.name }
func (p *OpenAICompatProvider) Models() []string { return p.models }

// SupportsModel accepts a bare model name, or a provider:model identifier
// whose prefix names this provider. An empty models list is a wildcard.
func (p *OpenAICompatProvider) SupportsModel(model string) bool {
	prefix, bare := SplitModelID(model)
	if prefix != "" && prefix != p.name {
		return false
	}
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == bare {
			return true
		}
	}
	return false
}

func (p *OpenAICompatProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// Generate implements service.LLMClient with a single blocking completion.
func (p *OpenAICompatProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, _, err := p.post(ctx, body, "")
	if err != nil {
		return nil, err
	}
	return p.parseResponse(respBody)
}

// GenerateStream implements service.LLMClient over server-sent events,
// emitting deltas as they arrive and returning the assembled response.
func (p *OpenAICompatProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	_, resp, err := p.post(ctx, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// context cancellation does not interrupt a blocked Body.Read; closing
	// the body is the only way to unblock the scanner mid-stream.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("closing SSE body on cancellation", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-done:
		}
	}()
	defer close(done)

	return p.consumeStream(ctx, resp.Body, deltaCh)
}

// post sends one chat-completions request. For streaming calls (accept
// non-empty) the caller owns resp.Body; otherwise the body is read, closed,
// and returned as bytes.
func (p *OpenAICompatProvider) post(ctx context.Context, body []byte, accept string) ([]byte, *http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	if accept != "" {
		return nil, resp, nil
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil, nil
}

// --- wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	ToolCalls    []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	CacheControl *cacheDirective `json:"cache_control,omitempty"`
}

// cacheDirective is the provider-side rendering of a cache checkpoint: the
// runtime flags at most two messages and this layer translates the flag.
type cacheDirective struct {
	Type string `json:"type"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON text, not an object
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	TotalTokens         int     `json:"total_tokens"`
	PromptTokens        int     `json:"prompt_tokens"`
	CompletionTokens    int     `json:"completion_tokens"`
	Cost                float64 `json:"cost"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	Breakdown struct {
		Cached int `json:"cached"`
	} `json:"breakdown"`
}

// cachedTokens resolves the cached-token count across the two field shapes
// providers report; prompt_tokens_details wins when both are present.
func (u chatUsage) cachedTokens() int {
	if u.PromptTokensDetails.CachedTokens > 0 {
		return u.PromptTokensDetails.CachedTokens
	}
	return u.Breakdown.Cached
}

// --- request / response translation ---

// SplitModelID splits a provider:model identifier into its provider prefix
// and bare model name. A bare name (no prefix, or a name whose first colon
// belongs to the model itself, like "llama3:8b") comes back with prefix "".
func SplitModelID(model string) (prefix, bare string) {
	if idx := strings.Index(model, ":"); idx > 0 {
		p, rest := model[:idx], model[idx+1:]
		// ollama-style size suffixes ("llama3:8b") are not provider prefixes
		if !strings.ContainsAny(p, "/.") && rest != "" && !isSizeSuffix(rest) {
			return p, rest
		}
	}
	return "", model
}

func isSizeSuffix(s string) bool {
	if len(s) < 2 {
		return false
	}
	last := s[len(s)-1]
	if last != 'b' && last != 'B' {
		return false
	}
	for _, c := range s[:len(s)-1] {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}

func (p *OpenAICompatProvider) buildRequest(req *service.LLMRequest, stream bool) *chatRequest {
	_, bare := SplitModelID(req.Model)

	out := &chatRequest{
		Model:       bare,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}

	for _, msg := range req.Messages {
		cm := chatMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if msg.CacheControl {
			cm.CacheControl = &cacheDirective{Type: "ephemeral"}
		}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Parameters)
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   tc.ToolID,
				Type: "function",
				Function: chatToolCallFunc{
					Name:      tc.ToolName,
					Arguments: string(argsJSON),
				},
			})
		}
		out.Messages = append(out.Messages, cm)
	}

	for _, td := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ensureObjectSchema(td.Parameters),
			},
		})
	}

	return out
}

func (p *OpenAICompatProvider) parseResponse(body []byte) (*service.LLMResponse, error) {
	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}

	choice := apiResp.Choices[0]
	resp := &service.LLMResponse{
		Content:      choice.Message.Content,
		ModelUsed:    apiResp.Model,
		TokensUsed:   apiResp.Usage.TotalTokens,
		PromptTokens: apiResp.Usage.PromptTokens,
		CachedTokens: apiResp.Usage.cachedTokens(),
		Cost:         apiResp.Usage.Cost,
		FinishReason: choice.FinishReason,
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, entity.ToolCall{
			ToolID:     tc.ID,
			ToolName:   tc.Function.Name,
			Parameters: args,
		})
	}

	return resp, nil
}

// ensureObjectSchema fills in the JSON-Schema boilerplate some endpoints
// reject tool definitions without.
func ensureObjectSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}
	out := make(map[string]interface{}, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// --- streaming ---

type streamEvent struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

// partialToolCall gathers one tool call's fragments across stream events.
type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

// streamIdleLimit bounds how long a single read may block before the stream
// is considered stalled. Endpoints that send headers and then go silent are
// otherwise indistinguishable from a slow completion.
const streamIdleLimit = 60 * time.Second

// consumeStream drains one SSE response. It stops on [DONE], on a
// finish_reason (some endpoints never send [DONE]), or when a read sits
// idle past streamIdleLimit.
func (p *OpenAICompatProvider) consumeStream(ctx context.Context, body io.Reader, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	scanner := bufio.NewScanner(&idleReader{r: body, limit: streamIdleLimit})
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	partials := make(map[int]*partialToolCall)
	var model, finishReason string
	var usage chatUsage

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			p.logger.Debug("skipping unparseable stream event", zap.Error(err))
			continue
		}

		if ev.Model != "" {
			model = ev.Model
		}
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		if len(ev.Choices) == 0 {
			continue
		}

		choice := ev.Choices[0]
		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			deltaCh <- service.StreamChunk{DeltaText: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := partials[tc.Index]
			if !ok {
				acc = &partialToolCall{}
				partials[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}

		if finishReason != "" {
			deltaCh <- service.StreamChunk{FinishReason: finishReason}
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if !errors.Is(err, errStreamIdle) {
			return nil, fmt.Errorf("stream read: %w", err)
		}
		// a stalled stream that already produced output is worth keeping;
		// one that produced nothing is a failure
		if content.Len() == 0 && len(partials) == 0 {
			return nil, fmt.Errorf("stream stalled: no data for %v", streamIdleLimit)
		}
		p.logger.Warn("stream stalled mid-response, returning partial output",
			zap.Duration("idle_limit", streamIdleLimit))
	}

	resp := &service.LLMResponse{
		Content:      content.String(),
		ModelUsed:    model,
		TokensUsed:   usage.TotalTokens,
		PromptTokens: usage.PromptTokens,
		CachedTokens: usage.cachedTokens(),
		Cost:         usage.Cost,
		FinishReason: finishReason,
	}

	for i := 0; i < len(partials); i++ {
		acc := partials[i]
		var args map[string]interface{}
		if s := acc.args.String(); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				p.logger.Warn("dropping tool call with unparseable streamed arguments",
					zap.String("tool", acc.name), zap.Error(err))
				continue
			}
		}
		id := acc.id
		if id == "" {
			// a few endpoints omit the id on streamed deltas; every call
			// needs one unique within its assistant message, so mint it
			id = "call_" + uuid.NewString()
			p.logger.Warn("stream omitted tool_call id, generated one",
				zap.String("tool", acc.name))
		}
		tc := entity.ToolCall{ToolID: id, ToolName: acc.name, Parameters: args}
		resp.ToolCalls = append(resp.ToolCalls, tc)
		deltaCh <- service.StreamChunk{DeltaToolCall: &tc}
	}

	return resp, nil
}

// errStreamIdle marks a read that sat idle past the limit.
var errStreamIdle = errors.New("stream read idle limit exceeded")

// idleReader fails a Read that blocks longer than limit. The underlying
// read keeps running in its goroutine; its result is discarded.
type idleReader struct {
	r     io.Reader
	limit time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := ir.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(ir.limit):
		return 0, errStreamIdle
	}
}
