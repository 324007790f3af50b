package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
)

// InputMode controls what prior context a layer receives.
type InputMode string

const (
	InputLast    InputMode = "last"    // only the newest user message
	InputAll     InputMode = "all"     // the full conversation so far
	InputSummary InputMode = "summary" // a locally-synthesized summary of prior turns
)

// LayerSpec configures one layer of the pipeline: its own system prompt, an
// allowed-tools subset, and how much prior context it sees. AllowedTools
// filters the tool list a layer request carries; the pipeline holds no tool
// definitions of its own, so every layer request is sent with no tools.
type LayerSpec struct {
	Name         string
	SystemPrompt string
	AllowedTools []string
	Input        InputMode
}

// LayerResult is one layer invocation's outcome.
type LayerResult struct {
	LayerName string
	Content   string
	Usage     Usage
}

// LayerPipeline is the Layered Orchestrator: on the first
// user turn of a fresh session it routes the input through a configurable
// sequence of layers before the main Loop starts. Subsequent turns bypass
// it entirely.
type LayerPipeline struct {
	layers []LayerSpec
	model  ModelClient
	ledger *Ledger

	ran bool // sticky: the pipeline only ever fires once per session
}

// NewLayerPipeline creates a pipeline over the given layer specs, in the
// order they should run. An empty spec list makes Run a no-op.
func NewLayerPipeline(layers []LayerSpec, model ModelClient, ledger *Ledger) *LayerPipeline {
	return &LayerPipeline{layers: layers, model: model, ledger: ledger}
}

// Run executes the configured layers in sequence for the first user turn.
// Each layer's output becomes the next layer's input: in every mode it is
// sent as the newest user message, after whatever prior context that
// layer's mode selects from priorMessages (layer outputs are never added to
// that context). It returns every layer's result in order plus the final
// layer's content, which the caller feeds into the main Loop as the
// effective first user message. Calling Run after the first time is a
// no-op returning (nil, "", false).
func (p *LayerPipeline) Run(ctx context.Context, priorMessages []*entity.Message, firstUserMessage string) ([]LayerResult, string, bool) {
	if p.ran || len(p.layers) == 0 {
		return nil, "", false
	}
	p.ran = true

	results := make([]LayerResult, 0, len(p.layers))
	effective := firstUserMessage
	history := append([]*entity.Message(nil), priorMessages...)

	for _, layer := range p.layers {
		start := time.Now()
		msgs := p.buildInput(layer, history, effective)

		resp, err := p.model.Complete(ctx, ModelRequest{
			Messages: msgs,
			Tools:    filterToolDefs(nil, layer.AllowedTools),
		})
		elapsed := time.Since(start)
		if err != nil {
			// A failing layer does not abort the pipeline: its output is
			// simply empty and the next layer (or the main loop) proceeds
			// with whatever came before.
			results = append(results, LayerResult{LayerName: layer.Name})
			continue
		}

		usage := resp.Usage
		usage.LatencyMS = elapsed.Milliseconds()
		p.ledger.RecordLayerInvocation(LayerUsage{
			LayerName: layer.Name,
			Tokens:    usage.PromptTokens + usage.CompletionTokens,
			Cost:      usage.Cost,
			ElapsedMS: elapsed.Milliseconds(),
		})

		results = append(results, LayerResult{LayerName: layer.Name, Content: resp.Content, Usage: usage})
		effective = resp.Content
	}

	return results, effective, true
}

func (p *LayerPipeline) buildInput(layer LayerSpec, history []*entity.Message, effective string) []*entity.Message {
	var msgs []*entity.Message
	if layer.SystemPrompt != "" {
		sys, err := entity.NewMessage(entity.RoleSystem, layer.SystemPrompt, entity.Now())
		if err == nil {
			msgs = append(msgs, sys)
		}
	}

	switch layer.Input {
	case InputAll:
		msgs = append(msgs, history...)
	case InputSummary:
		if len(history) > 0 {
			summary := RuleBasedSummarizer{}.Summarize(history)
			if summary != "" {
				s, err := entity.NewMessage(entity.RoleAssistant, summary, entity.Now())
				if err == nil {
					msgs = append(msgs, s)
				}
			}
		}
	case InputLast, "":
		// no prior context beyond the effective message itself
	}

	msgs = append(msgs, mustUserMessage(effective))
	return msgs
}

// CommandLayer invokes a single named layer ad-hoc (e.g. "/run estimate")
// without recording its effects into conversation history: only the
// ledger's usage counters are updated.
func (p *LayerPipeline) CommandLayer(ctx context.Context, name string, input string) (string, error) {
	for _, layer := range p.layers {
		if layer.Name != name {
			continue
		}
		start := time.Now()
		msgs := p.buildInput(layer, nil, input)
		resp, err := p.model.Complete(ctx, ModelRequest{Messages: msgs, Tools: filterToolDefs(nil, layer.AllowedTools)})
		elapsed := time.Since(start)
		if err != nil {
			return "", fmt.Errorf("conversation: command layer %q: %w", name, err)
		}
		p.ledger.RecordLayerInvocation(LayerUsage{
			LayerName: name,
			Tokens:    resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
			Cost:      resp.Usage.Cost,
			ElapsedMS: elapsed.Milliseconds(),
		})
		return resp.Content, nil
	}
	return "", fmt.Errorf("conversation: unknown command layer %q", name)
}

// ParseCommandLayer recognizes the "/run <name> <input>" ad-hoc invocation
// syntax, returning ok=false for anything else.
func ParseCommandLayer(text string) (name, input string, ok bool) {
	if !strings.HasPrefix(text, "/run ") {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, "/run "))
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}

func filterToolDefs(all []domaintool.Definition, allow []string) []domaintool.Definition {
	if len(allow) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[a] = true
	}
	out := make([]domaintool.Definition, 0, len(all))
	for _, d := range all {
		if allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}
