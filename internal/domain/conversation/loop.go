package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/entity"
	"github.com/agentrelay/agentrelay/internal/domain/service"
	domaintool "github.com/agentrelay/agentrelay/internal/domain/tool"
	"go.uber.org/zap"
)

// ModelRequest is what the Loop sends to the model provider for one
// exchange. Messages are a fresh projection of the Store's current
// sequence; the provider-specific wire format is assembled downstream.
type ModelRequest struct {
	Messages    []*entity.Message
	Tools       []domaintool.Definition
	Model       string
	Temperature float64
}

// ModelResponse is one exchange's result from the provider-agnostic
// model interface.
type ModelResponse struct {
	Content      string
	ToolCalls    []entity.ToolCall
	FinishReason string
	Usage        Usage
}

// ModelClient is the provider-agnostic seam the Loop calls through.
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// DispatchOutcome is one tool-call batch's result: results for every call
// that was actually answered, in the original call order, plus the
// tool_call_ids that produced no tool message — Declined for large outputs
// the user refused (those calls survived the allow-list and ran), Dropped
// for calls the role's allow-list filtered out before dispatch. The Loop
// removes both sets from the assistant message so no orphan tool-use id
// reaches the next request, but only Results+Declined count as executed.
type DispatchOutcome struct {
	Results  []entity.ToolResult
	Declined []string
	Dropped  []string
	Elapsed  time.Duration
}

// Dispatcher routes one tool-call batch to its providers.
// Implemented in the infrastructure tool layer against the Tool Registry,
// Subprocess Manager, and Error Tracker.
type Dispatcher interface {
	Dispatch(ctx context.Context, calls []entity.ToolCall, role string) (*DispatchOutcome, error)

	// ToolDefinitions returns the tool schemas a role's model request should
	// advertise: every built-in and external-server tool the role's policy
	// permits, namespaced by server where collisions are possible.
	ToolDefinitions(ctx context.Context, role string) []domaintool.Definition
}

// LoopConfig holds the Loop's tunables, all sourced from the configuration
// surface.
type LoopConfig struct {
	Model                     string
	Temperature               float64
	Role                      string
	MaxSessionSpendingThreshold float64

	// ConfirmSpending is asked once the ledger's total cost crosses
	// MaxSessionSpendingThreshold before the next model request. A nil
	// callback always continues (no threshold configured).
	ConfirmSpending func(snapshot Snapshot) bool
}

// Loop is the Conversation Loop: the central coordinator
// driving model call → tool dispatch → result append → cache/truncation →
// model call, until finish_reason says stop or the user cancels.
type Loop struct {
	store      *Store
	cache      *CacheManager
	ledger     *Ledger
	errs       *ErrorTracker
	truncator  *Truncator
	model      ModelClient
	dispatcher Dispatcher
	config     LoopConfig
	logger     *zap.Logger
	state      *service.TurnTracker
}

// NewLoop wires the five conversation collaborators plus the model and
// dispatch seams into a Loop ready to run turns.
func NewLoop(store *Store, cache *CacheManager, ledger *Ledger, errs *ErrorTracker, truncator *Truncator, model ModelClient, dispatcher Dispatcher, config LoopConfig, logger *zap.Logger) *Loop {
	return &Loop{
		store:      store,
		cache:      cache,
		ledger:     ledger,
		errs:       errs,
		truncator:  truncator,
		model:      model,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		state:      service.NewTurnTracker(logger),
	}
}

// State exposes the Loop's turn tracker, primarily for a CLI or session-log
// observer that wants richer status than LoopEvents alone carry.
func (l *Loop) State() *service.TurnTracker {
	return l.state
}

// Store exposes the Loop's Message Store, primarily so a session-log
// Recorder or CLI renderer can read back the turn's final messages.
func (l *Loop) Store() *Store {
	return l.store
}

// Ledger exposes the Loop's Cost & Timing Ledger for report generation.
func (l *Loop) Ledger() *Ledger {
	return l.ledger
}

// Run drives one full conversation turn starting from a fresh user message,
// through as many model/tool round-trips as finish_reason demands, emitting
// LoopEvents for an observer (CLI renderer, session log writer) to consume.
// The caller must drain the returned channel until it closes; the turn's
// final assistant message is read back from the Store afterward.
func (l *Loop) Run(ctx context.Context, userMessage string) <-chan entity.LoopEvent {
	events := make(chan entity.LoopEvent, 64)
	ctx = service.WithTraceID(ctx, "")
	l.state = service.NewTurnTracker(l.logger)

	go func() {
		defer close(events)
		traceID := service.TraceIDFromContext(ctx)
		l.logger.Debug("turn started", zap.String("trace_id", traceID))

		if err := l.state.Advance(service.PhaseAwaitingModel); err != nil {
			l.logger.Warn("phase advance failed", zap.Error(err))
		}

		if _, err := l.runTurn(ctx, userMessage, events); err != nil {
			_ = l.state.Advance(service.PhaseFailed)
			l.emit(events, entity.LoopEvent{Type: entity.EventError, Error: err.Error()})
			return
		}
		if ctx.Err() != nil {
			_ = l.state.Advance(service.PhaseCancelled)
		} else {
			_ = l.state.Advance(service.PhaseDone)
		}
		l.emit(events, entity.LoopEvent{Type: entity.EventDone})
	}()

	return events
}

func (l *Loop) runTurn(ctx context.Context, userMessage string, events chan<- entity.LoopEvent) (*entity.Message, error) {
	if _, err := l.store.AppendUser(userMessage); err != nil {
		return nil, fmt.Errorf("conversation: append user message: %w", err)
	}
	if _, err := l.cache.AfterUserMessage(); err != nil {
		l.logger.Warn("cache auto-advance failed", zap.Error(err))
	}

	// batch is nil on the first iteration: the first model request carries
	// no pending tool calls to execute beforehand; a batch only ever
	// arrives from a prior model response, which does not exist yet for a
	// fresh user turn.
	var pendingCalls []entity.ToolCall

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil
		}

		if len(pendingCalls) > 0 {
			_ = l.state.Advance(service.PhaseExecutingTools)
			if err := l.executeBatch(ctx, pendingCalls, events); err != nil {
				return nil, err
			}
			_ = l.state.Advance(service.PhaseAwaitingModel)
			if rebuilt, err := l.truncator.Run(); err == nil && rebuilt {
				l.cache.Resync()
				l.emit(events, entity.LoopEvent{Type: entity.EventTruncated})
			}
		}

		if l.config.ConfirmSpending != nil {
			snap := l.ledger.Snapshot()
			if l.config.MaxSessionSpendingThreshold > 0 && snap.TotalCost >= l.config.MaxSessionSpendingThreshold {
				if !l.config.ConfirmSpending(snap) {
					return nil, nil
				}
			}
		}

		tools := l.dispatcher.ToolDefinitions(ctx, l.config.Role)

		l.emit(events, entity.LoopEvent{Type: entity.EventModelCallStart})
		start := time.Now()
		resp, err := l.model.Complete(ctx, ModelRequest{
			Messages:    l.store.Messages(),
			Tools:       tools,
			Model:       l.config.Model,
			Temperature: l.config.Temperature,
		})
		latency := time.Since(start)
		if err != nil && service.IsContextOverflowError(err) {
			l.logger.Warn("context overflow, forcing truncation and retrying once")
			if rebuilt, truncErr := l.truncator.Run(); truncErr == nil {
				if rebuilt {
					l.cache.Resync()
					l.emit(events, entity.LoopEvent{Type: entity.EventTruncated})
				}
				start = time.Now()
				resp, err = l.model.Complete(ctx, ModelRequest{
					Messages:    l.store.Messages(),
					Tools:       tools,
					Model:       l.config.Model,
					Temperature: l.config.Temperature,
				})
				latency = time.Since(start)
			}
		}
		if err != nil {
			l.emit(events, entity.LoopEvent{Type: entity.EventError, Error: err.Error()})
			return nil, fmt.Errorf("conversation: model call: %w", err)
		}
		resp.Usage.LatencyMS = latency.Milliseconds()
		l.ledger.RecordExchange(resp.Usage)
		l.state.RecordExchange(l.config.Model, resp.Usage.PromptTokens+resp.Usage.CompletionTokens)
		l.emit(events, entity.LoopEvent{Type: entity.EventModelCallDone})

		if len(resp.ToolCalls) == 0 {
			final, err := l.store.AppendAssistant(resp.Content)
			if err != nil {
				return nil, err
			}
			return final, nil
		}

		if _, err := l.store.AppendAssistantWithToolCalls(resp.Content, resp.ToolCalls); err != nil {
			return nil, err
		}

		switch resp.FinishReason {
		case "tool_calls", "tool_use":
			pendingCalls = resp.ToolCalls
		case "stop", "length", "end_turn":
			return l.store.Messages()[l.store.Len()-1], nil
		default:
			pendingCalls = resp.ToolCalls
		}
	}
}

// executeBatch dispatches one tool-call batch and appends every outcome to
// the Store in call order, honoring the large-output decline path.
func (l *Loop) executeBatch(ctx context.Context, calls []entity.ToolCall, events chan<- entity.LoopEvent) error {
	for _, c := range calls {
		l.state.RecordToolRun(c.ToolName)
		l.emit(events, entity.LoopEvent{Type: entity.EventToolCallStart, ToolCall: &entity.ToolCallEvent{ID: c.ToolID, Name: c.ToolName, Arguments: c.Parameters}})
	}

	outcome, err := l.dispatcher.Dispatch(ctx, calls, l.config.Role)
	if err != nil {
		return fmt.Errorf("conversation: dispatch: %w", err)
	}

	// allow-list-dropped calls never executed, so they stay out of the
	// tool-call counter; declined large outputs did run before the user
	// refused them.
	l.ledger.RecordToolBatch(len(outcome.Results)+len(outcome.Declined), outcome.Elapsed)

	declined := make(map[string]bool, len(outcome.Declined)+len(outcome.Dropped))
	for _, id := range outcome.Declined {
		declined[id] = true
	}
	for _, id := range outcome.Dropped {
		declined[id] = true
	}

	// Per-tool-name success/failure accounting for loop detection happens
	// inside the Dispatcher: it is the only component
	// that observes a call's outcome at the moment of invocation, and it
	// already synthesizes the loop-detected ToolResult when the ceiling is
	// reached. l.errs is shared with the Dispatcher purely so the Loop can
	// inspect counts (e.g. for UI) without a second, divergent tally.
	for _, r := range outcome.Results {
		msg, err := l.store.AppendToolResult(r.ToolID, r.ToolName, r.Output)
		if err != nil {
			return fmt.Errorf("conversation: append tool result: %w", err)
		}
		if _, err := l.cache.AfterToolResult(l.store.Len() - 1); err != nil {
			l.logger.Warn("cache auto-advance failed", zap.Error(err))
		}
		_ = msg
		l.emit(events, entity.LoopEvent{Type: entity.EventToolCallDone, ToolCall: &entity.ToolCallEvent{ID: r.ToolID, Name: r.ToolName, Success: r.Success}})
	}

	for id := range declined {
		if err := l.store.DeclineToolResult(id); err != nil {
			l.logger.Warn("decline tool result failed", zap.String("tool_call_id", id), zap.Error(err))
		}
	}

	return nil
}

func (l *Loop) emit(events chan<- entity.LoopEvent, ev entity.LoopEvent) {
	ev.Timestamp = time.Now()
	select {
	case events <- ev:
	default:
	}
}

func newSummaryContext() context.Context {
	return context.Background()
}

func mustUserMessage(content string) *entity.Message {
	m, _ := entity.NewMessage(entity.RoleUser, content, entity.Now())
	return m
}
