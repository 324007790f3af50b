package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/internal/domain/service"
	"go.uber.org/zap"
)

// Router implements service.LLMClient across the registered providers. A
// provider:model identifier pins the request to the named provider; a bare
// model name is offered to every provider in registration order. Failures
// classified as transient fall over to the next candidate; anything else
// (bad key, malformed request, overflow) stops immediately, since every
// provider would refuse it the same way.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	stats     map[string]*routeStats
	breakers  map[string]*CircuitBreaker
	logger    *zap.Logger
}

// routeStats is the per-provider call record surfaced by ListProviders.
type routeStats struct {
	calls       int64
	failures    int64
	lastLatency time.Duration
}

var _ service.LLMClient = (*Router)(nil)

// NewRouter creates an empty router; register providers with AddProvider.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		stats:    make(map[string]*routeStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

// AddProvider registers a provider. Registration order is the failover
// order for bare model names.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.stats[p.Name()] = &routeStats{}
	r.breakers[p.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("provider registered",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
	)
}

// candidates resolves the providers eligible for a model identifier, in
// the order they should be tried.
func (r *Router) candidates(ctx context.Context, model string) []Provider {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	var out []Provider
	for _, p := range providers {
		if !p.SupportsModel(model) {
			continue
		}
		if !p.IsAvailable(ctx) {
			r.logger.Debug("provider unavailable", zap.String("provider", p.Name()))
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Router) breaker(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Router) recordCall(name string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[name]; ok {
		s.calls++
		s.lastLatency = latency
		if failed {
			s.failures++
		}
	}
}

// Generate implements service.LLMClient.
func (r *Router) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return r.route(ctx, req, func(ctx context.Context, p Provider) (*service.LLMResponse, error) {
		return p.Generate(ctx, req)
	})
}

// GenerateStream implements service.LLMClient. Failover only applies until
// the first delta could have been emitted; a provider that fails after
// opening the stream surfaces its error directly.
func (r *Router) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return r.route(ctx, req, func(ctx context.Context, p Provider) (*service.LLMResponse, error) {
		return p.GenerateStream(ctx, req, deltaCh)
	})
}

func (r *Router) route(ctx context.Context, req *service.LLMRequest, call func(context.Context, Provider) (*service.LLMResponse, error)) (*service.LLMResponse, error) {
	candidates := r.candidates(ctx, req.Model)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no provider available for model %q", req.Model)
	}

	var lastErr error
	for _, p := range candidates {
		cb := r.breaker(p.Name())
		if cb != nil && !cb.Allow() {
			r.logger.Debug("provider circuit open", zap.String("provider", p.Name()))
			continue
		}

		start := time.Now()
		resp, err := call(ctx, p)
		latency := time.Since(start)
		r.recordCall(p.Name(), latency, err != nil)

		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			r.logger.Debug("provider answered",
				zap.String("provider", p.Name()),
				zap.Duration("latency", latency),
				zap.Int("tokens", resp.TokensUsed),
			)
			return resp, nil
		}

		if cb != nil {
			cb.RecordFailure()
		}
		classified := service.ClassifyError(err, p.Name(), req.Model)
		lastErr = classified
		if !classified.Retryable() {
			return nil, classified
		}
		r.logger.Warn("provider failed, trying next",
			zap.String("provider", p.Name()),
			zap.Duration("latency", latency),
			zap.String("kind", classified.Kind.String()),
			zap.Error(err),
		)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("no provider accepting calls for model %q", req.Model)
}

// ProviderStatus describes one registered provider for status commands.
type ProviderStatus struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	Available     bool     `json:"available"`
	TotalCalls    int64    `json:"total_calls"`
	FailureCount  int64    `json:"failure_count"`
	LastLatencyMs float64  `json:"last_latency_ms"`
	CircuitState  string   `json:"circuit_state"`
}

// ListProviders reports every registered provider with its call stats and
// breaker state.
func (r *Router) ListProviders(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ProviderStatus
	for _, p := range r.providers {
		ps := ProviderStatus{
			Name:      p.Name(),
			Models:    p.Models(),
			Available: p.IsAvailable(ctx),
		}
		if s, ok := r.stats[p.Name()]; ok {
			ps.TotalCalls = s.calls
			ps.FailureCount = s.failures
			ps.LastLatencyMs = float64(s.lastLatency) / float64(time.Millisecond)
		}
		if cb, ok := r.breakers[p.Name()]; ok {
			ps.CircuitState = cb.State().String()
		}
		out = append(out, ps)
	}
	return out
}
