package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// LLMErrorKind buckets a provider failure by how the runtime should treat
// it: only Transient failures are worth handing to another provider; the
// rest end the turn and let the user decide.
type LLMErrorKind int

const (
	ErrKindTransient LLMErrorKind = iota // timeout, 5xx, rate limit
	ErrKindAuth                          // bad or missing API key
	ErrKindBadRequest                    // malformed request, unknown model
	ErrKindOverflow                      // context window exceeded
	ErrKindCancelled                     // caller cancelled
)

func (k LLMErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindAuth:
		return "auth"
	case ErrKindBadRequest:
		return "bad_request"
	case ErrKindOverflow:
		return "overflow"
	case ErrKindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Retryable reports whether another provider may succeed where this one
// failed. Auth, bad-request, and overflow failures would fail identically
// everywhere; cancellation must not be retried at all.
func (k LLMErrorKind) Retryable() bool {
	return k == ErrKindTransient
}

// LLMError wraps a provider failure with its classification plus the
// provider and model it came from, for logging and failover decisions.
type LLMError struct {
	Kind     LLMErrorKind
	Provider string
	Model    string
	Cause    error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("%s (%s, model %s): %v", e.Kind, e.Provider, e.Model, e.Cause)
}

func (e *LLMError) Unwrap() error { return e.Cause }

// Retryable reports whether failing over to another provider makes sense.
func (e *LLMError) Retryable() bool { return e.Kind.Retryable() }

// classifier rules, checked in order. First substring match wins; anything
// unmatched is treated as transient so failover stays the default.
var llmErrorRules = []struct {
	kind     LLMErrorKind
	patterns []string
}{
	{ErrKindOverflow, []string{
		"context length exceeded",
		"maximum context length",
		"request_too_large",
		"prompt is too long",
		"exceeds model context window",
		"context overflow",
	}},
	{ErrKindAuth, []string{
		"unauthorized",
		"invalid api key",
		"authentication",
		"permission denied",
		"401", "403",
	}},
	{ErrKindBadRequest, []string{
		"bad request",
		"invalid argument",
		"model not found",
		"invalid_request",
		"400",
	}},
}

// ClassifyError wraps err in an LLMError, deriving the kind from the
// context state and the provider's error text. An already-classified
// error passes through unchanged.
func ClassifyError(err error, provider, model string) *LLMError {
	if err == nil {
		return nil
	}
	var classified *LLMError
	if errors.As(err, &classified) {
		return classified
	}

	kind := ErrKindTransient
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindCancelled
	} else {
		msg := strings.ToLower(err.Error())
	rules:
		for _, rule := range llmErrorRules {
			for _, p := range rule.patterns {
				if strings.Contains(msg, p) {
					kind = rule.kind
					break rules
				}
			}
		}
	}

	return &LLMError{Kind: kind, Provider: provider, Model: model, Cause: err}
}
