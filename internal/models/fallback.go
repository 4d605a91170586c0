package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ModelCandidate is one provider/model pair in a fallback chain.
type ModelCandidate struct {
	Provider string
	Model    string
}

// String renders the candidate as "provider/model".
func (c ModelCandidate) String() string { return ModelKey(c.Provider, c.Model) }

// FallbackAttempt records one failed candidate.
type FallbackAttempt struct {
	Provider string
	Model    string
	Error    string
	Reason   string
}

// FallbackResult carries the successful result plus the attempt history
// that preceded it.
type FallbackResult[T any] struct {
	Result   T
	Provider string
	Model    string
	Attempts []FallbackAttempt
}

// FallbackConfig declares a fallback chain: the primary pair first, then
// each "provider/model" entry in order. An optional allowlist restricts
// which candidates may run.
type FallbackConfig struct {
	PrimaryProvider string
	PrimaryModel    string
	Fallbacks       []string
	AllowedModels   map[string]bool
}

// RunFunc is the operation executed per candidate.
type RunFunc[T any] func(ctx context.Context, provider, model string) (T, error)

// OnErrorFunc observes each failed attempt.
type OnErrorFunc func(provider, model string, err error, attempt, total int)

// Failure reasons attached to FailoverError.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonAuthError   = "auth_error"
	ReasonTimeout     = "timeout"
	ReasonServerError = "server_error"
	ReasonBilling     = "billing"
	ReasonUnavailable = "model_unavailable"
	ReasonAbort       = "abort"
	ReasonUnknown     = "unknown"
)

// ErrAborted marks a caller-initiated abort; it never triggers fallback.
var ErrAborted = errors.New("operation aborted")

// FailoverError marks an error as fallback-worthy and records which
// candidate produced it.
type FailoverError struct {
	Err      error
	Provider string
	Model    string
	Reason   string
}

// Error implements the error interface.
func (e *FailoverError) Error() string {
	msg := fmt.Sprintf("[%s] %s/%s", e.Reason, e.Provider, e.Model)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error.
func (e *FailoverError) Unwrap() error { return e.Err }

func (e *FailoverError) isAbort() bool { return e.Reason == ReasonAbort }

// IsFailoverError reports whether err warrants trying the next candidate.
func IsFailoverError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FailoverError
	if errors.As(err, &fe) {
		return !fe.isAbort()
	}
	return false
}

// IsAbortError reports whether err is a caller abort that must not be
// retried anywhere.
func IsAbortError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return true
	}
	var fe *FailoverError
	return errors.As(err, &fe) && fe.isAbort()
}

// IsTimeoutError reports whether err is a deadline overrun.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *FailoverError
	if errors.As(err, &fe) {
		return fe.Reason == ReasonTimeout
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// CoerceToFailoverError wraps err as a FailoverError for the candidate,
// preserving an existing one.
func CoerceToFailoverError(err error, provider, model string) *FailoverError {
	if err == nil {
		return nil
	}
	var existing *FailoverError
	if errors.As(err, &existing) {
		if existing.Provider == "" {
			existing.Provider = provider
		}
		if existing.Model == "" {
			existing.Model = model
		}
		return existing
	}
	return &FailoverError{
		Err:      err,
		Provider: provider,
		Model:    model,
		Reason:   classifyReason(err),
	}
}

// classifyReason infers a failure reason from error content; the wrapped
// SDK errors carry no shared structure to inspect instead.
func classifyReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return ReasonAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return ReasonAuthError
	case strings.Contains(msg, "billing") || strings.Contains(msg, "quota") || strings.Contains(msg, "402"):
		return ReasonBilling
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unavailable"):
		return ReasonUnavailable
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "server error"):
		return ReasonServerError
	}
	return ReasonUnknown
}

// ModelKey builds the canonical "provider/model" key.
func ModelKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// BuildFallbackCandidates expands a config into the ordered candidate
// list: primary first, then each parsed fallback entry, deduplicated.
func BuildFallbackCandidates(config *FallbackConfig) []ModelCandidate {
	if config == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []ModelCandidate
	add := func(provider, model string) {
		if provider == "" {
			return
		}
		key := ModelKey(provider, model)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ModelCandidate{Provider: provider, Model: model})
	}

	add(config.PrimaryProvider, config.PrimaryModel)
	for _, entry := range config.Fallbacks {
		provider, model, ok := strings.Cut(entry, "/")
		if !ok {
			continue
		}
		add(strings.TrimSpace(provider), strings.TrimSpace(model))
	}
	return out
}

// RunWithModelFallback executes run against each candidate until one
// succeeds. Only fallback-worthy errors advance the chain; aborts and
// structural failures return immediately.
func RunWithModelFallback[T any](ctx context.Context, config *FallbackConfig, run RunFunc[T], onError OnErrorFunc) (*FallbackResult[T], error) {
	candidates := BuildFallbackCandidates(config)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no model candidates configured")
	}
	if len(config.AllowedModels) > 0 {
		filtered := candidates[:0]
		for _, c := range candidates {
			if config.AllowedModels[c.String()] {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("no allowed model candidates available")
		}
		candidates = filtered
	}

	var attempts []FallbackAttempt
	total := len(candidates)
	for i, candidate := range candidates {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ErrAborted
			}
			return nil, ctx.Err()
		}

		result, err := run(ctx, candidate.Provider, candidate.Model)
		if err == nil {
			return &FallbackResult[T]{
				Result:   result,
				Provider: candidate.Provider,
				Model:    candidate.Model,
				Attempts: attempts,
			}, nil
		}

		fe := CoerceToFailoverError(err, candidate.Provider, candidate.Model)
		attempts = append(attempts, FallbackAttempt{
			Provider: candidate.Provider,
			Model:    candidate.Model,
			Error:    err.Error(),
			Reason:   fe.Reason,
		})
		if onError != nil {
			onError(candidate.Provider, candidate.Model, err, i+1, total)
		}

		if IsAbortError(err) && !IsTimeoutError(err) {
			return nil, err
		}
		if i == len(candidates)-1 {
			break
		}
		if !IsFailoverError(err) {
			return nil, err
		}
	}

	var tried []string
	for _, a := range attempts {
		tried = append(tried, fmt.Sprintf("%s/%s (%s)", a.Provider, a.Model, a.Reason))
	}
	return nil, fmt.Errorf("all model candidates failed: %s", strings.Join(tried, ", "))
}
