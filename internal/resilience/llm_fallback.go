package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/docvox/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] failing over across inference backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	neutral := cfg.CircuitBreaker.Neutral
	if neutral == nil {
		neutral = IsCallerGone
	}
	cfg.CircuitBreaker.Neutral = func(err error) bool {
		return errors.Is(err, llm.ErrVisionUnsupported) || neutral(err)
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Complete sends req to the first healthy backend. A request carrying an image
// skips backends that cannot see.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	vision := req.HasImage()
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		if vision && !p.Capabilities().SupportsVision {
			return nil, llm.ErrVisionUnsupported
		}
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
