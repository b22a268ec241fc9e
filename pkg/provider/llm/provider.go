// Package llm defines the Provider interface for vision-capable Large Language
// Model backends.
//
// A provider wraps a remote or local chat-completion API (Groq, OpenAI,
// Anthropic, Gemini, a local Ollama instance, ...) and exposes a uniform
// request/response shape so the diagnosis pipeline can send a system prompt
// plus one multimodal user turn without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrNoChoices is returned when the backend answers without any completion
// choice.
var ErrNoChoices = errors.New("llm: empty choices in response")

// ErrVisionUnsupported is returned when an image is sent to a text-only model.
var ErrVisionUnsupported = errors.New("llm: model does not accept images")

// ErrRateLimited is returned when the backend refuses the request because a
// quota or rate limit was hit.
var ErrRateLimited = errors.New("llm: rate limited")

// ErrEmptyReply is returned when the backend answers with a choice that holds
// no text.
var ErrEmptyReply = errors.New("llm: empty reply")

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Model overrides the provider's configured model when non-empty.
	Model string

	// Messages is the ordered conversation. For a diagnosis this is exactly one
	// system message followed by one user message.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Nil
	// leaves the provider default in place; zero is sent as zero.
	Temperature *float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// HasImage reports whether any message carries an image part.
func (r CompletionRequest) HasImage() bool {
	for _, m := range r.Messages {
		if m.HasImage() {
			return true
		}
	}
	return false
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// FinishReason reports why generation stopped ("stop", "length", ...).
	FinishReason string

	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the configured model.
	Capabilities() ModelCapabilities
}
