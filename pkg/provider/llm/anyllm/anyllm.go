// Package anyllm adapts github.com/mozilla-ai/any-llm-go to the llm.Provider
// interface, giving the diagnosis pipeline access to every chat backend that
// library supports (Anthropic, Gemini, Mistral, DeepSeek, local Ollama,
// llama.cpp and llamafile servers, ...) through one code path.
//
//	p, err := anyllm.New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey(key))
//
// When no API key option is given, each backend falls back to its usual
// environment variable (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/docvox/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps the provider names accepted by New onto any-llm constructors.
// The adapters below are needed because each constructor returns its own
// concrete type.
var backends = map[string]factory{
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Backends returns the sorted provider names New accepts.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider sends diagnosis requests through an any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New builds a Provider for the named backend (see [Backends]).
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(backendName)
	switch {
	case name == "":
		return nil, errors.New("anyllm: backend name must not be empty")
	case model == "":
		return nil, errors.New("anyllm: model must not be empty")
	}

	mk, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (have %s)", backendName, strings.Join(Backends(), ", "))
	}
	backend, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrNoChoices
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.ContentString())
	if text == "" {
		return nil, fmt.Errorf("anyllm: %s finish reason %q: %w", p.name, choice.FinishReason, llm.ErrEmptyReply)
	}

	out := &llm.CompletionResponse{Content: text, FinishReason: choice.FinishReason}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.name, p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	if len(req.Messages) == 0 {
		return anyllmlib.CompletionParams{}, errors.New("request has no messages")
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)),
	}
	if req.Model != "" {
		params.Model = req.Model
	}
	for i, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return anyllmlib.CompletionParams{}, fmt.Errorf("message %d: %w", i, err)
		}
		params.Messages = append(params.Messages, msg)
	}

	if req.Temperature != nil {
		temp := *req.Temperature
		params.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		limit := req.MaxTokens
		params.MaxTokens = &limit
	}
	return params, nil
}

// convertMessage keeps plain turns as strings and sends multimodal turns as
// OpenAI-style content parts, which any-llm translates per backend.
func convertMessage(m llm.Message) (anyllmlib.Message, error) {
	if !m.IsMultimodal() {
		return anyllmlib.Message{Role: m.Role, Content: m.Content}, nil
	}

	parts := make([]anyllmlib.ContentPart, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case llm.PartText:
			parts = append(parts, anyllmlib.ContentPart{Type: string(llm.PartText), Text: part.Text})
		case llm.PartImageURL:
			parts = append(parts, anyllmlib.ContentPart{
				Type:     string(llm.PartImageURL),
				ImageURL: &anyllmlib.ImageURL{URL: part.ImageURL},
			})
		default:
			return anyllmlib.Message{}, fmt.Errorf("unknown content part type %q", part.Type)
		}
	}
	return anyllmlib.Message{Role: m.Role, Content: parts}, nil
}

// localVisionFamilies are open-weight model families that accept images when
// served from Ollama or a llama.cpp-style server.
var localVisionFamilies = []string{"llava", "bakllava", "moondream", "gemma3", "qwen2.5vl", "qwen2-vl", "minicpm-v", "llama3.2-vision", "llama-4"}

// modelCapabilities estimates limits from the backend and the model name.
// Anything unrecognised is treated as text-only.
func modelCapabilities(backend, model string) llm.ModelCapabilities {
	name := strings.ToLower(model)
	caps := llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

	switch backend {
	case "anthropic":
		caps.ContextWindow, caps.MaxOutputTokens = 200_000, 8_192
		// Every Claude 3+ model accepts images; claude-2 and instant do not.
		caps.SupportsVision = !strings.HasPrefix(name, "claude-2") && !strings.HasPrefix(name, "claude-instant")
		return caps
	case "gemini":
		caps.ContextWindow, caps.MaxOutputTokens = 1_048_576, 8_192
		if strings.Contains(name, "1.5-pro") {
			caps.ContextWindow = 2_097_152
		}
		caps.SupportsVision = true
		return caps
	case "deepseek":
		caps.ContextWindow = 64_000
		return caps
	case "mistral":
		caps.SupportsVision = strings.HasPrefix(name, "pixtral") || strings.Contains(name, "mistral-small") || strings.Contains(name, "mistral-medium")
		return caps
	case "ollama", "llamacpp", "llamafile":
		caps.ContextWindow = 8_192
		for _, fam := range localVisionFamilies {
			if strings.Contains(name, fam) {
				caps.SupportsVision = true
				break
			}
		}
		return caps
	}

	// openai and groq share the hosted OpenAI-style model names.
	switch {
	case strings.Contains(name, "llama-4"):
		caps.ContextWindow, caps.MaxOutputTokens, caps.SupportsVision = 131_072, 8_192, true
	case strings.Contains(name, "vision"):
		caps.ContextWindow, caps.MaxOutputTokens, caps.SupportsVision = 8_192, 8_192, true
	case strings.HasPrefix(name, "gpt-4o"), strings.HasPrefix(name, "gpt-4.1"):
		caps.MaxOutputTokens, caps.SupportsVision = 16_384, true
	case strings.HasPrefix(name, "gpt-4-turbo"):
		caps.SupportsVision = true
	case strings.HasPrefix(name, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"):
		caps.ContextWindow, caps.MaxOutputTokens = 200_000, 100_000
		caps.SupportsVision = !strings.HasSuffix(name, "-mini")
	}
	return caps
}
