// Package openai provides an LLM provider backed by the OpenAI chat-completion
// API or any OpenAI-compatible host (Groq, llama.cpp, vLLM, ...).
//
// Groq is the expected production host. Its vision models take the photo as a
// base64 data URL inside the user turn, which is exactly how the diagnosis
// pipeline builds its request.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/docvox/pkg/provider/llm"
)

// GroqBaseURL is the OpenAI-compatible endpoint exposed by Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

var _ llm.Provider = (*Provider)(nil)

// Provider sends diagnosis requests to a chat-completion endpoint.
type Provider struct {
	client oai.Client
	model  string
}

type settings struct {
	baseURL string
	timeout time.Duration
	extra   []option.RequestOption
}

// Option configures a Provider.
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible host such as
// [GroqBaseURL].
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithTimeout bounds every HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithRequestOptions appends raw openai-go request options.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(s *settings) { s.extra = append(s.extra, opts...) }
}

// New returns a Provider that uses model unless a request overrides it.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	reqOpts = append(reqOpts, s.extra...)

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err, req.HasImage())
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrNoChoices
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		if choice.Message.Refusal != "" {
			return nil, fmt.Errorf("openai: model refused: %s: %w", choice.Message.Refusal, llm.ErrEmptyReply)
		}
		return nil, fmt.Errorf("openai: finish reason %q: %w", choice.FinishReason, llm.ErrEmptyReply)
	}

	return &llm.CompletionResponse{
		Content:      text,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// classify maps an SDK error onto the llm sentinels the fallback layer
// understands. Errors without a recognisable status are wrapped unchanged.
func classify(err error, withImage bool) error {
	var apiErr *oai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai: chat completion: %w", err)
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("openai: %s: %w", apiErr.Message, llm.ErrRateLimited)
	case withImage && apiErr.StatusCode == http.StatusBadRequest && mentionsImage(apiErr.Message):
		return fmt.Errorf("openai: %s: %w", apiErr.Message, llm.ErrVisionUnsupported)
	default:
		return fmt.Errorf("openai: chat completion (status %d): %w", apiErr.StatusCode, err)
	}
}

func mentionsImage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "image") || strings.Contains(lower, "vision") || strings.Contains(lower, "multimodal")
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities knows the vision families served by Groq and OpenAI.
// Unknown models get conservative text-only limits.
func modelCapabilities(model string) llm.ModelCapabilities {
	name := strings.ToLower(model)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	switch {
	case strings.HasPrefix(name, "llama-4"):
		return llm.ModelCapabilities{ContextWindow: 131_072, MaxOutputTokens: 8_192, SupportsVision: true}
	case strings.Contains(name, "vision"):
		return llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 8_192, SupportsVision: true}
	case strings.HasPrefix(name, "gpt-4o"), strings.HasPrefix(name, "gpt-4.1"):
		return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsVision: true}
	case strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		return llm.ModelCapabilities{
			ContextWindow:   200_000,
			MaxOutputTokens: 100_000,
			SupportsVision:  !strings.HasSuffix(name, "-mini") || strings.HasPrefix(name, "o4"),
		}
	case strings.HasPrefix(name, "gpt-3.5"):
		return llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}
	default:
		return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
	}
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("request has no messages")
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for i, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("message %d: %w", i, err)
		}
		params.Messages = append(params.Messages, msg)
	}

	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessage maps one llm.Message onto the SDK union. Only the user turn
// may carry image parts.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	case llm.RoleUser:
		if !m.IsMultimodal() {
			return oai.UserMessage(m.Content), nil
		}
		parts, err := userParts(m.Parts)
		if err != nil {
			return oai.ChatCompletionMessageParamUnion{}, err
		}
		return oai.UserMessage(parts), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", m.Role)
}

func userParts(in []llm.ContentPart) ([]oai.ChatCompletionContentPartUnionParam, error) {
	out := make([]oai.ChatCompletionContentPartUnionParam, 0, len(in))
	for _, part := range in {
		switch part.Type {
		case llm.PartText:
			out = append(out, oai.TextContentPart(part.Text))
		case llm.PartImageURL:
			out = append(out, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: part.ImageURL,
			}))
		default:
			return nil, fmt.Errorf("unknown content part type %q", part.Type)
		}
	}
	return out, nil
}
