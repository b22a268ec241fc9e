package anyllm

import (
	"context"
	"errors"
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/docvox/pkg/provider/llm"
)

// stubBackend is a canned any-llm backend.
type stubBackend struct {
	anyllmlib.Provider // nil; only Completion is called

	resp   *anyllmlib.ChatCompletion
	err    error
	params anyllmlib.CompletionParams
}

func (s *stubBackend) Completion(_ context.Context, params anyllmlib.CompletionParams) (*anyllmlib.ChatCompletion, error) {
	s.params = params
	return s.resp, s.err
}

func reply(content string) *anyllmlib.ChatCompletion {
	return &anyllmlib.ChatCompletion{
		Choices: []anyllmlib.Choice{{
			FinishReason: "stop",
			Message:      anyllmlib.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage: &anyllmlib.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
	}
}

func diagnosisRequest() llm.CompletionRequest {
	return llm.CompletionRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a careful physician."},
		{Role: llm.RoleUser, Parts: []llm.ContentPart{
			llm.TextPart("Look at this mole."),
			llm.ImagePart("data:image/jpeg;base64,/9j/"),
		}},
	}}
}

func TestComplete(t *testing.T) {
	stub := &stubBackend{resp: reply("  Likely a benign nevus.\n")}
	p := &Provider{backend: stub, name: "anthropic", model: "claude-sonnet-4-5"}

	resp, err := p.Complete(context.Background(), diagnosisRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Likely a benign nevus." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 52 {
		t.Errorf("total tokens = %d, want 52", resp.Usage.TotalTokens)
	}
	if stub.params.Model != "claude-sonnet-4-5" || len(stub.params.Messages) != 2 {
		t.Errorf("params = %+v", stub.params)
	}
}

func TestComplete_Failures(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name string
		stub *stubBackend
		want error
	}{
		{"backend error", &stubBackend{err: boom}, boom},
		{"no choices", &stubBackend{resp: &anyllmlib.ChatCompletion{}}, llm.ErrNoChoices},
		{"blank reply", &stubBackend{resp: reply("   ")}, llm.ErrEmptyReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Provider{backend: tt.stub, name: "ollama", model: "llava"}
			_, err := p.Complete(context.Background(), diagnosisRequest())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConvertMessage_Plain(t *testing.T) {
	got, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "I feel dizzy."})
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != "user" || got.ContentString() != "I feel dizzy." {
		t.Errorf("got %+v", got)
	}
}

func TestConvertMessage_WithImage(t *testing.T) {
	got, err := convertMessage(diagnosisRequest().Messages[1])
	if err != nil {
		t.Fatal(err)
	}
	parts, ok := got.Content.([]anyllmlib.ContentPart)
	if !ok {
		t.Fatalf("content is %T, want []ContentPart", got.Content)
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if parts[0].Type != "text" || parts[0].Text != "Look at this mole." {
		t.Errorf("part 0 = %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/jpeg;base64,/9j/" {
		t.Errorf("part 1 = %+v", parts[1])
	}
}

func TestConvertMessage_UnknownPart(t *testing.T) {
	msg := llm.Message{Role: llm.RoleUser, Parts: []llm.ContentPart{{Type: "audio"}}}
	if _, err := convertMessage(msg); err == nil {
		t.Fatal("expected error for unknown part type")
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "llama-4-scout"}
	temp := 0.7
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "llama-4-scout" {
		t.Errorf("model = %q", params.Model)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens = %v, want 512", params.MaxTokens)
	}

	params, err = p.buildParams(llm.CompletionRequest{Model: "override", Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "override" || params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("params = %+v, want override model and unset sampling", params)
	}

	zero := 0.0
	params, err = p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}, Temperature: &zero})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("temperature = %v, want an explicit 0", params.Temperature)
	}

	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		backend, model string
		vision         bool
		context        int
	}{
		{"groq", "meta-llama/llama-4-scout-17b-16e-instruct", true, 131_072},
		{"openai", "GPT-4O", true, 128_000},
		{"openai", "gpt-4", false, 8_192},
		{"openai", "o3-mini", false, 200_000},
		{"anthropic", "claude-sonnet-4-5", true, 200_000},
		{"anthropic", "claude-2.1", false, 200_000},
		{"gemini", "gemini-1.5-pro", true, 2_097_152},
		{"gemini", "gemini-2.0-flash", true, 1_048_576},
		{"mistral", "pixtral-12b-2409", true, 128_000},
		{"mistral", "open-mistral-nemo", false, 128_000},
		{"deepseek", "deepseek-chat", false, 64_000},
		{"ollama", "llava:13b", true, 8_192},
		{"ollama", "qwen2.5vl:7b", true, 8_192},
		{"llamacpp", "phi-3-mini", false, 8_192},
		{"openai", "my-custom-model", false, 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.backend+"/"+tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.backend, tt.model)
			if caps.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.vision)
			}
			if caps.ContextWindow != tt.context {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.context)
			}
			if caps.MaxOutputTokens <= 0 {
				t.Error("expected positive MaxOutputTokens")
			}
		})
	}
}

func TestBackends(t *testing.T) {
	names := Backends()
	if !slices.IsSorted(names) {
		t.Errorf("Backends() not sorted: %v", names)
	}
	for _, want := range []string{"anthropic", "gemini", "ollama", "llamacpp"} {
		if !slices.Contains(names, want) {
			t.Errorf("Backends() missing %q", want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name, backend, model string
	}{
		{"empty backend", "", "claude-sonnet-4-5"},
		{"empty model", "anthropic", ""},
		{"unknown backend", "fakecloud", "some-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.backend, tt.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New("anthropic", "claude-sonnet-4-5"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		backend, model string
		opts           []anyllmlib.Option
	}{
		{"Anthropic", "claude-sonnet-4-5", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"groq", "llama-4-scout", []anyllmlib.Option{anyllmlib.WithAPIKey("gsk-test")}},
		{"ollama", "llava", nil},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Capabilities().ContextWindow <= 0 {
				t.Error("expected positive context window")
			}
		})
	}
}
