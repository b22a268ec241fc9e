package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/pkg/provider/llm"
)

// DefaultSystemPrompt frames the model as a doctor answering a patient
// directly. Operators override it with diagnosis.system_prompt.
const DefaultSystemPrompt = `You are acting as a professional doctor for an educational demo.
Look at the image if one is provided and listen to what the patient describes.
If something looks medically wrong, name the most likely condition and suggest simple remedies.
Answer in one short spoken paragraph of at most two sentences, with no lists, numbers, markdown or special characters.
Speak to the patient directly ("With what I see, I think you have ...") and never mention that you are an AI.
Start your answer right away without preamble.`

// Diagnoser asks a vision-capable LLM about the patient's words and,
// optionally, their photo.
type Diagnoser struct {
	Provider     llm.Provider
	Model        string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int

	// Name labels metrics (e.g. "groq"). Optional.
	Name    string
	Metrics *observe.Metrics
}

// BuildMessages returns the system instruction plus one user turn. Without an
// image the user turn is plain text; with one it carries a text part and an
// image_url part holding a data URL.
func (d *Diagnoser) BuildMessages(query, encodedImage string) []llm.Message {
	system := d.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	if encodedImage == "" {
		return append(msgs, llm.Message{Role: llm.RoleUser, Content: query})
	}
	url := DataURL(DecodedImageMIME(encodedImage), encodedImage)
	return append(msgs, llm.Message{
		Role:  llm.RoleUser,
		Parts: []llm.ContentPart{llm.TextPart(query), llm.ImagePart(url)},
	})
}

// Diagnose runs one completion and returns the first choice's text. An empty
// encodedImage means "no image". Failures come back as *Error with
// KindInference.
func (d *Diagnoser) Diagnose(ctx context.Context, query, encodedImage string) (string, error) {
	if d == nil || d.Provider == nil {
		return "", NewError(KindInference, StageInferring, errors.New("no inference provider configured"))
	}
	if encodedImage != "" && !d.Provider.Capabilities().SupportsVision {
		slog.WarnContext(ctx, "inference model may not support images")
	}

	start := time.Now()
	resp, err := d.Provider.Complete(ctx, llm.CompletionRequest{
		Model:       d.Model,
		Messages:    d.BuildMessages(query, encodedImage),
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
	})
	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errors.New("model returned an empty answer")
	}
	d.record(ctx, elapsed, err)
	if err != nil {
		return "", NewError(KindInference, StageInferring, err)
	}
	slog.DebugContext(ctx, "inference complete",
		"with_image", encodedImage != "",
		"chars", len(resp.Content),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", elapsed,
	)
	return resp.Content, nil
}

func (d *Diagnoser) record(ctx context.Context, dur time.Duration, err error) {
	if d.Metrics != nil {
		d.Metrics.RecordStage(ctx, observe.KindLLM, d.Name, dur, err)
	}
}
