// Package openai provides an STT provider backed by any OpenAI-compatible
// /audio/transcriptions endpoint. Groq is the default target; point the
// base URL at api.openai.com (or a local server) to use a different host.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/docvox/pkg/provider/stt"
)

const (
	// GroqBaseURL is the OpenAI-compatible endpoint exposed by Groq.
	GroqBaseURL = "https://api.groq.com/openai/v1"

	defaultModel = "whisper-large-v3"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
	opts    []option.RequestOption
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL. Defaults to [GroqBaseURL].
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithRequestOptions appends raw openai-go request options. Tests use this
// to inject an httptest server and disable retries.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) {
		c.opts = append(c.opts, opts...)
	}
}

// New constructs a transcription provider. model defaults to
// "whisper-large-v3" when empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{baseURL: GroqBaseURL}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	reqOpts = append(reqOpts, cfg.opts...)

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(req.Audio), req.FilenameOrDefault(), http.DetectContentType(req.Audio)),
		Model: oai.AudioModel(model),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return &stt.Result{Text: strings.TrimSpace(res.Text), Language: req.Language}, nil
}
