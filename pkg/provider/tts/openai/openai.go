// Package openai provides a TTS provider backed by the OpenAI /audio/speech
// endpoint. The response body is streamed back in fixed-size chunks as it
// arrives.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/docvox/pkg/provider/tts"
)

const (
	defaultModel  = "gpt-4o-mini-tts"
	defaultVoice  = "alloy"
	defaultFormat = "mp3"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client    oai.Client
	model     string
	format    string
	chunkSize int
}

type config struct {
	baseURL   string
	format    string
	chunkSize int
	opts      []option.RequestOption
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithResponseFormat selects the audio container ("mp3", "opus", "aac",
// "flac", "wav", "pcm"). Defaults to "mp3".
func WithResponseFormat(format string) Option {
	return func(c *config) { c.format = format }
}

// WithChunkSize sets the maximum size of streamed chunks.
func WithChunkSize(n int) Option {
	return func(c *config) { c.chunkSize = n }
}

// WithRequestOptions appends raw openai-go request options.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) { c.opts = append(c.opts, opts...) }
}

// New constructs a speech provider. model defaults to "gpt-4o-mini-tts".
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &config{format: defaultFormat}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	reqOpts = append(reqOpts, cfg.opts...)

	return &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		format:    cfg.format,
		chunkSize: cfg.chunkSize,
	}, nil
}

// Stream implements tts.Provider.
func (p *Provider) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = defaultVoice
	}

	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(p.format),
	}
	if req.Voice.SpeedFactor > 0 {
		params.Speed = oai.Float(req.Voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("openai tts: unexpected status %d", resp.StatusCode)
	}
	return tts.NewReaderStream(ctx, resp.Body, p.chunkSize), nil
}
