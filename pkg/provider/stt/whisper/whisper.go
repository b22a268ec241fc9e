// Package whisper transcribes patient speech with a self-hosted whisper.cpp
// server (the whisper-server binary, POST /inference).
//
// The provider asks for verbose_json so the result carries the detected
// language, the audio duration and a confidence score derived from the
// per-segment log probabilities.
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("auto"),
//	    whisper.WithPrompt("dermatitis, psoriasis, eczema"),
//	)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/docvox/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second

	// maxErrorBody caps how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

var _ stt.Provider = (*Provider)(nil)

// Provider talks to one whisper.cpp server.
type Provider struct {
	endpoint string
	model    string
	language string
	prompt   string
	client   *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel names the model the server should use ("base.en", "small", ...).
// Empty keeps whatever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default spoken language. "auto" lets whisper detect it.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithPrompt seeds the decoder with vocabulary it should expect, which helps
// with medical terms whisper otherwise misspells.
func WithPrompt(prompt string) Option {
	return func(p *Provider) { p.prompt = prompt }
}

// WithHTTPClient replaces the default client, which times out after 60s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		endpoint: strings.TrimRight(serverURL, "/") + "/inference",
		language: defaultLanguage,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// verboseResponse is the subset of whisper.cpp's verbose_json we read.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
	Error string `json:"error"`
}

// Transcribe implements stt.Provider. A non-empty req.Model or req.Language
// wins over the provider defaults.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, stt.ErrEmptyAudio
	}

	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        firstNonEmpty(req.Language, p.language),
		"model":           firstNonEmpty(req.Model, p.model),
		"prompt":          p.prompt,
	}
	body, contentType, err := encodeForm(req.Audio, req.FilenameOrDefault(), fields)
	if err != nil {
		return nil, fmt.Errorf("whisper: encode form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, serverMessage(snippet))
	}

	var out verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("whisper: decode response: %w", err)
	}
	// whisper-server answers some failures with 200 and an error field.
	if out.Error != "" {
		return nil, fmt.Errorf("whisper: server error: %s", out.Error)
	}

	return &stt.Result{
		Text:       strings.TrimSpace(out.Text),
		Language:   firstNonEmpty(out.Language, fields["language"]),
		Confidence: out.confidence(),
		Duration:   time.Duration(out.Duration * float64(time.Second)),
	}, nil
}

// confidence is the mean per-segment token probability, or 0 without segments.
func (r verboseResponse) confidence() float64 {
	if len(r.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Segments {
		sum += math.Exp(s.AvgLogprob)
	}
	return math.Min(1, sum/float64(len(r.Segments)))
}

// serverMessage extracts {"error": "..."} bodies and falls back to raw text.
func serverMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// encodeForm builds the multipart upload. Empty field values are omitted so the
// server keeps its own defaults.
func encodeForm(audio []byte, filename string, fields map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, "", err
	}
	for _, key := range []string{"response_format", "language", "model", "prompt"} {
		if v := fields[key]; v != "" {
			if err := mw.WriteField(key, v); err != nil {
				return nil, "", fmt.Errorf("field %s: %w", key, err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
