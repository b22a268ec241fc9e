// Package deepgram transcribes recorded utterances with Deepgram's
// pre-recorded REST API (POST /v1/listen).
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/MrWong99/docvox/pkg/provider/stt"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
	defaultTimeout   = 60 * time.Second

	// autoLanguage switches the request to Deepgram's language detection.
	autoLanguage = "auto"
)

// ErrNoTranscript is returned when Deepgram answers without any alternative.
var ErrNoTranscript = errors.New("deepgram: response contains no transcript")

var _ stt.Provider = (*Provider)(nil)

// Provider calls one Deepgram listen endpoint.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
	keyterms []string
	client   *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the Deepgram model ("nova-3", "nova-3-medical", ...).
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language ("en", "de-DE"). "auto" enables
// detection.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithKeyterms boosts recognition of domain vocabulary such as drug or
// condition names. Only nova-3 models honour it.
func WithKeyterms(terms ...string) Option {
	return func(p *Provider) { p.keyterms = append(p.keyterms, terms...) }
}

// WithEndpoint overrides the listen URL for self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient replaces the default client, which times out after 60s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads the whole utterance and returns the best alternative of
// the first channel.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	target, err := p.listenURL(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.Audio))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", contentType(req))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, data)
	}
	return parseResponse(data)
}

func (p *Provider) listenURL(req stt.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	if req.Model != "" {
		q.Set("model", req.Model)
	}
	lang := p.language
	if req.Language != "" {
		lang = req.Language
	}
	if lang == autoLanguage {
		q.Set("detect_language", "true")
	} else if lang != "" {
		q.Set("language", lang)
	}
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	for _, term := range p.keyterms {
		q.Add("keyterm", term)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// audioTypes maps the containers browsers and phones record to the MIME type
// Deepgram expects.
var audioTypes = map[string]string{
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
}

// contentType prefers the client's file extension and falls back to sniffing,
// which reports browser WebM/Opus recordings as video/webm.
func contentType(req stt.Request) string {
	if ct, ok := audioTypes[strings.ToLower(path.Ext(req.Filename))]; ok {
		return ct
	}
	return http.DetectContentType(req.Audio)
}

// apiError turns Deepgram's {"err_code", "err_msg"} body into an error.
func apiError(status int, body []byte) error {
	var e struct {
		Code    string `json:"err_code"`
		Message string `json:"err_msg"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return fmt.Errorf("deepgram: HTTP %d %s: %s", status, e.Code, e.Message)
	}
	return fmt.Errorf("deepgram: HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func parseResponse(data []byte) (*stt.Result, error) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return nil, ErrNoTranscript
	}
	ch := resp.Results.Channels[0]
	best := ch.Alternatives[0]
	return &stt.Result{
		Text:       strings.TrimSpace(best.Transcript),
		Language:   ch.DetectedLanguage,
		Confidence: best.Confidence,
		Duration:   time.Duration(resp.Metadata.Duration * float64(time.Second)),
	}, nil
}
