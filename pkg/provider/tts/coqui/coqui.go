// Package coqui provides a local Coqui TTS-backed provider that talks to
// either a Coqui XTTS v2 server or a standard Coqui TTS server via REST.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): GET /api/tts with URL query parameters
//     (ghcr.io/coqui-ai/tts-cpu).
//   - APIModeXTTS: POST /tts_to_audio/ with a JSON body (XTTS v2 API server).
//
// Both servers synthesise one utterance per HTTP call, so Stream splits the
// text into sentences and keeps a few requests in flight. The output is a
// single streaming WAV: the first chunk carries a RIFF header with an open
// length, every later chunk is raw PCM in sentence order.
//
//	p, _ := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	s, err := p.Stream(ctx, tts.Request{Text: diagnosis})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/docvox/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	ttsEndpoint     = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"

	// sentenceLookahead bounds the synthesis requests in flight at once.
	sentenceLookahead = 4
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	APIModeXTTS     APIMode = "xtts"
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// Provider implements tts.Provider backed by a locally-running Coqui server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// xttsBody is the JSON body sent to POST /tts_to_audio/.
type xttsBody struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

type wavResult struct {
	wav []byte
	err error
}

// Stream implements tts.Provider.
func (p *Provider) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	sentences := splitSentences(req.Text)
	if len(sentences) == 0 {
		return nil, tts.ErrEmptyText
	}

	sctx, cancel := context.WithCancel(ctx)
	s := tts.NewChanStream(sctx, len(sentences)+1, cancel)

	results := make([]chan wavResult, len(sentences))
	for i := range results {
		results[i] = make(chan wavResult, 1)
	}

	g, gctx := errgroup.WithContext(sctx)
	g.SetLimit(sentenceLookahead)
	go func() {
		for i, sentence := range sentences {
			g.Go(func() error {
				wav, err := p.synthesize(gctx, sentence, req.Voice)
				results[i] <- wavResult{wav: wav, err: err}
				return err
			})
		}
		_ = g.Wait()
	}()

	go func() {
		defer close(s.C)
		for i, ch := range results {
			var r wavResult
			select {
			case r = <-ch:
			case <-sctx.Done():
				s.Fail(sctx.Err())
				return
			}
			if r.err != nil {
				s.Fail(r.err)
				return
			}
			info, err := parseWAV(r.wav)
			if err != nil {
				s.Fail(err)
				return
			}
			chunk := r.wav[info.DataOffset:]
			if i == 0 {
				chunk = append(openEndedHeader(r.wav[:info.DataOffset]), chunk...)
			}
			select {
			case s.C <- chunk:
			case <-sctx.Done():
				s.Fail(sctx.Err())
				return
			}
		}
	}()
	return s, nil
}

// synthesize renders one sentence to a complete WAV file.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	build := p.standardRequest
	if p.apiMode == APIModeXTTS {
		build = p.xttsRequest
	}
	req, err := build(ctx, sentence, voice)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("coqui: %s %s returned status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// standardRequest targets GET /api/tts of the stock Coqui server. The voice ID
// selects a speaker of a multi-speaker model.
func (p *Provider) standardRequest(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Request, error) {
	q := url.Values{"text": {sentence}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
}

// xttsRequest targets POST /tts_to_audio/ of the XTTS v2 API server. The voice
// ID names the reference speaker WAV the server clones.
func (p *Provider) xttsRequest(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Request, error) {
	body, err := json.Marshal(xttsBody{Text: sentence, SpeakerWav: voice.ID, Language: p.language})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
