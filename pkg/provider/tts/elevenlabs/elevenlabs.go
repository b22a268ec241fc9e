// Package elevenlabs speaks the diagnosis through the ElevenLabs stream-input
// WebSocket API.
//
// Each Stream call opens one socket, authenticates with the xi-api-key header,
// sends a begin-of-input frame with voice settings, one frame per paragraph
// and an end-of-input frame. Audio frames are decoded and handed out as they
// arrive, so playback can start before the whole text is rendered.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/docvox/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"

	streamBuffer = 64
	readLimit    = 4 << 20
)

// chunkSchedule is how many characters ElevenLabs buffers before rendering
// each successive chunk. A small first value gets audio to the patient sooner.
var chunkSchedule = []int{50, 120, 160, 290}

var _ tts.Provider = (*Provider)(nil)

// Provider streams speech from ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	settings     VoiceSettings
}

// VoiceSettings tunes how the voice renders. Zero fields use the defaults
// from New.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio format ("mp3_44100_128", "pcm_24000", ...).
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURL overrides the WebSocket base URL.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(base, "/") }
}

// WithVoiceSettings overrides stability and similarity boost. Values outside
// (0, 1] are ignored.
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		if stability > 0 && stability <= 1 {
			p.settings.Stability = stability
		}
		if similarity > 0 && similarity <= 1 {
			p.settings.SimilarityBoost = similarity
		}
	}
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		settings:     VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type generationConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

// inputFrame is every client message. The first carries settings, the last
// has empty text and closes the input.
type inputFrame struct {
	Text             string            `json:"text"`
	VoiceSettings    *VoiceSettings    `json:"voice_settings,omitempty"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

type outputFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stream implements tts.Provider.
func (p *Provider) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if req.Voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	paragraphs := paragraphs(req.Text)
	if len(paragraphs) == 0 {
		return nil, tts.ErrEmptyText
	}
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(req.Voice.ID, model), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": {p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := p.sendInput(ctx, conn, paragraphs, req.Voice.SpeedFactor); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send text")
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := tts.NewChanStream(sctx, streamBuffer, cancel)
	go receive(sctx, conn, s)
	return s, nil
}

func (p *Provider) sendInput(ctx context.Context, conn *websocket.Conn, paragraphs []string, speed float64) error {
	settings := p.settings
	settings.Speed = speed

	frames := make([]inputFrame, 0, len(paragraphs)+2)
	frames = append(frames, inputFrame{
		Text:             " ",
		VoiceSettings:    &settings,
		GenerationConfig: &generationConfig{ChunkLengthSchedule: chunkSchedule},
	})
	for _, para := range paragraphs {
		// Trailing space marks the paragraph as complete words.
		frames = append(frames, inputFrame{Text: para + " "})
	}
	frames = append(frames, inputFrame{})

	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// receive forwards decoded audio until the final frame, a normal close, or
// the end of ctx.
func receive(ctx context.Context, conn *websocket.Conn, s *tts.ChanStream) {
	defer close(s.C)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, msg, err := conn.Read(ctx)
		switch {
		case err == nil:
		case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
			return
		case ctx.Err() != nil:
			s.Fail(ctx.Err())
			return
		default:
			s.Fail(fmt.Errorf("elevenlabs: read: %w", err))
			return
		}

		audio, final, err := decodeFrame(msg)
		if err != nil {
			s.Fail(err)
			return
		}
		if len(audio) > 0 {
			select {
			case s.C <- audio:
			case <-ctx.Done():
				s.Fail(ctx.Err())
				return
			}
		}
		if final {
			return
		}
	}
}

// decodeFrame parses one server message. Messages that are not JSON or carry
// no audio yield nil audio; messages with an error field yield an error.
func decodeFrame(msg []byte) (audio []byte, final bool, err error) {
	var f outputFrame
	if json.Unmarshal(msg, &f) != nil {
		return nil, false, nil
	}
	if f.Error != "" {
		detail := f.Message
		if detail == "" {
			detail = f.Error
		}
		return nil, false, fmt.Errorf("elevenlabs: server error: %s", detail)
	}
	if f.Audio == "" {
		return nil, f.IsFinal, nil
	}
	audio, err = base64.StdEncoding.DecodeString(f.Audio)
	if err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode audio: %w", err)
	}
	return audio, f.IsFinal, nil
}

func (p *Provider) streamURL(voiceID, model string) string {
	q := url.Values{"model_id": {model}, "output_format": {p.outputFormat}}
	return p.baseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// paragraphs returns the non-empty lines of text, trimmed.
func paragraphs(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
