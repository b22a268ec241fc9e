package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/pkg/provider/tts"
)

// Synthesizer speaks the diagnosis with the configured voice.
type Synthesizer struct {
	Provider tts.Provider
	Voice    tts.VoiceProfile
	Model    string

	// Name labels metrics (e.g. "elevenlabs"). Optional.
	Name    string
	Metrics *observe.Metrics
}

// Stream starts synthesis and returns a lazy, single-pass chunk stream.
// Mid-stream failures surface through the returned stream's Err as *Error
// with KindSynthesis.
func (s *Synthesizer) Stream(ctx context.Context, text string) (tts.Stream, error) {
	if s == nil || s.Provider == nil {
		return nil, NewError(KindSynthesis, StageSynthesizing, errors.New("no synthesis provider configured"))
	}
	start := time.Now()
	st, err := s.Provider.Stream(ctx, tts.Request{Text: text, Voice: s.Voice, Model: s.Model})
	if err != nil {
		s.record(ctx, time.Since(start), err)
		return nil, NewError(KindSynthesis, StageSynthesizing, err)
	}
	return &trackedStream{Stream: st, s: s, ctx: ctx, start: start}, nil
}

// Synthesize returns the complete audio artifact. Errors carry
// KindSynthesis.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	st, err := s.Stream(ctx, text)
	if err != nil {
		return nil, err
	}
	return tts.Collect(st)
}

func (s *Synthesizer) record(ctx context.Context, d time.Duration, err error) {
	if s.Metrics != nil {
		s.Metrics.RecordStage(ctx, observe.KindTTS, s.Name, d, err)
	}
}

// trackedStream wraps provider errors in *Error and records the total stream
// duration once it is exhausted or closed.
type trackedStream struct {
	tts.Stream
	s     *Synthesizer
	ctx   context.Context
	start time.Time
	done  bool
}

func (t *trackedStream) Next() bool {
	if t.Stream.Next() {
		return true
	}
	t.finish()
	return false
}

func (t *trackedStream) Err() error {
	if err := t.Stream.Err(); err != nil {
		return NewError(KindSynthesis, StageStreaming, err)
	}
	return nil
}

func (t *trackedStream) Close() error {
	t.finish()
	return t.Stream.Close()
}

func (t *trackedStream) finish() {
	if t.done {
		return
	}
	t.done = true
	t.s.record(t.ctx, time.Since(t.start), t.Stream.Err())
}
