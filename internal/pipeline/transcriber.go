package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/pkg/provider/stt"
)

// Transcriber turns one utterance into text.
type Transcriber struct {
	Provider stt.Provider
	Model    string
	Language string

	// Name labels metrics (e.g. "groq"). Optional.
	Name    string
	Metrics *observe.Metrics
}

// Transcribe sends audio to the STT provider. It never retries. Failures
// come back as *Error with KindTranscription.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if t == nil || t.Provider == nil {
		return "", NewError(KindTranscription, StageTranscribing, errors.New("no transcription provider configured"))
	}
	start := time.Now()
	res, err := t.Provider.Transcribe(ctx, stt.Request{Audio: audio, Model: t.Model, Language: t.Language})
	elapsed := time.Since(start)
	t.record(ctx, elapsed, err)
	if err != nil {
		return "", NewError(KindTranscription, StageTranscribing, err)
	}
	slog.DebugContext(ctx, "transcription complete",
		"audio_bytes", len(audio),
		"chars", len(res.Text),
		"duration", elapsed,
	)
	return res.Text, nil
}

func (t *Transcriber) record(ctx context.Context, d time.Duration, err error) {
	if t.Metrics != nil {
		t.Metrics.RecordStage(ctx, observe.KindSTT, t.Name, d, err)
	}
}
