package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("upstream 503")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnexpected},
		{"plain", errors.New("x"), KindUnexpected},
		{"direct", NewError(KindInference, StageInferring, cause), KindInference},
		{"wrapped", fmt.Errorf("session: %w", NewError(KindTranscription, StageTranscribing, cause)), KindTranscription},
		{"joined", errors.Join(context.Canceled, NewError(KindSynthesis, StageStreaming, cause)), KindSynthesis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_UnwrapAndMessage(t *testing.T) {
	t.Parallel()

	err := NewError(KindTranscription, StageTranscribing, context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is did not reach the cause")
	}
	want := "transcribing failed (transcription): context deadline exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if got := NewError(KindAudioTimeout, "awaiting_audio", nil).Error(); got != "awaiting_audio failed (audio_timeout)" {
		t.Errorf("Error() without cause = %q", got)
	}
}

func TestErrorKind_String(t *testing.T) {
	t.Parallel()
	if KindClientDisconnected.String() != "client_disconnected" {
		t.Errorf("got %q", KindClientDisconnected.String())
	}
	if ErrorKind(99).String() != "kind(99)" {
		t.Errorf("got %q", ErrorKind(99).String())
	}
}
