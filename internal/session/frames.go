package session

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/docvox/internal/pipeline"
)

// StatusAudioTimeout is the application close code sent when no audio
// arrives in time.
const StatusAudioTimeout websocket.StatusCode = 4408

// Close reasons.
const (
	reasonDone         = "done"
	reasonOrigin       = "Origin not allowed"
	reasonAudioTimeout = "Audio timeout"
	reasonInternal     = "Internal error"
	reasonShuttingDown = "Server shutting down"
)

// writeTimeout bounds every single frame write.
const writeTimeout = 10 * time.Second

// Diagnostic is the text frame sent before a failure close.
type Diagnostic struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is an optional progress frame: "status" on every stage entry,
// "transcript" and "diagnosis" once those texts exist.
type Event struct {
	Type  string `json:"type"`
	Stage string `json:"stage,omitempty"`
	Text  string `json:"text,omitempty"`
}

// closePlan is what the client sees for one outcome.
type closePlan struct {
	message string
	code    websocket.StatusCode
	reason  string
}

func planFor(kind pipeline.ErrorKind) closePlan {
	switch kind {
	case pipeline.KindOriginRejected:
		return closePlan{code: websocket.StatusPolicyViolation, reason: reasonOrigin}
	case pipeline.KindAudioTimeout:
		return closePlan{code: StatusAudioTimeout, reason: reasonAudioTimeout}
	case pipeline.KindTranscription:
		return closePlan{message: "Transcription failed", code: websocket.StatusInternalError, reason: "Transcription failed"}
	case pipeline.KindInference:
		return closePlan{message: "Diagnosis service unavailable", code: websocket.StatusInternalError, reason: "Diagnosis failed"}
	case pipeline.KindSynthesis:
		return closePlan{message: "Voice synthesis failed", code: websocket.StatusNormalClosure, reason: reasonDone}
	default:
		return closePlan{message: "Unexpected server error", code: websocket.StatusInternalError, reason: reasonInternal}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
