package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a session or one-shot request failed. The session
// orchestrator switches on it to choose the diagnostic and close code.
type ErrorKind int

const (
	KindUnexpected ErrorKind = iota
	KindOriginRejected
	KindAudioTimeout
	KindTranscription
	KindInference
	KindSynthesis
	KindClientDisconnected
)

var kindNames = map[ErrorKind]string{
	KindUnexpected:         "unexpected",
	KindOriginRejected:     "origin_rejected",
	KindAudioTimeout:       "audio_timeout",
	KindTranscription:      "transcription",
	KindInference:          "inference",
	KindSynthesis:          "synthesis",
	KindClientDisconnected: "client_disconnected",
}

// String returns the snake_case name used in logs, metrics and diagnostics.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failure of one pipeline stage.
type Error struct {
	Kind  ErrorKind
	Stage string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s failed (%s)", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError returns an *Error for the given kind and stage.
func NewError(kind ErrorKind, stage string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Cause: cause}
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindUnexpected when there is none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnexpected
}
