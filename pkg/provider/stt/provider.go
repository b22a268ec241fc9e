// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (e.g., Groq or OpenAI
// Whisper, a local whisper.cpp server, or Deepgram's pre-recorded API) and
// exposes a single blocking call: hand over one complete utterance, get the
// transcript back. Retries, if any, belong inside the implementation's own
// HTTP client configuration; callers never retry.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by Transcribe when the request carries no audio
// bytes. Providers should reject empty input before contacting the backend.
var ErrEmptyAudio = errors.New("stt: audio must not be empty")

// Request describes one transcription call.
type Request struct {
	// Audio is the complete encoded utterance (WAV, WebM, MP3, ...). The
	// container format is passed through to the backend unchanged.
	Audio []byte

	// Model overrides the provider's configured model for this call. Empty
	// means use the provider default.
	Model string

	// Filename is the name reported to backends that need a multipart file
	// name to infer the container format. Defaults to "audio.wav".
	Filename string

	// Language is an optional ISO-639-1 / BCP-47 hint. Empty lets the backend
	// auto-detect.
	Language string
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple transcriptions may
// run simultaneously (one per realtime session).
type Provider interface {
	// Transcribe sends req.Audio to the backend and blocks until the final
	// transcript is available or ctx is cancelled.
	//
	// Returns ErrEmptyAudio for an empty request and a wrapped transport or
	// API error for every other failure.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// FilenameOrDefault returns req.Filename, falling back to "audio.wav".
func (r Request) FilenameOrDefault() string {
	if r.Filename == "" {
		return "audio.wav"
	}
	return r.Filename
}
