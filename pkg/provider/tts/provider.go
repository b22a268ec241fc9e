// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, OpenAI, Amazon
// Polly, ...) and presents a uniform pull-based stream of encoded audio
// chunks. Callers iterate the stream with Next/Chunk and forward each chunk as
// soon as it arrives, which keeps time-to-first-audio low. Callers that need
// the complete artifact use [Synthesize].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrEmptyText is returned when a synthesis request carries no text.
var ErrEmptyText = errors.New("tts: text must not be empty")

// VoiceProfile selects the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero means provider default.
	SpeedFactor float64
}

// Request is a single synthesis job.
type Request struct {
	Text  string
	Voice VoiceProfile

	// Model overrides the provider's configured model when non-empty.
	Model string
}

// Stream is a sequence of encoded audio chunks produced by a provider.
//
// Typical use:
//
//	defer s.Close()
//	for s.Next() {
//	    send(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	// Next advances to the next chunk. It returns false when the stream is
	// exhausted or failed; Err distinguishes the two.
	Next() bool

	// Chunk returns the current chunk. The slice is owned by the caller.
	Chunk() []byte

	// Err returns the first error encountered, or nil on clean exhaustion.
	Err() error

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Stream starts synthesising req.Text. A non-nil error means the stream
	// could not be started; failures after that surface through Stream.Err.
	// Cancelling ctx aborts the stream.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Synthesize runs a full synthesis through p and returns the concatenated
// audio artifact.
func Synthesize(ctx context.Context, p Provider, req Request) ([]byte, error) {
	s, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(s)
}

// Collect drains s into one buffer and closes it.
func Collect(s Stream) ([]byte, error) {
	defer s.Close()
	var buf bytes.Buffer
	for s.Next() {
		buf.Write(s.Chunk())
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("tts: collect: %w", err)
	}
	return buf.Bytes(), nil
}
