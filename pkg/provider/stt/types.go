package stt

import "time"

// Result is the outcome of one transcription call.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the language the backend detected or used. May be empty.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio as reported by the
	// backend. Zero when unknown.
	Duration time.Duration
}
