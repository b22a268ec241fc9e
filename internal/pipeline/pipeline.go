// Package pipeline holds the three provider-backed adapters of a diagnosis
// (transcription, multimodal inference, speech synthesis) and the typed
// errors they return.
//
// A [Pipeline] is assembled once at startup and shared read-only by every
// session and one-shot request.
package pipeline

// Stage names used in errors, diagnostics and logs.
const (
	StageTranscribing = "transcribing"
	StageInferring    = "inferring"
	StageSynthesizing = "synthesizing"
	StageStreaming    = "streaming"
)

// Pipeline bundles the adapters. Fields must not be mutated after startup.
type Pipeline struct {
	Transcriber *Transcriber
	Diagnoser   *Diagnoser
	Synthesizer *Synthesizer
}

// Ready reports whether every adapter has a provider.
func (p *Pipeline) Ready() bool {
	return p != nil &&
		p.Transcriber != nil && p.Transcriber.Provider != nil &&
		p.Diagnoser != nil && p.Diagnoser.Provider != nil &&
		p.Synthesizer != nil && p.Synthesizer.Provider != nil
}
