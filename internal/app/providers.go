package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/docvox/internal/config"
	"github.com/MrWong99/docvox/internal/resilience"
	"github.com/MrWong99/docvox/pkg/provider/llm"
	"github.com/MrWong99/docvox/pkg/provider/stt"
	"github.com/MrWong99/docvox/pkg/provider/tts"
)

// Providers holds the backend for each pipeline stage, built once at startup
// and shared read-only by every session.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Names label metrics and logs. With fallbacks configured they name the
	// primary.
	STTName string
	LLMName string
	TTSName string
}

// BuildProviders instantiates the configured backends through reg. A stage
// with fallbacks is wrapped in a resilience group with one circuit breaker per
// backend.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	}}
	p := cfg.Providers
	out := &Providers{STTName: p.STT.Name, LLMName: p.LLM.Name, TTSName: p.TTS.Name}

	sttP, err := reg.CreateSTT(p.STT)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if len(p.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(sttP, p.STT.Name, fb)
		for _, e := range p.STTFallbacks {
			alt, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("app: stt fallback: %w", err)
			}
			group.AddFallback(e.Name, alt)
		}
		sttP = group
	}
	out.STT = sttP

	llmP, err := reg.CreateLLM(p.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if len(p.LLMFallbacks) > 0 {
		group := resilience.NewLLMFallback(llmP, p.LLM.Name, fb)
		for _, e := range p.LLMFallbacks {
			alt, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("app: llm fallback: %w", err)
			}
			group.AddFallback(e.Name, alt)
		}
		llmP = group
	}
	out.LLM = llmP

	ttsP, err := reg.CreateTTS(p.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if len(p.TTSFallbacks) > 0 {
		group := resilience.NewTTSFallback(ttsP, p.TTS.Name, fb)
		for _, e := range p.TTSFallbacks {
			alt, err := reg.CreateTTS(e)
			if err != nil {
				return nil, fmt.Errorf("app: tts fallback: %w", err)
			}
			group.AddFallback(e.Name, alt)
		}
		ttsP = group
	}
	out.TTS = ttsP

	slog.Info("providers created",
		"stt", p.STT.Name, "stt_fallbacks", len(p.STTFallbacks),
		"llm", p.LLM.Name, "llm_fallbacks", len(p.LLMFallbacks),
		"tts", p.TTS.Name, "tts_fallbacks", len(p.TTSFallbacks),
	)
	return out, nil
}
