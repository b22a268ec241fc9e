package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// overlay is the environment view of the configuration. Set variables win
// over the file.
type overlay struct {
	ListenAddr     string   `env:"DOCVOX_LISTEN_ADDR"`
	LogLevel       string   `env:"DOCVOX_LOG_LEVEL"`
	AllowedOrigins []string `env:"DOCVOX_ALLOWED_ORIGINS" envSeparator:","`

	Keys apiKeys
}

// apiKeys fill empty api_key fields by provider name.
type apiKeys struct {
	Groq       string `env:"GROQ_API_KEY"`
	OpenAI     string `env:"OPENAI_API_KEY"`
	ElevenLabs string `env:"ELEVENLABS_API_KEY"`
	Deepgram   string `env:"DEEPGRAM_API_KEY"`
	Anthropic  string `env:"ANTHROPIC_API_KEY"`
	Gemini     string `env:"GEMINI_API_KEY"`
	Mistral    string `env:"MISTRAL_API_KEY"`
	DeepSeek   string `env:"DEEPSEEK_API_KEY"`
}

func (k apiKeys) forProvider(name string) string {
	switch name {
	case "groq":
		return k.Groq
	case "openai":
		return k.OpenAI
	case "elevenlabs":
		return k.ElevenLabs
	case "deepgram":
		return k.Deepgram
	case "anthropic":
		return k.Anthropic
	case "gemini":
		return k.Gemini
	case "mistral":
		return k.Mistral
	case "deepseek":
		return k.DeepSeek
	}
	return ""
}

func apiKeyEnv(name string) string {
	return strings.ToUpper(name) + "_API_KEY"
}

func readOverlay(environ map[string]string) (overlay, error) {
	var o overlay
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return o, fmt.Errorf("config: environment: %w", err)
	}
	return o, nil
}

func applyEnv(cfg *Config, environ map[string]string) error {
	o, err := readOverlay(environ)
	if err != nil {
		return err
	}
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(o.LogLevel))
	}
	if len(o.AllowedOrigins) > 0 {
		origins := make([]string, 0, len(o.AllowedOrigins))
		for _, s := range o.AllowedOrigins {
			if s = strings.TrimSpace(s); s != "" {
				origins = append(origins, s)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
	return nil
}

func fillAPIKeys(cfg *Config, environ map[string]string) error {
	o, err := readOverlay(environ)
	if err != nil {
		return err
	}
	fill := func(e *ProviderEntry) {
		if e.APIKey == "" {
			e.APIKey = o.Keys.forProvider(e.Name)
		}
	}
	p := &cfg.Providers
	fill(&p.STT)
	fill(&p.LLM)
	fill(&p.TTS)
	for _, list := range [][]ProviderEntry{p.STTFallbacks, p.LLMFallbacks, p.TTSFallbacks} {
		for i := range list {
			fill(&list[i])
		}
	}
	return nil
}
