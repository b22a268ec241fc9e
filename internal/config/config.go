// Package config provides the configuration schema, loader, environment
// overlay, provider registry and hot-reload watcher for the docvox server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration document. Load it with [Load] or
// [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Diagnosis  DiagnosisConfig  `yaml:"diagnosis"`
	Voice      VoiceConfig      `yaml:"voice"`
	Oneshot    OneshotConfig    `yaml:"oneshot"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds the listener, origin policy and session limits.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on. Default ":8000".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists origin prefixes accepted by the session endpoint.
	// "*" allows all. Requests without an Origin header are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AudioTimeout bounds the wait for the audio frame. Default 10s.
	AudioTimeout time.Duration `yaml:"audio_timeout"`

	// ImageTimeout bounds the wait for the optional image frame. Default 2s.
	ImageTimeout time.Duration `yaml:"image_timeout"`

	// MaxMessageBytes caps a single inbound frame. Default 32 MiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// MaxConcurrentCalls bounds provider calls in flight. Default 64.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// StatusEvents sends a JSON status frame on every stage change.
	StatusEvents bool `yaml:"status_events"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the backend for each pipeline stage, plus optional
// ordered fallbacks.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry configures one backend. Name selects the factory in the
// [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds backend-specific values such as "language" or "region".
	Options map[string]any `yaml:"options"`
}

// Option returns Options[key] as a string, or "" when unset.
func (e ProviderEntry) Option(key string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return ""
}

// DiagnosisConfig tunes the inference request. Both generation settings are
// sent with every request.
type DiagnosisConfig struct {
	// SystemPrompt replaces the built-in doctor prompt when non-empty.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature defaults to DefaultTemperature when unset. An explicit 0
	// is kept.
	Temperature *float64 `yaml:"temperature"`

	// MaxTokens caps the answer length. Default DefaultMaxTokens.
	MaxTokens int `yaml:"max_tokens"`
}

// VoiceConfig selects the synthesis voice.
type VoiceConfig struct {
	VoiceID string `yaml:"voice_id"`
	Name    string `yaml:"name"`
}

// OneshotConfig configures POST /api/diagnosis.
type OneshotConfig struct {
	TempDir        string        `yaml:"temp_dir"`
	ClipTTL        time.Duration `yaml:"clip_ttl"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig names the service in exported telemetry and sets the
// trace sampling rate.
type TelemetryConfig struct {
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8000"
	DefaultAudioTimeout       = 10 * time.Second
	DefaultImageTimeout       = 2 * time.Second
	DefaultMaxMessageBytes    = 32 << 20
	DefaultMaxConcurrentCalls = 64
	DefaultClipTTL            = 10 * time.Minute

	DefaultSTTModel = "whisper-large-v3"
	DefaultLLMModel = "meta-llama/llama-4-scout-17b-16e-instruct"

	DefaultTemperature = 0.2
	DefaultMaxTokens   = 512

	// DefaultVoiceID is the ElevenLabs "Aria" voice.
	DefaultVoiceID = "9BWtsMINqrJLrRacOk9x"
)

// ApplyDefaults fills zero values. Providers default to Groq for transcription
// and inference and ElevenLabs for speech.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.AudioTimeout <= 0 {
		s.AudioTimeout = DefaultAudioTimeout
	}
	if s.ImageTimeout <= 0 {
		s.ImageTimeout = DefaultImageTimeout
	}
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if s.MaxConcurrentCalls <= 0 {
		s.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}

	p := &cfg.Providers
	if p.STT.Name == "" {
		p.STT.Name = "groq"
	}
	if p.STT.Model == "" && p.STT.Name == "groq" {
		p.STT.Model = DefaultSTTModel
	}
	if p.LLM.Name == "" {
		p.LLM.Name = "groq"
	}
	if p.LLM.Model == "" && p.LLM.Name == "groq" {
		p.LLM.Model = DefaultLLMModel
	}
	if p.TTS.Name == "" {
		p.TTS.Name = "elevenlabs"
	}

	if cfg.Diagnosis.Temperature == nil {
		temp := DefaultTemperature
		cfg.Diagnosis.Temperature = &temp
	}
	if cfg.Diagnosis.MaxTokens <= 0 {
		cfg.Diagnosis.MaxTokens = DefaultMaxTokens
	}

	if cfg.Voice.VoiceID == "" && p.TTS.Name == "elevenlabs" {
		cfg.Voice.VoiceID = DefaultVoiceID
	}
	if cfg.Oneshot.ClipTTL <= 0 {
		cfg.Oneshot.ClipTTL = DefaultClipTTL
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "docvox"
	}
}
