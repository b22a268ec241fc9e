package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// keys satisfies the api_key requirement of the default providers.
var keys = map[string]string{
	"GROQ_API_KEY":       "gsk_test",
	"ELEVENLABS_API_KEY": "el_test",
}

func load(t *testing.T, doc string, environ map[string]string) (*Config, error) {
	t.Helper()
	return LoadFromReader(strings.NewReader(doc), WithEnvironment(environ))
}

func TestLoadFromReader_EmptyDocumentYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, "", keys)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	s := cfg.Server
	if s.ListenAddr != ":8000" || s.LogLevel != LogInfo {
		t.Errorf("server = %+v", s)
	}
	if s.AudioTimeout != 10*time.Second || s.ImageTimeout != 2*time.Second {
		t.Errorf("timeouts = %v/%v, want 10s/2s", s.AudioTimeout, s.ImageTimeout)
	}
	if s.MaxConcurrentCalls != 64 || s.MaxMessageBytes != 32<<20 {
		t.Errorf("limits = %d/%d", s.MaxConcurrentCalls, s.MaxMessageBytes)
	}
	p := cfg.Providers
	if p.STT.Name != "groq" || p.STT.Model != "whisper-large-v3" {
		t.Errorf("stt = %+v", p.STT)
	}
	if p.LLM.Name != "groq" || p.LLM.Model != DefaultLLMModel {
		t.Errorf("llm = %+v", p.LLM)
	}
	if p.TTS.Name != "elevenlabs" || p.TTS.APIKey != "el_test" {
		t.Errorf("tts = %+v", p.TTS)
	}
	if d := cfg.Diagnosis; d.Temperature == nil || *d.Temperature != DefaultTemperature || d.MaxTokens != DefaultMaxTokens {
		t.Errorf("diagnosis = %+v, want temperature %v and max tokens %d", d, DefaultTemperature, DefaultMaxTokens)
	}
	if cfg.Voice.VoiceID != DefaultVoiceID {
		t.Errorf("voice = %q, want the Aria default", cfg.Voice.VoiceID)
	}
	if p.STT.APIKey != "gsk_test" || p.LLM.APIKey != "gsk_test" {
		t.Error("groq key not applied to both stages")
	}
	if cfg.Oneshot.ClipTTL != 10*time.Minute || cfg.Telemetry.ServiceName != "docvox" {
		t.Errorf("oneshot/telemetry = %+v/%+v", cfg.Oneshot, cfg.Telemetry)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()

	doc := `
server:
  listen_addr: ":9443"
  log_level: debug
  tls:
    cert_file: /etc/docvox/cert.pem
    key_file: /etc/docvox/key.pem
  allowed_origins: ["https://clinic.example"]
  audio_timeout: 15s
  image_timeout: 500ms
  max_concurrent_calls: 8
  status_events: true
providers:
  stt:
    name: deepgram
    api_key: dg
    model: nova-3
    options:
      language: de
  llm:
    name: openai
    api_key: sk
    model: gpt-4o
  tts:
    name: polly
    options:
      region: eu-central-1
  llm_fallbacks:
    - name: anthropic
      api_key: ant
      model: claude-sonnet-4-5
diagnosis:
  temperature: 0
  max_tokens: 400
voice:
  voice_id: Vicki
oneshot:
  clip_ttl: 1m
resilience:
  max_failures: 3
  reset_timeout: 1m
telemetry:
  sample_ratio: 0.1
`
	cfg, err := load(t, doc, map[string]string{})
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/docvox/cert.pem" {
		t.Errorf("tls = %+v", cfg.Server.TLS)
	}
	if cfg.Server.ImageTimeout != 500*time.Millisecond || !cfg.Server.StatusEvents {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Providers.STT.Option("language"); got != "de" {
		t.Errorf("stt language = %q", got)
	}
	if got := cfg.Providers.TTS.Option("missing"); got != "" {
		t.Errorf("missing option = %q", got)
	}
	if d := cfg.Diagnosis; d.Temperature == nil || *d.Temperature != 0 || d.MaxTokens != 400 {
		t.Errorf("diagnosis = %+v, want an explicit zero temperature and 400 tokens", d)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("llm fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Resilience.ResetTimeout != time.Minute || cfg.Oneshot.ClipTTL != time.Minute {
		t.Errorf("durations = %v/%v", cfg.Resilience.ResetTimeout, cfg.Oneshot.ClipTTL)
	}
	if cfg.Telemetry.SampleRatio != 0.1 {
		t.Errorf("sample ratio = %v", cfg.Telemetry.SampleRatio)
	}
}

func TestLoadFromReader_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown top-level key", "patients: []\n", "schema"},
		{"unknown nested key", "server:\n  port: 80\n", "schema"},
		{"bad log level", "server:\n  log_level: verbose\n", "schema"},
		{"bad duration", "server:\n  audio_timeout: soon\n", "schema"},
		{"tls missing key", "server:\n  tls:\n    cert_file: a.pem\n", "schema"},
		{"temperature range", "diagnosis:\n  temperature: 3\n", "schema"},
		{"fallback without name", "providers:\n  tts_fallbacks:\n    - model: x\n", "schema"},
		{"missing api key", "providers:\n  stt:\n    name: deepgram\n", "requires an api_key"},
		{"whisper without url", "providers:\n  stt:\n    name: whisper\n", "base_url"},
		{"empty origin", "server:\n  allowed_origins: [\" \"]\n", "allowed_origins[0]"},
		{"malformed yaml", "server: [", "decode yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tt.doc, keys)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromReader_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, "providers:\n  tts:\n    name: my-custom-voice\n", keys)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.TTS.Name != "my-custom-voice" {
		t.Errorf("tts = %+v", cfg.Providers.TTS)
	}
}

func TestValidate_JoinsAllProblems(t *testing.T) {
	t.Parallel()

	temp := -1.0
	cfg := &Config{Server: ServerConfig{LogLevel: "loud", TLS: &TLSConfig{}}, Diagnosis: DiagnosisConfig{Temperature: &temp}}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"log_level", "tls", "temperature", "providers.stt.name", "providers.llm.name", "providers.tts.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err is missing %q:\n%v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "docvox.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, WithEnvironment(keys))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}
