package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("config.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// ValidProviderNames lists the backends docvox ships, per stage. [Validate]
// warns about other names, which may belong to factories registered by an
// embedding program.
var ValidProviderNames = map[string][]string{
	"stt": {"groq", "openai", "whisper", "deepgram"},
	"llm": {"groq", "openai", "anthropic", "gemini", "ollama", "mistral", "deepseek", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "openai", "polly", "coqui"},
}

// keyless backends run locally or authenticate through their own chain.
var keyless = []string{"whisper", "ollama", "llamacpp", "llamafile", "polly", "coqui"}

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	environ map[string]string
}

// WithEnvironment replaces the process environment as the source of the
// overlay. Tests use it to stay hermetic.
func WithEnvironment(environ map[string]string) LoadOption {
	return func(o *loadOptions) { o.environ = environ }
}

// Load reads the YAML file at path and returns a validated [Config].
func Load(path string, opts ...LoadOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes, overlays, defaults and validates a YAML document.
// An empty document yields the defaults.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, opts)
}

func parse(data []byte, opts []LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	if err := applyEnv(cfg, o.environ); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := fillAPIKeys(cfg, o.environ); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateSchema checks the raw document against the embedded JSON schema.
// YAML is round-tripped through JSON so the validator sees plain JSON types.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: normalise document: %w", err)
	}
	var normalised any
	if err := json.Unmarshal(raw, &normalised); err != nil {
		return fmt.Errorf("config: normalise document: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := s.Validate(normalised); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	return nil
}

// Validate checks semantic constraints the schema cannot express and returns
// every problem joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for i, o := range cfg.Server.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] is empty", i))
		}
	}
	if cfg.Server.AudioTimeout < 0 || cfg.Server.ImageTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if t := cfg.Diagnosis.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("diagnosis.temperature %.2f is out of range [0, 2]", *t))
	}

	p := cfg.Providers
	for _, g := range []struct {
		kind      string
		primary   ProviderEntry
		fallbacks []ProviderEntry
	}{
		{"stt", p.STT, p.STTFallbacks},
		{"llm", p.LLM, p.LLMFallbacks},
		{"tts", p.TTS, p.TTSFallbacks},
	} {
		errs = append(errs, validateEntry("providers."+g.kind, g.kind, g.primary)...)
		seen := map[string]bool{g.primary.Name: true}
		for i, fb := range g.fallbacks {
			errs = append(errs, validateEntry(fmt.Sprintf("providers.%s_fallbacks[%d]", g.kind, i), g.kind, fb)...)
			if seen[fb.Name] {
				slog.Warn("provider listed twice; breaker state is kept per entry", "kind", g.kind, "name", fb.Name)
			}
			seen[fb.Name] = true
		}
	}

	return errors.Join(errs...)
}

func validateEntry(path, kind string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", path)}
	}
	if !slices.Contains(ValidProviderNames[kind], e.Name) {
		slog.Warn("unknown provider name; may be a typo or a custom factory",
			"kind", kind,
			"name", e.Name,
			"known", ValidProviderNames[kind],
		)
		return nil
	}
	if e.APIKey == "" && !slices.Contains(keyless, e.Name) {
		return []error{fmt.Errorf("%s: %q requires an api_key (or %s)", path, e.Name, apiKeyEnv(e.Name))}
	}
	if e.Name == "whisper" && e.BaseURL == "" {
		return []error{fmt.Errorf("%s: whisper requires base_url", path)}
	}
	return nil
}
