// Command docvox serves the voice and vision medical-assistant relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/docvox/internal/app"
	"github.com/MrWong99/docvox/internal/config"
	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/pkg/provider/llm"
	"github.com/MrWong99/docvox/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/docvox/pkg/provider/llm/openai"
	"github.com/MrWong99/docvox/pkg/provider/stt"
	"github.com/MrWong99/docvox/pkg/provider/stt/deepgram"
	sttopenai "github.com/MrWong99/docvox/pkg/provider/stt/openai"
	"github.com/MrWong99/docvox/pkg/provider/stt/whisper"
	"github.com/MrWong99/docvox/pkg/provider/tts"
	"github.com/MrWong99/docvox/pkg/provider/tts/coqui"
	"github.com/MrWong99/docvox/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/docvox/pkg/provider/tts/openai"
	"github.com/MrWong99/docvox/pkg/provider/tts/polly"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 0, "poll the config file at this interval and apply origin and log level changes (0 disables)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "docvox: config file %q not found; set at least GROQ_API_KEY and ELEVENLABS_API_KEY and pass -config\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "docvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("docvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}, prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level)}
	if *watch > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}
	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	// Run shuts the application down itself once ctx is cancelled.
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the factories for every backend that ships
// with docvox. Names must match config.ValidProviderNames.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────
	// groq and openai speak the same transcription API; groq only changes the
	// default base URL.
	for _, name := range []string{"groq", "openai"} {
		reg.RegisterSTT(name, func(entry config.ProviderEntry) (stt.Provider, error) {
			base := entry.BaseURL
			if base == "" && name == "groq" {
				base = sttopenai.GroqBaseURL
			}
			var opts []sttopenai.Option
			if base != "" {
				opts = append(opts, sttopenai.WithBaseURL(base))
			}
			if d := optDuration(entry, "timeout"); d > 0 {
				opts = append(opts, sttopenai.WithTimeout(d))
			}
			return sttopenai.New(entry.APIKey, entry.Model, opts...)
		})
	}

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if terms := entry.Option("keyterms"); terms != "" {
			opts = append(opts, deepgram.WithKeyterms(splitList(terms)...))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := entry.Option("prompt"); prompt != "" {
			opts = append(opts, whisper.WithPrompt(prompt))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	for _, name := range []string{"groq", "openai"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			base := entry.BaseURL
			if base == "" && name == "groq" {
				base = llmopenai.GroqBaseURL
			}
			var opts []llmopenai.Option
			if base != "" {
				opts = append(opts, llmopenai.WithBaseURL(base))
			}
			if d := optDuration(entry, "timeout"); d > 0 {
				opts = append(opts, llmopenai.WithTimeout(d))
			}
			return llmopenai.New(entry.APIKey, entry.Model, opts...)
		})
	}

	// The remaining chat backends go through any-llm, which shares one option
	// set: optional API key plus optional base URL. groq and openai keep the
	// native client registered above.
	for _, name := range anyllm.Backends() {
		if name == "groq" || name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := entry.Option("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		stability, err := parseFloat(entry.Option("stability"))
		if err != nil {
			return nil, fmt.Errorf("stability: %w", err)
		}
		similarity, err := parseFloat(entry.Option("similarity_boost"))
		if err != nil {
			return nil, fmt.Errorf("similarity_boost: %w", err)
		}
		opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if f := entry.Option("response_format"); f != "" {
			opts = append(opts, ttsopenai.WithResponseFormat(f))
		}
		return ttsopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("polly", func(entry config.ProviderEntry) (tts.Provider, error) {
		// Credentials come from the default AWS chain, not api_key.
		return polly.New(polly.Config{
			Region: entry.Option("region"),
			Engine: entry.Option("engine"),
		}), nil
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.Option("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"stt", "llm", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         docvox, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model, len(cfg.Providers.STTFallbacks))
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model, len(cfg.Providers.LLMFallbacks))
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model, len(cfg.Providers.TTSFallbacks))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	tlsMode := "(disabled)"
	if cfg.Server.TLS != nil {
		tlsMode = "enabled"
	}
	fmt.Printf("║  TLS             : %-19s ║\n", tlsMode)
	origins := cfg.Server.AllowedOrigins
	originsSummary := fmt.Sprintf("%d allowed", len(origins))
	switch {
	case slices.Contains(origins, "*"):
		originsSummary = "(any)"
	case len(origins) == 0:
		originsSummary = "(non-browser only)"
	}
	fmt.Printf("║  Origins         : %-19s ║\n", originsSummary)
	fmt.Printf("║  Max calls       : %-19d ║\n", cfg.Server.MaxConcurrentCalls)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string, fallbacks int) {
	value := name
	if model != "" {
		value = name + " / " + model
	}
	if fallbacks > 0 {
		value = fmt.Sprintf("%s (+%d)", value, fallbacks)
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration parses a duration option such as "30s". Malformed values are
// logged and ignored.
func optDuration(entry config.ProviderEntry, key string) time.Duration {
	s := entry.Option(key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed provider option", "provider", entry.Name, "key", key, "value", s)
		return 0
	}
	return d
}

// splitList parses a comma-separated provider option, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseFloat reads an optional numeric provider option. Empty yields zero.
func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
