// Package app wires the docvox subsystems into a running server.
//
// New builds the pipeline, worker pool, session endpoint and one-shot
// endpoint from a validated config and a set of providers. Run serves HTTP
// until its context ends and then shuts everything down in order: live
// sessions first (close 1001), then the listener, then the worker pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/docvox/internal/config"
	"github.com/MrWong99/docvox/internal/health"
	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/internal/oneshot"
	"github.com/MrWong99/docvox/internal/pipeline"
	"github.com/MrWong99/docvox/internal/session"
	"github.com/MrWong99/docvox/internal/worker"
	"github.com/MrWong99/docvox/pkg/provider/tts"
)

// ShutdownTimeout bounds the graceful shutdown Run performs on exit.
const ShutdownTimeout = 15 * time.Second

// App owns the lifetime of every docvox subsystem.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	level    *slog.LevelVar

	pipeline *pipeline.Pipeline
	pool     *worker.Pool
	origins  *session.OriginPolicy
	manager  *session.Manager
	sessions *session.Handler
	clips    *oneshot.ClipStore
	watcher  *config.Watcher
	handler  http.Handler
	server   *http.Server

	stopOnce sync.Once
	stopErr  error
}

// Option configures New.
type Option func(*App) error

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) error { a.metrics = m; return nil }
}

// WithGatherer sets the registry served on /metrics. Defaults to the
// Prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) error { a.gatherer = g; return nil }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) error { a.level = v; return nil }
}

// WithConfigWatch polls path and applies origin and log level changes live.
func WithConfigWatch(path string, interval time.Duration, opts ...config.LoadOption) Option {
	return func(a *App) error {
		w, err := config.NewWatcher(path, a.Reload, config.WithInterval(interval), config.WithLoadOptions(opts...))
		if err != nil {
			return err
		}
		a.watcher = w
		return nil
	}
}

// New assembles the application. cfg must already be validated.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: all three providers are required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	a.pipeline = &pipeline.Pipeline{
		Transcriber: &pipeline.Transcriber{
			Provider: providers.STT,
			Model:    cfg.Providers.STT.Model,
			Language: cfg.Providers.STT.Option("language"),
			Name:     providers.STTName,
			Metrics:  a.metrics,
		},
		Diagnoser: &pipeline.Diagnoser{
			Provider:     providers.LLM,
			Model:        cfg.Providers.LLM.Model,
			SystemPrompt: cfg.Diagnosis.SystemPrompt,
			Temperature:  cfg.Diagnosis.Temperature,
			MaxTokens:    cfg.Diagnosis.MaxTokens,
			Name:         providers.LLMName,
			Metrics:      a.metrics,
		},
		Synthesizer: &pipeline.Synthesizer{
			Provider: providers.TTS,
			Voice: tts.VoiceProfile{
				ID:       cfg.Voice.VoiceID,
				Name:     cfg.Voice.Name,
				Provider: providers.TTSName,
			},
			Model:   cfg.Providers.TTS.Model,
			Name:    providers.TTSName,
			Metrics: a.metrics,
		},
	}

	a.pool = worker.New(cfg.Server.MaxConcurrentCalls, worker.WithMetrics(a.metrics))
	a.origins = session.NewOriginPolicy(cfg.Server.AllowedOrigins)
	a.manager = session.NewManager()
	a.sessions = session.NewHandler(a.pipeline, a.pool, a.origins, session.Config{
		AudioTimeout:    cfg.Server.AudioTimeout,
		ImageTimeout:    cfg.Server.ImageTimeout,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		StatusEvents:    cfg.Server.StatusEvents,
	}, session.WithMetrics(a.metrics), session.WithManager(a.manager))
	a.clips = oneshot.NewClipStore(cfg.Oneshot.ClipTTL)

	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.origins.AllowsAll() {
		slog.Warn("session endpoint accepts every origin")
	}
	return a, nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"message":"docvox API is running"}` + "\n"))
	})
	health.New(
		health.Providers(a.pipeline),
		health.Workers(a.pool),
		health.Sessions(a.manager),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("GET /ws/diagnosis", a.sessions)
	oneshot.NewHandler(a.pipeline, a.pool, a.clips, oneshot.Config{
		TempDir:        a.cfg.Oneshot.TempDir,
		MaxUploadBytes: a.cfg.Oneshot.MaxUploadBytes,
	}).Register(mux)

	return cors(a.origins, observe.Middleware(a.metrics)(mux))
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the live session registry.
func (a *App) Manager() *session.Manager { return a.manager }

// Origins returns the origin policy shared by CORS and the session endpoint.
func (a *App) Origins() *session.OriginPolicy { return a.origins }

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. When ctx is done it shuts down with
// [ShutdownTimeout] and returns nil on a clean exit.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error { return a.clips.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown closes live sessions, stops the listener and drains the worker
// pool. Only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", a.manager.Active())
		var errs []error
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workers: %w", err))
		}
		a.stopErr = errors.Join(errs...)
		slog.Info("shutdown complete", "err", a.stopErr)
	})
	return a.stopErr
}

// Reload applies the hot-reloadable part of a config change.
func (a *App) Reload(d config.ConfigDiff) {
	if d.OriginsChanged {
		a.origins.Set(d.NewOrigins)
		slog.Info("allowed origins updated", "allowed_origins", d.NewOrigins)
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level to slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
