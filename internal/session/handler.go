package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/internal/pipeline"
	"github.com/MrWong99/docvox/internal/worker"
	"github.com/MrWong99/docvox/pkg/provider/tts"
)

// Config holds the per-session limits.
type Config struct {
	// AudioTimeout bounds the wait for the audio message. Default 10s.
	AudioTimeout time.Duration

	// ImageTimeout bounds the wait for the optional image message. Default 2s.
	ImageTimeout time.Duration

	// MaxMessageBytes is the largest inbound message accepted. Default 32 MiB.
	MaxMessageBytes int64

	// InboxFrames is how many unread inbound messages are buffered before
	// further ones are discarded. Default 4.
	InboxFrames int

	// StatusEvents enables the optional status/transcript/diagnosis frames.
	StatusEvents bool
}

func (c Config) withDefaults() Config {
	if c.AudioTimeout <= 0 {
		c.AudioTimeout = 10 * time.Second
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = 2 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 32 << 20
	}
	if c.InboxFrames <= 0 {
		c.InboxFrames = 4
	}
	return c
}

// Handler serves the realtime diagnosis endpoint. It implements
// [http.Handler]; every request is upgraded and served as one session.
type Handler struct {
	pipeline *pipeline.Pipeline
	pool     *worker.Pool
	origins  *OriginPolicy
	manager  *Manager
	metrics  *observe.Metrics
	cfg      Config
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithManager registers sessions with m. Defaults to a private Manager.
func WithManager(m *Manager) Option {
	return func(h *Handler) { h.manager = m }
}

// NewHandler returns a Handler. p, pool and origins are shared and must not
// be nil.
func NewHandler(p *pipeline.Pipeline, pool *worker.Pool, origins *OriginPolicy, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		pipeline: p,
		pool:     pool,
		origins:  origins,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.manager == nil {
		h.manager = NewManager()
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Manager returns the session registry.
func (h *Handler) Manager() *Manager { return h.manager }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Accepting() {
		http.Error(w, reasonShuttingDown, http.StatusServiceUnavailable)
		return
	}
	// Origins are checked after the upgrade so that a refused client gets a
	// close frame with a reason instead of a bare 403.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	h.run(r.Context(), newSession(conn, r.Header.Get("Origin")))
}

// run drives one session to completion and always closes conn.
func (h *Handler) run(parent context.Context, s *Session) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	defer cancel(nil)

	ctx, span := observe.StartSession(ctx, s.ID, s.Origin)
	defer span.End()
	log := observe.WithSession(ctx, s.ID, s.Origin)

	release, err := h.manager.register(s, cancel)
	if err != nil {
		_ = s.conn.Close(websocket.StatusGoingAway, reasonShuttingDown)
		return
	}
	defer release()

	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(ctx, -1)
	log.Info("session accepted")

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("session panicked", "stage", s.Stage().String(), "panic", r, "stack", string(debug.Stack()))
				err = pipeline.NewError(pipeline.KindUnexpected, s.Stage().String(), fmt.Errorf("panic: %v", r))
			}
		}()
		err = h.serve(ctx, s, log, cancel)
	}()

	outcome := h.finish(ctx, s, err, log)
	if s.in != nil {
		<-s.in.done
	}

	if err != nil && outcome != pipeline.KindClientDisconnected.String() {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("session.outcome", outcome), attribute.Int("session.chunks", s.Chunks))
	h.metrics.RecordSessionClosed(ctx, outcome, time.Since(s.StartedAt).Seconds())
	log.Info("session closed",
		"outcome", outcome,
		"chunks", s.Chunks,
		"duration", time.Since(s.StartedAt),
	)
}

// serve walks the stages. It returns nil on success; any error is handed to
// finish, which picks the diagnostic and close code from its kind.
func (h *Handler) serve(ctx context.Context, s *Session, log *slog.Logger, cancel context.CancelCauseFunc) error {
	if !h.origins.Allowed(s.Origin) {
		log.Warn("origin rejected")
		return pipeline.NewError(pipeline.KindOriginRejected, StageConnecting.String(), fmt.Errorf("origin %q not in allow-list", s.Origin))
	}
	if err := h.enter(ctx, s, StageOriginChecked, log); err != nil {
		return err
	}

	s.in = startInbox(s.conn, h.cfg.InboxFrames, log)

	// Audio.
	if err := h.enter(ctx, s, StageAwaitingAudio, log); err != nil {
		return err
	}
	audio, err := h.awaitAudio(ctx, s.in, log)
	if err != nil {
		return err
	}
	s.Audio = audio
	log.Info("audio received", "bytes", len(audio))

	// Image.
	if err := h.enter(ctx, s, StageAwaitingImage, log); err != nil {
		return err
	}
	image, err := h.awaitImage(ctx, s.in, log)
	if err != nil {
		return err
	}
	s.Image = image
	log.Info("image received", "bytes", len(image), "present", len(image) > 0)

	// A client that closed while the image was awaited has finished sending;
	// its request still runs. A close after this point abandons the session.
	if s.in.closed() {
		log.Info("client closed after sending input", "reason", s.in.err.Error())
	} else {
		go s.in.cancelOnClose(ctx, cancel)
	}

	// Transcription.
	if err := h.enter(ctx, s, StageTranscribing, log); err != nil {
		return err
	}
	start := time.Now()
	sctx, span := observe.StartStage(ctx, StageTranscribing.String())
	transcript, err := worker.Do(sctx, h.pool, func(ctx context.Context) (string, error) {
		return h.pipeline.Transcriber.Transcribe(ctx, s.Audio)
	})
	endSpan(span, err)
	if err := settle(ctx, err); err != nil {
		log.Error("transcription failed", "err", err, "duration", time.Since(start))
		return err
	}
	s.Transcript = transcript
	log.Info("transcription complete", "chars", len(transcript), "duration", time.Since(start))
	h.event(ctx, s, Event{Type: "transcript", Text: transcript}, log)

	// Inference.
	if err := h.enter(ctx, s, StageInferring, log); err != nil {
		return err
	}
	var encoded string
	if len(s.Image) > 0 {
		encoded = pipeline.EncodeImage(s.Image)
	}
	start = time.Now()
	sctx, span = observe.StartStage(ctx, StageInferring.String(), attribute.Bool("image", encoded != ""))
	diagnosis, err := worker.Do(sctx, h.pool, func(ctx context.Context) (string, error) {
		return h.pipeline.Diagnoser.Diagnose(ctx, s.Transcript, encoded)
	})
	endSpan(span, err)
	if err := settle(ctx, err); err != nil {
		log.Error("inference failed", "err", err, "duration", time.Since(start))
		return err
	}
	s.Diagnosis = diagnosis
	log.Info("inference complete", "chars", len(diagnosis), "duration", time.Since(start))
	h.event(ctx, s, Event{Type: "diagnosis", Text: diagnosis}, log)

	// Synthesis and streaming.
	if err := h.enter(ctx, s, StageSynthesizing, log); err != nil {
		return err
	}
	start = time.Now()
	sctx, span = observe.StartStage(ctx, StageSynthesizing.String())
	defer span.End()
	st, err := openStream(sctx, h.pool, func(ctx context.Context) (tts.Stream, error) {
		return h.pipeline.Synthesizer.Stream(ctx, s.Diagnosis)
	})
	if err := settle(ctx, err); err != nil {
		recordSpanErr(span, err)
		log.Error("synthesis failed", "err", err)
		return err
	}
	defer st.Close()

	if err := h.enter(ctx, s, StageStreaming, log); err != nil {
		return err
	}
	for st.Next() {
		chunk := st.Chunk()
		if len(chunk) == 0 {
			continue
		}
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		err := s.conn.Write(wctx, websocket.MessageBinary, chunk)
		wcancel()
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return pipeline.NewError(pipeline.KindClientDisconnected, StageStreaming.String(), disconnectError(err))
		}
		s.Chunks++
		h.metrics.AudioChunks.Add(ctx, 1)
	}
	if err := settle(ctx, st.Err()); err != nil {
		recordSpanErr(span, err)
		log.Error("synthesis stream failed", "err", err, "chunks", s.Chunks)
		return err
	}
	span.SetAttributes(attribute.Int("chunks", s.Chunks))
	log.Info("streaming complete", "chunks", s.Chunks, "duration", time.Since(start))
	return nil
}

// enter advances the session and announces the new stage when status events
// are enabled.
func (h *Handler) enter(ctx context.Context, s *Session, next Stage, log *slog.Logger) error {
	prev := s.Stage()
	if err := s.advance(next); err != nil {
		return pipeline.NewError(pipeline.KindUnexpected, prev.String(), err)
	}
	log.Debug("stage", "from", prev.String(), "to", next.String(), "elapsed", time.Since(s.StartedAt))
	h.event(ctx, s, Event{Type: "status", Stage: next.String()}, log)
	return nil
}

// event sends an optional progress frame. Failures are left for the next
// mandatory write to surface.
func (h *Handler) event(ctx context.Context, s *Session, ev Event, log *slog.Logger) {
	if !h.cfg.StatusEvents || ctx.Err() != nil {
		return
	}
	if err := writeJSON(ctx, s.conn, ev); err != nil {
		log.Debug("status event not sent", "type", ev.Type, "err", err)
	}
}

func (h *Handler) awaitAudio(ctx context.Context, in *inbox, log *slog.Logger) ([]byte, error) {
	timer := time.NewTimer(h.cfg.AudioTimeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-in.frames:
			if !ok {
				return nil, in.err
			}
			if f.typ != websocket.MessageBinary || len(f.data) == 0 {
				log.Debug("ignoring frame while awaiting audio", "type", f.typ.String(), "bytes", len(f.data))
				continue
			}
			return f.data, nil
		case <-timer.C:
			log.Warn("audio timeout", "after", h.cfg.AudioTimeout)
			return nil, pipeline.NewError(pipeline.KindAudioTimeout, StageAwaitingAudio.String(),
				fmt.Errorf("no audio within %s", h.cfg.AudioTimeout))
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// awaitImage returns nil when no image arrives before the deadline. An empty
// message or a client close ends the wait early.
func (h *Handler) awaitImage(ctx context.Context, in *inbox, log *slog.Logger) ([]byte, error) {
	timer := time.NewTimer(h.cfg.ImageTimeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-in.frames:
			if !ok {
				return nil, nil
			}
			if f.typ != websocket.MessageBinary {
				log.Debug("ignoring text frame while awaiting image", "bytes", len(f.data))
				continue
			}
			if len(f.data) == 0 {
				return nil, nil
			}
			return f.data, nil
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// finish reports err to the client, closes conn and returns the outcome
// label used in logs and metrics.
func (h *Handler) finish(ctx context.Context, s *Session, err error, log *slog.Logger) string {
	defer func() { _ = s.advance(StageClosed) }()
	if err == nil {
		closeConn(s.conn, websocket.StatusNormalClosure, reasonDone, log)
		return "done"
	}
	failed := s.Stage()
	_ = s.advance(StageError)

	wctx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, ErrServerShutdown):
		closeConn(s.conn, websocket.StatusGoingAway, reasonShuttingDown, log)
		return "shutdown"
	case errors.Is(err, ErrClientDisconnected) || pipeline.KindOf(err) == pipeline.KindClientDisconnected:
		log.Info("client disconnected", "reason", err.Error())
		_ = s.conn.CloseNow()
		return pipeline.KindClientDisconnected.String()
	}

	kind := pipeline.KindOf(err)
	plan := planFor(kind)
	if plan.message != "" {
		stage := failed.String()
		var pe *pipeline.Error
		if errors.As(err, &pe) {
			stage = pe.Stage
		}
		d := Diagnostic{Type: "error", Stage: stage, Kind: kind.String(), Message: plan.message}
		if werr := writeJSON(wctx, s.conn, d); werr != nil {
			log.Debug("diagnostic not sent", "err", werr)
		}
	}
	closeConn(s.conn, plan.code, plan.reason, log)
	return kind.String()
}

func closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string, log *slog.Logger) {
	if err := conn.Close(code, reason); err != nil {
		log.Debug("close handshake incomplete", "code", int(code), "err", err)
	}
}

// settle prefers the session's cancellation cause over err so that a
// provider failing because the client left is not reported as a provider
// failure.
func settle(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

// openStream starts synthesis on the pool. If the session ends before the
// provider hands back a stream, the late stream is closed once it arrives.
func openStream(ctx context.Context, pool *worker.Pool, open func(context.Context) (tts.Stream, error)) (tts.Stream, error) {
	f := worker.Submit(ctx, pool, open)
	st, err := f.Await(ctx)
	if err != nil && ctx.Err() != nil {
		go func() {
			if late, lerr := f.Await(context.Background()); lerr == nil && late != nil {
				_ = late.Close()
			}
		}()
	}
	return st, err
}

func endSpan(span trace.Span, err error) {
	recordSpanErr(span, err)
	span.End()
}

func recordSpanErr(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
