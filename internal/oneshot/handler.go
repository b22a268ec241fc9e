// Package oneshot serves the request/response variant of a diagnosis: one
// multipart upload in, one JSON answer out, with the spoken answer kept in
// memory for a short while under /audio/{id}.
package oneshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/internal/pipeline"
	"github.com/MrWong99/docvox/internal/worker"
)

// DefaultMaxUploadBytes caps the whole multipart body.
const DefaultMaxUploadBytes = 32 << 20

// Config holds the endpoint's limits.
type Config struct {
	// TempDir receives staged uploads. Empty means os.TempDir().
	TempDir string

	// MaxUploadBytes caps the request body.
	MaxUploadBytes int64
}

// Response is the success body of POST /api/diagnosis.
type Response struct {
	Transcription string `json:"transcription"`
	Diagnosis     string `json:"diagnosis"`
	AudioURL      string `json:"audio_url"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// Handler serves POST /api/diagnosis and GET /audio/{id}.
type Handler struct {
	pipeline *pipeline.Pipeline
	pool     *worker.Pool
	clips    *ClipStore
	cfg      Config
}

// NewHandler returns a Handler sharing the realtime pipeline and pool.
func NewHandler(p *pipeline.Pipeline, pool *worker.Pool, clips *ClipStore, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{pipeline: p, pool: pool, clips: clips, cfg: cfg}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/diagnosis", h.Diagnose)
	mux.HandleFunc("GET /audio/{id}", h.Audio)
}

// Diagnose runs transcription, inference and synthesis for one upload. The
// form needs an "audio" file and may carry an "image" file.
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "expected a multipart/form-data upload"})
		return
	}
	up, err := h.stage(mr)
	defer up.cleanup()
	if err != nil {
		status := http.StatusBadRequest
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			status = http.StatusRequestEntityTooLarge
		}
		log.Warn("upload rejected", "err", err)
		writeJSON(w, status, errorBody{Detail: err.Error()})
		return
	}
	if up.audioPath == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "audio file is required"})
		return
	}

	res, err := h.run(ctx, up)
	if err != nil {
		log.Error("one-shot diagnosis failed", "kind", pipeline.KindOf(err).String(), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: detailFor(err)})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) run(ctx context.Context, up *upload) (*Response, error) {
	audio, err := os.ReadFile(up.audioPath)
	if err != nil {
		return nil, fmt.Errorf("oneshot: read staged audio: %w", err)
	}
	var encoded string
	if up.imagePath != "" {
		img, err := os.ReadFile(up.imagePath)
		if err != nil {
			return nil, fmt.Errorf("oneshot: read staged image: %w", err)
		}
		if len(img) > 0 {
			encoded = pipeline.EncodeImage(img)
		}
	}

	transcript, err := worker.Do(ctx, h.pool, func(ctx context.Context) (string, error) {
		return h.pipeline.Transcriber.Transcribe(ctx, audio)
	})
	if err != nil {
		return nil, err
	}
	diagnosis, err := worker.Do(ctx, h.pool, func(ctx context.Context) (string, error) {
		return h.pipeline.Diagnoser.Diagnose(ctx, transcript, encoded)
	})
	if err != nil {
		return nil, err
	}
	speech, err := worker.Do(ctx, h.pool, func(ctx context.Context) ([]byte, error) {
		return h.pipeline.Synthesizer.Synthesize(ctx, diagnosis)
	})
	if err != nil {
		return nil, err
	}

	ct, ext := audioType(speech)
	clip := h.clips.Put(speech, ct, ext)
	observe.Logger(ctx).Info("one-shot diagnosis complete",
		"audio_bytes", len(audio),
		"with_image", encoded != "",
		"transcript_chars", len(transcript),
		"diagnosis_chars", len(diagnosis),
		"speech_bytes", len(speech),
		"clip", clip.ID,
	)
	return &Response{
		Transcription: transcript,
		Diagnosis:     diagnosis,
		AudioURL:      "/audio/" + clip.ID,
	}, nil
}

// Audio serves a stored clip.
func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	clip, err := h.clips.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "audio not found"})
		return
	}
	w.Header().Set("Content-Type", clip.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.Data)
}

// upload tracks staged temp files; cleanup removes them on every path.
type upload struct {
	audioPath string
	imagePath string
}

func (u *upload) cleanup() {
	for _, p := range []string{u.audioPath, u.imagePath} {
		if p != "" {
			_ = os.Remove(p)
		}
	}
}

// stage copies the "audio" and "image" parts into temp files. Other parts are
// skipped. The returned upload is never nil.
func (h *Handler) stage(mr *multipart.Reader) (*upload, error) {
	up := &upload{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return up, nil
		}
		if err != nil {
			return up, fmt.Errorf("read upload: %w", err)
		}
		var dst *string
		switch part.FormName() {
		case "audio":
			dst = &up.audioPath
		case "image":
			dst = &up.imagePath
		}
		if dst == nil || *dst != "" {
			_ = part.Close()
			continue
		}
		path, err := h.stageFile(part)
		_ = part.Close()
		if path != "" {
			*dst = path
		}
		if err != nil {
			return up, err
		}
	}
}

func (h *Handler) stageFile(part *multipart.Part) (string, error) {
	f, err := os.CreateTemp(h.cfg.TempDir, "docvox-"+part.FormName()+"-*")
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", part.FormName(), err)
	}
	path := f.Name()
	_, err = io.Copy(f, part)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return path, fmt.Errorf("stage %s: %w", part.FormName(), err)
	}
	return path, nil
}

// audioType sniffs synthesised audio. Most providers return MP3 without an
// ID3 tag, which DetectContentType cannot recognise, so that is the fallback.
func audioType(b []byte) (contentType, ext string) {
	switch ct := http.DetectContentType(b); ct {
	case "audio/wave":
		return "audio/wav", ".wav"
	case "application/ogg", "audio/ogg":
		return "audio/ogg", ".ogg"
	case "audio/aiff":
		return ct, ".aiff"
	default:
		return "audio/mpeg", ".mp3"
	}
}

// detailFor is the stage summary followed by the causing message.
func detailFor(err error) string {
	var summary string
	switch pipeline.KindOf(err) {
	case pipeline.KindTranscription:
		summary = "Transcription failed"
	case pipeline.KindInference:
		summary = "Diagnosis service unavailable"
	case pipeline.KindSynthesis:
		summary = "Voice synthesis failed"
	default:
		summary = "Unexpected server error"
	}
	cause := err
	var pe *pipeline.Error
	if errors.As(err, &pe) && pe.Cause != nil {
		cause = pe.Cause
	}
	return summary + ": " + cause.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encoding failed"}`, http.StatusInternalServerError)
	}
}
