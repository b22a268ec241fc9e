package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/docvox/internal/observe"
	"github.com/MrWong99/docvox/internal/pipeline"
	"github.com/MrWong99/docvox/internal/worker"
	"github.com/MrWong99/docvox/pkg/provider/llm"
	llmmock "github.com/MrWong99/docvox/pkg/provider/llm/mock"
	"github.com/MrWong99/docvox/pkg/provider/stt"
	sttmock "github.com/MrWong99/docvox/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/docvox/pkg/provider/tts/mock"
)

const (
	testTranscript = "my skin is red and itchy"
	testDiagnosis  = "With what I see, I think you have a mild rash."
)

type harness struct {
	stt     *sttmock.Provider
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	handler *Handler
	srv     *httptest.Server
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, cfg Config, allowed ...string) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		stt:    &sttmock.Provider{Result: &stt.Result{Text: testTranscript}},
		llm:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: testDiagnosis}},
		tts:    &ttsmock.Provider{Chunks: [][]byte{[]byte("chunk-1"), []byte("chunk-2"), {}, []byte("chunk-3")}},
		reader: reader,
	}
	p := &pipeline.Pipeline{
		Transcriber: &pipeline.Transcriber{Provider: h.stt, Model: "whisper-large-v3"},
		Diagnoser:   &pipeline.Diagnoser{Provider: h.llm},
		Synthesizer: &pipeline.Synthesizer{Provider: h.tts},
	}
	if cfg.AudioTimeout == 0 {
		cfg.AudioTimeout = 2 * time.Second
	}
	if cfg.ImageTimeout == 0 {
		cfg.ImageTimeout = 50 * time.Millisecond
	}
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	h.handler = NewHandler(p, worker.New(8), NewOriginPolicy(allowed), cfg, WithMetrics(met))
	h.srv = httptest.NewServer(h.handler)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if origin != "" {
		opts.HTTPHeader = http.Header{"Origin": {origin}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// waitIdle blocks until the server has finished every session.
func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.handler.Manager().Active() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("sessions still active")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) closedCount(t *testing.T, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "docvox.sessions.closed" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, _ := dp.Attributes.Value("outcome"); v.AsString() == outcome {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// transcript is everything the client observed.
type transcript struct {
	chunks [][]byte
	texts  []string
	code   websocket.StatusCode
	reason string
	err    error
}

func (tr transcript) diagnostics(t *testing.T) []Diagnostic {
	t.Helper()
	var out []Diagnostic
	for _, s := range tr.texts {
		var d Diagnostic
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			t.Fatalf("text frame %q is not JSON: %v", s, err)
		}
		if d.Type == "error" {
			out = append(out, d)
		}
	}
	return out
}

// drain reads until the server closes the connection.
func drain(t *testing.T, conn *websocket.Conn) transcript {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var tr transcript
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			tr.err = err
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				tr.code, tr.reason = ce.Code, ce.Reason
			} else {
				tr.code = -1
			}
			return tr
		}
		if typ == websocket.MessageBinary {
			tr.chunks = append(tr.chunks, data)
		} else {
			tr.texts = append(tr.texts, string(data))
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestSession_OriginRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "https://clinic.example")
	conn := h.dial(t, "https://evil.example")

	tr := drain(t, conn)
	if tr.code != websocket.StatusPolicyViolation || tr.reason != "Origin not allowed" {
		t.Fatalf("close = %d %q, want 1008 %q (err %v)", tr.code, tr.reason, "Origin not allowed", tr.err)
	}
	if len(tr.chunks) != 0 || len(tr.texts) != 0 {
		t.Errorf("unexpected frames: %d binary, %d text", len(tr.chunks), len(tr.texts))
	}
	if h.stt.CallCount() != 0 {
		t.Error("transcription ran for a rejected origin")
	}
	h.waitIdle(t)
	if got := h.closedCount(t, "origin_rejected"); got != 1 {
		t.Errorf("origin_rejected sessions = %d, want 1", got)
	}
}

func TestSession_OriginAccepted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		origin string
	}{
		{"prefix match", "https://clinic.example:8443"},
		{"empty origin", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{}, "https://clinic.example")
			conn := h.dial(t, tt.origin)
			send(t, conn, make([]byte, 16))

			tr := drain(t, conn)
			if tr.code != websocket.StatusNormalClosure {
				t.Fatalf("close = %d %q, want 1000 (err %v)", tr.code, tr.reason, tr.err)
			}
		})
	}
}

func TestSession_OriginListHotReload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "https://old.example")
	h.handler.origins.Set([]string{"https://new.example"})

	tr := drain(t, h.dial(t, "https://old.example"))
	if tr.code != websocket.StatusPolicyViolation {
		t.Errorf("old origin close = %d, want 1008", tr.code)
	}
	conn := h.dial(t, "https://new.example")
	send(t, conn, []byte{1})
	if tr := drain(t, conn); tr.code != websocket.StatusNormalClosure {
		t.Errorf("new origin close = %d %q, want 1000", tr.code, tr.reason)
	}
}

// Scenario D: nothing is sent.
func TestSession_AudioTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AudioTimeout: 150 * time.Millisecond})
	conn := h.dial(t, "")

	start := time.Now()
	tr := drain(t, conn)
	elapsed := time.Since(start)

	if tr.code != StatusAudioTimeout || tr.reason != "Audio timeout" {
		t.Fatalf("close = %d %q, want 4408 %q (err %v)", tr.code, tr.reason, "Audio timeout", tr.err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout close took %v", elapsed)
	}
	if h.stt.CallCount() != 0 || len(h.llm.Calls()) != 0 || h.tts.CallCount() != 0 {
		t.Error("an adapter was invoked without audio")
	}
}

func TestSession_EmptyAndTextFramesDoNotCountAsAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AudioTimeout: 200 * time.Millisecond})
	conn := h.dial(t, "")
	send(t, conn, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tr := drain(t, conn)
	if tr.code != StatusAudioTimeout {
		t.Fatalf("close = %d %q, want 4408", tr.code, tr.reason)
	}
}

// Scenario A: 16 audio bytes, then silence.
func TestSession_AudioThenSilence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	conn := h.dial(t, "")
	send(t, conn, []byte("0123456789abcdef"))

	tr := drain(t, conn)
	if tr.code != websocket.StatusNormalClosure || tr.reason != "done" {
		t.Fatalf("close = %d %q, want 1000 done (err %v)", tr.code, tr.reason, tr.err)
	}
	if len(tr.chunks) != 3 {
		t.Errorf("chunks = %d, want 3 (empty chunk skipped)", len(tr.chunks))
	}
	if len(tr.texts) != 0 {
		t.Errorf("unexpected text frames: %q", tr.texts)
	}

	sttCalls := h.stt.Calls()
	if len(sttCalls) != 1 || string(sttCalls[0].Req.Audio) != "0123456789abcdef" {
		t.Fatalf("stt calls = %+v", sttCalls)
	}
	if sttCalls[0].Req.Model != "whisper-large-v3" {
		t.Errorf("stt model = %q", sttCalls[0].Req.Model)
	}

	llmCalls := h.llm.Calls()
	if len(llmCalls) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(llmCalls))
	}
	user := llmCalls[0].Req.Messages[len(llmCalls[0].Req.Messages)-1]
	if user.HasImage() || user.Content != testTranscript {
		t.Errorf("user message = %+v, want transcript without image", user)
	}

	ttsCalls := h.tts.Calls()
	if len(ttsCalls) != 1 || ttsCalls[0].Req.Text != testDiagnosis {
		t.Errorf("tts calls = %+v, want one call with the full diagnosis", ttsCalls)
	}

	h.waitIdle(t)
	if got := h.closedCount(t, "done"); got != 1 {
		t.Errorf("done sessions = %d, want 1", got)
	}
}

// Scenario A over a closing client: the close frame arrives while the image
// is awaited, so the request runs without an image. The chunks have nowhere
// to go once the close handshake is done.
func TestSession_AudioThenClientClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ImageTimeout: 5 * time.Second})
	conn := h.dial(t, "")
	send(t, conn, []byte("0123456789abcdef"))
	start := time.Now()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	h.waitIdle(t)
	if time.Since(start) > 4*time.Second {
		t.Error("session waited out the image deadline after the client closed")
	}
	if calls := h.stt.Calls(); len(calls) != 1 || string(calls[0].Req.Audio) != "0123456789abcdef" {
		t.Fatalf("stt calls = %+v", calls)
	}
	llmCalls := h.llm.Calls()
	if len(llmCalls) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(llmCalls))
	}
	if user := llmCalls[0].Req.Messages[1]; user.HasImage() {
		t.Error("inference received an image part after the client closed")
	}
	if ttsCalls := h.tts.Calls(); len(ttsCalls) != 1 || ttsCalls[0].Req.Text != testDiagnosis {
		t.Errorf("tts calls = %+v, want one call with the full diagnosis", ttsCalls)
	}
	if got := h.closedCount(t, "client_disconnected"); got != 1 {
		t.Errorf("client_disconnected sessions = %d, want 1", got)
	}
	if got := h.closedCount(t, "done"); got != 0 {
		t.Errorf("done sessions = %d, want 0", got)
	}
}

// Scenario B: audio, then an explicit empty image.
func TestSession_EmptyImageMeansNoImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ImageTimeout: 5 * time.Second})
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))
	send(t, conn, []byte{})

	start := time.Now()
	tr := drain(t, conn)
	if tr.code != websocket.StatusNormalClosure || len(tr.chunks) == 0 {
		t.Fatalf("close = %d %q, chunks = %d", tr.code, tr.reason, len(tr.chunks))
	}
	if time.Since(start) > 4*time.Second {
		t.Error("empty image did not end the image wait")
	}
	user := h.llm.Calls()[0].Req.Messages[1]
	if user.HasImage() {
		t.Error("inference received an image part for an empty image")
	}
}

func TestSession_WithImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ImageTimeout: 5 * time.Second})
	conn := h.dial(t, "")
	img := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	send(t, conn, []byte("audio"))
	send(t, conn, img)
	send(t, conn, []byte("ignored third frame"))

	if tr := drain(t, conn); tr.code != websocket.StatusNormalClosure {
		t.Fatalf("close = %d %q", tr.code, tr.reason)
	}
	user := h.llm.Calls()[0].Req.Messages[1]
	if !user.HasImage() {
		t.Fatal("inference did not receive the image")
	}
	want := "data:image/png;base64," + pipeline.EncodeImage(img)
	if user.Parts[1].ImageURL != want {
		t.Errorf("image url = %q, want %q", user.Parts[1].ImageURL, want)
	}
	if h.stt.CallCount() != 1 {
		t.Errorf("stt calls = %d, want 1", h.stt.CallCount())
	}
}

// Scenario C: transcription fails.
func TestSession_TranscriptionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.stt.Err = errors.New("invalid api key")
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	tr := drain(t, conn)
	if tr.code != websocket.StatusInternalError {
		t.Fatalf("close = %d %q, want 1011", tr.code, tr.reason)
	}
	diags := tr.diagnostics(t)
	if len(tr.texts) != 1 || len(diags) != 1 {
		t.Fatalf("text frames = %q, want exactly one diagnostic", tr.texts)
	}
	if !strings.Contains(diags[0].Message, "Transcription") || diags[0].Kind != "transcription" || diags[0].Stage != "transcribing" {
		t.Errorf("diagnostic = %+v", diags[0])
	}
	if len(h.llm.Calls()) != 0 || h.tts.CallCount() != 0 {
		t.Error("inference or synthesis ran after transcription failed")
	}
	if len(tr.chunks) != 0 {
		t.Errorf("chunks = %d, want 0", len(tr.chunks))
	}
}

type panickingTranscriber struct{}

func (panickingTranscriber) Transcribe(context.Context, stt.Request) (*stt.Result, error) {
	panic("decoder state corrupted")
}

func TestSession_AdapterPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.handler.pipeline.Transcriber.Provider = panickingTranscriber{}
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	tr := drain(t, conn)
	if tr.code != websocket.StatusInternalError {
		t.Fatalf("close = %d %q, want 1011 (err %v)", tr.code, tr.reason, tr.err)
	}
	diags := tr.diagnostics(t)
	if len(diags) != 1 {
		t.Fatalf("diagnostics = %+v, want exactly one", diags)
	}
	if diags[0].Kind != "unexpected" || diags[0].Stage != "transcribing" {
		t.Errorf("diagnostic = %+v, want kind unexpected at stage transcribing", diags[0])
	}
	if len(h.llm.Calls()) != 0 || h.tts.CallCount() != 0 {
		t.Error("inference or synthesis ran after the panic")
	}
	h.waitIdle(t)
	if got := h.closedCount(t, "unexpected"); got != 1 {
		t.Errorf("unexpected sessions = %d, want 1", got)
	}
}

func TestSession_InferenceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.llm.CompleteErr = errors.New("503 model overloaded")
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	tr := drain(t, conn)
	if tr.code != websocket.StatusInternalError {
		t.Fatalf("close = %d %q, want 1011", tr.code, tr.reason)
	}
	diags := tr.diagnostics(t)
	if len(diags) != 1 || diags[0].Message != "Diagnosis service unavailable" || diags[0].Kind != "inference" {
		t.Errorf("diagnostics = %+v", diags)
	}
	if h.tts.CallCount() != 0 {
		t.Error("synthesis ran after inference failed")
	}
}

func TestSession_SynthesisFailureClosesNormally(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.tts.Chunks = [][]byte{[]byte("partial")}
	h.tts.StreamErr = errors.New("socket reset")
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	tr := drain(t, conn)
	if tr.code != websocket.StatusNormalClosure {
		t.Fatalf("close = %d %q, want 1000", tr.code, tr.reason)
	}
	if len(tr.chunks) != 1 || string(tr.chunks[0]) != "partial" {
		t.Errorf("chunks = %q, want the one delivered before the failure", tr.chunks)
	}
	diags := tr.diagnostics(t)
	if len(diags) != 1 || diags[0].Message != "Voice synthesis failed" || diags[0].Kind != "synthesis" {
		t.Errorf("diagnostics = %+v", diags)
	}
}

func TestSession_SynthesisStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.tts.StartErr = errors.New("voice not found")
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	tr := drain(t, conn)
	if tr.code != websocket.StatusNormalClosure || len(tr.chunks) != 0 {
		t.Fatalf("close = %d %q, chunks = %d", tr.code, tr.reason, len(tr.chunks))
	}
	if diags := tr.diagnostics(t); len(diags) != 1 || diags[0].Kind != "synthesis" {
		t.Errorf("diagnostics = %+v", diags)
	}
}

func TestSession_StatusEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StatusEvents: true})
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	tr := drain(t, conn)
	if tr.code != websocket.StatusNormalClosure {
		t.Fatalf("close = %d %q", tr.code, tr.reason)
	}
	var stages []string
	var gotTranscript, gotDiagnosis string
	for _, s := range tr.texts {
		var ev Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			t.Fatalf("bad event %q: %v", s, err)
		}
		switch ev.Type {
		case "status":
			stages = append(stages, ev.Stage)
		case "transcript":
			gotTranscript = ev.Text
		case "diagnosis":
			gotDiagnosis = ev.Text
		}
	}
	want := []string{"origin_checked", "awaiting_audio", "awaiting_image", "transcribing", "inferring", "synthesizing", "streaming"}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Errorf("stages = %v, want %v", stages, want)
	}
	if gotTranscript != testTranscript || gotDiagnosis != testDiagnosis {
		t.Errorf("transcript = %q, diagnosis = %q", gotTranscript, gotDiagnosis)
	}
}

func TestSession_ClientDisconnectCancelsInFlightCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.stt.Block = make(chan struct{})
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	deadline := time.Now().Add(5 * time.Second)
	for h.stt.CallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transcription never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-h.stt.Calls()[0].Ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight transcription was not cancelled")
	}
	h.waitIdle(t)
	if len(h.llm.Calls()) != 0 {
		t.Error("inference ran after the client left")
	}
	if got := h.closedCount(t, "client_disconnected"); got != 1 {
		t.Errorf("client_disconnected sessions = %d, want 1", got)
	}
}

func TestSession_ShutdownClosesLiveSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.stt.Block = make(chan struct{})
	conn := h.dial(t, "")
	send(t, conn, []byte("audio"))

	deadline := time.Now().Add(5 * time.Second)
	for h.stt.CallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transcription never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	result := make(chan transcript, 1)
	go func() { result <- drain(t, conn) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.handler.Manager().Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	tr := <-result
	if tr.code != websocket.StatusGoingAway || tr.reason != "Server shutting down" {
		t.Errorf("close = %d %q, want 1001", tr.code, tr.reason)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	if _, resp, err := websocket.Dial(dctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), nil); err == nil {
		t.Error("dial succeeded after shutdown")
	} else if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
