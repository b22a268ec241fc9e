package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func pass(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

func serve(t *testing.T, h *Handler, path string) (int, Report, http.Header) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body Report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body, rec.Header()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	// Liveness ignores checkers entirely.
	code, body, hdr := serve(t, New(failing("sessions", "shutting down")), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
	if len(body.Checks) != 0 {
		t.Errorf("healthz checks = %v, want none", body.Checks)
	}
	if ct := hdr.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := hdr.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]CheckResult
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{pass("providers"), pass("workers"), pass("sessions")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]CheckResult{
				"providers": {Status: "ok"},
				"workers":   {Status: "ok"},
				"sessions":  {Status: "ok"},
			},
		},
		{
			name:       "draining",
			checkers:   []Checker{pass("providers"), failing("sessions", "shutting down")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]CheckResult{
				"providers": {Status: "ok"},
				"sessions":  {Status: "fail", Error: "shutting down"},
			},
		},
		{
			name:       "saturated",
			checkers:   []Checker{failing("workers", "all 64 workers busy")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]CheckResult{
				"workers": {Status: "fail", Error: "all 64 workers busy"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body, _ := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				got := body.Checks[name]
				if got.Status != want.Status || got.Error != want.Error {
					t.Errorf("check %s = %+v, want %+v", name, got, want)
				}
				if got.Millis < 0 {
					t.Errorf("check %s latency = %v", name, got.Millis)
				}
			}
		})
	}
}

func TestReadyz_TimeoutReported(t *testing.T) {
	t.Parallel()

	slow := Checker{Name: "providers", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	h := NewWithOptions([]Checker{slow, pass("sessions")}, []Option{WithTimeout(20 * time.Millisecond)})

	start := time.Now()
	code, body, _ := serve(t, h, "/readyz")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("readyz took %v with a 20ms check timeout", elapsed)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if got := body.Checks["providers"].Error; got != "timed out after 20ms" {
		t.Errorf("providers error = %q", got)
	}
	if body.Checks["sessions"].Status != "ok" {
		t.Errorf("sessions = %+v, want ok", body.Checks["sessions"])
	}
}

func TestEvaluate_RunsCheckersConcurrently(t *testing.T) {
	t.Parallel()

	const n = 4
	var arrived atomic.Int32
	release := make(chan struct{})
	checkers := make([]Checker, n)
	for i := range checkers {
		checkers[i] = Checker{Name: string(rune('a' + i)), Check: func(ctx context.Context) error {
			if arrived.Add(1) == n {
				close(release)
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
	}

	// Sequential evaluation would block the first checker until its timeout.
	report := NewWithOptions(checkers, []Option{WithTimeout(2 * time.Second)}).Evaluate(context.Background())
	if report.Status != "ok" {
		t.Errorf("report = %+v, want all ok", report)
	}
}

func TestReadyz_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}
