package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManager_RegisterAndRelease(t *testing.T) {
	t.Parallel()

	m := NewManager()
	s := newSession(nil, "https://a.example")
	_ = s.advance(StageAwaitingAudio)

	release, err := m.register(s, func(error) {})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if m.Active() != 1 {
		t.Fatalf("Active = %d, want 1", m.Active())
	}
	list := m.List()
	if len(list) != 1 || list[0].ID != s.ID || list[0].Stage != StageAwaitingAudio {
		t.Errorf("List = %+v", list)
	}
	release()
	release()
	if m.Active() != 0 {
		t.Errorf("Active after release = %d, want 0", m.Active())
	}
}

func TestManager_ShutdownCancelsAndRejects(t *testing.T) {
	t.Parallel()

	m := NewManager()
	ctx, cancel := context.WithCancelCause(context.Background())
	s := newSession(nil, "")
	release, err := m.register(s, cancel)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	go func() {
		<-ctx.Done()
		release()
	}()

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := m.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !errors.Is(context.Cause(ctx), ErrServerShutdown) {
		t.Errorf("cause = %v, want ErrServerShutdown", context.Cause(ctx))
	}
	if m.Accepting() {
		t.Error("manager still accepting after shutdown")
	}
	if _, err := m.register(newSession(nil, ""), func(error) {}); !errors.Is(err, ErrServerShutdown) {
		t.Errorf("register after shutdown = %v", err)
	}
}

func TestManager_ShutdownTimesOut(t *testing.T) {
	t.Parallel()

	m := NewManager()
	if _, err := m.register(newSession(nil, ""), func(error) {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want deadline exceeded", err)
	}
}
