package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrServerShutdown is the cancellation cause of sessions interrupted by
// Manager.Shutdown.
var ErrServerShutdown = errors.New("session: server shutting down")

// Info describes a live session.
type Info struct {
	ID        string
	Origin    string
	StartedAt time.Time
	Stage     Stage
}

type entry struct {
	s      *Session
	cancel context.CancelCauseFunc
}

// Manager tracks live sessions so they can be counted and drained on
// shutdown. Hijacked websocket connections are invisible to
// http.Server.Shutdown, so this is the only place that can end them.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]entry
	closing  bool
	wg       sync.WaitGroup
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]entry)}
}

func (m *Manager) register(s *Session, cancel context.CancelCauseFunc) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, ErrServerShutdown
	}
	m.sessions[s.ID] = entry{s: s, cancel: cancel}
	m.wg.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.sessions, s.ID)
			m.mu.Unlock()
			m.wg.Done()
		})
	}, nil
}

// Accepting reports whether new sessions are admitted.
func (m *Manager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closing
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns a snapshot of the live sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, Info{ID: e.s.ID, Origin: e.s.Origin, StartedAt: e.s.StartedAt, Stage: e.s.Stage()})
	}
	return out
}

// Shutdown stops admitting sessions, cancels the live ones with
// ErrServerShutdown and waits until they have closed or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, e := range m.sessions {
		e.cancel(ErrServerShutdown)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %d sessions still open: %w", m.Active(), ctx.Err())
	}
}
