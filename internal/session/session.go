// Package session runs realtime diagnosis sessions over WebSocket.
//
// A client connects to the diagnosis endpoint, sends one binary audio
// message and optionally one binary image message. The server transcribes
// the audio, asks a vision model about transcript and image, and streams the
// synthesised answer back as binary audio chunks before closing with 1000.
// Failures are reported as a JSON text frame followed by a close code:
//
//	1008  origin not allowed (nothing is read)
//	4408  no audio within the audio deadline
//	1011  transcription or inference failed, or an internal error
//	1001  server shutting down
//
// A failed synthesis is reported with a diagnostic but still ends in a
// normal closure.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Session is the state of one exchange. It is owned by the goroutine serving
// it; only Stage may be read from elsewhere.
type Session struct {
	ID        string
	Origin    string
	StartedAt time.Time

	Audio      []byte
	Image      []byte
	Transcript string
	Diagnosis  string
	Chunks     int

	conn  *websocket.Conn
	in    *inbox
	stage atomic.Int32
}

func newSession(conn *websocket.Conn, origin string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Origin:    origin,
		StartedAt: time.Now(),
		conn:      conn,
	}
}

// Stage returns the current stage.
func (s *Session) Stage() Stage { return Stage(s.stage.Load()) }

// advance moves the session to next. It fails with ErrStageRegression
// instead of moving backwards.
func (s *Session) advance(next Stage) error {
	cur := s.Stage()
	if !CanAdvance(cur, next) {
		return fmt.Errorf("%w: %s -> %s", ErrStageRegression, cur, next)
	}
	s.stage.Store(int32(next))
	return nil
}
