package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"
)

// ErrClientDisconnected is the cancellation cause of a session whose client
// went away.
var ErrClientDisconnected = errors.New("session: client disconnected")

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// inbox owns conn.Read for the lifetime of a session so that pings and the
// client's close frame are handled while the session is busy elsewhere.
// Frames that do not fit the buffer are discarded. When the connection ends,
// frames is closed after the buffered frames and err holds the reason.
type inbox struct {
	frames chan frame
	done   chan struct{}
	err    error
}

// startInbox reads until the connection fails or closes.
func startInbox(conn *websocket.Conn, size int, log *slog.Logger) *inbox {
	in := &inbox{
		frames: make(chan frame, size),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(in.done)
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				in.err = disconnectError(err)
				close(in.frames)
				return
			}
			select {
			case in.frames <- frame{typ: typ, data: data}:
			default:
				log.Debug("discarding frame", "type", typ.String(), "bytes", len(data))
			}
		}
	}()
	return in
}

// closed reports whether the connection has already ended.
func (in *inbox) closed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

// cancelOnClose cancels the session with the disconnect reason once the
// connection ends. It returns when either the connection or ctx is done.
func (in *inbox) cancelOnClose(ctx context.Context, cancel context.CancelCauseFunc) {
	select {
	case <-in.done:
		cancel(in.err)
	case <-ctx.Done():
	}
}

func disconnectError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: status %d %q", ErrClientDisconnected, int(ce.Code), ce.Reason)
	}
	return fmt.Errorf("%w: %w", ErrClientDisconnected, err)
}
