package tts

import (
	"context"
	"io"
	"sync"
)

// DefaultChunkSize is the read size used by [ReaderStream].
const DefaultChunkSize = 16 * 1024

// ReaderStream adapts an io.ReadCloser (typically an HTTP response body) to a
// Stream, emitting up to chunkSize bytes per chunk.
type ReaderStream struct {
	ctx   context.Context
	r     io.ReadCloser
	buf   []byte
	chunk []byte
	err   error
	once  sync.Once
}

// NewReaderStream returns a ReaderStream over r. A chunkSize ≤ 0 selects
// DefaultChunkSize.
func NewReaderStream(ctx context.Context, r io.ReadCloser, chunkSize int) *ReaderStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ReaderStream{ctx: ctx, r: r, buf: make([]byte, chunkSize)}
}

// Next implements Stream.
func (s *ReaderStream) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.chunk = append([]byte(nil), s.buf[:n]...)
			if err != nil && err != io.EOF {
				s.err = err
			}
			return true
		}
		if err == io.EOF {
			return false
		}
		if err != nil {
			s.err = err
			return false
		}
	}
}

// Chunk implements Stream.
func (s *ReaderStream) Chunk() []byte { return s.chunk }

// Err implements Stream.
func (s *ReaderStream) Err() error { return s.err }

// Close implements Stream.
func (s *ReaderStream) Close() error {
	var err error
	s.once.Do(func() { err = s.r.Close() })
	return err
}

// ChanStream is a Stream fed by a producer goroutine. The producer sends
// chunks on C, records a terminal error with Fail, and closes C when done.
type ChanStream struct {
	ctx    context.Context
	C      chan []byte
	cancel context.CancelFunc

	mu    sync.Mutex
	err   error
	chunk []byte
}

// NewChanStream returns a ChanStream with a buffered channel. cancel, if
// non-nil, is invoked by Close to stop the producer.
func NewChanStream(ctx context.Context, buffer int, cancel context.CancelFunc) *ChanStream {
	return &ChanStream{ctx: ctx, C: make(chan []byte, buffer), cancel: cancel}
}

// Fail records err as the stream's terminal error. Only the first call wins.
func (s *ChanStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Next implements Stream.
func (s *ChanStream) Next() bool {
	select {
	case c, ok := <-s.C:
		if !ok {
			return false
		}
		s.chunk = c
		return true
	case <-s.ctx.Done():
		s.Fail(s.ctx.Err())
		return false
	}
}

// Chunk implements Stream.
func (s *ChanStream) Chunk() []byte { return s.chunk }

// Err implements Stream.
func (s *ChanStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Stream.
func (s *ChanStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// SliceStream replays fixed chunks. Useful for tests and cached audio.
type SliceStream struct {
	chunks [][]byte
	pos    int
	err    error
}

// NewSliceStream returns a stream over chunks that fails with err (if
// non-nil) after the last chunk.
func NewSliceStream(chunks [][]byte, err error) *SliceStream {
	return &SliceStream{chunks: chunks, pos: -1, err: err}
}

// Next implements Stream.
func (s *SliceStream) Next() bool {
	s.pos++
	return s.pos < len(s.chunks)
}

// Chunk implements Stream.
func (s *SliceStream) Chunk() []byte { return s.chunks[s.pos] }

// Err implements Stream.
func (s *SliceStream) Err() error {
	if s.pos >= len(s.chunks) {
		return s.err
	}
	return nil
}

// Close implements Stream.
func (s *SliceStream) Close() error { return nil }
