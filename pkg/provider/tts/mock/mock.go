// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// text and VoiceProfile handed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	s, _ := p.Stream(ctx, tts.Request{Text: "Drink water."})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/docvox/pkg/provider/tts"
)

// StreamCall records a single invocation of Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the request passed to Stream.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of audio slices emitted by every returned stream.
	Chunks [][]byte

	// StartErr, if non-nil, is returned from Stream instead of a stream.
	StartErr error

	// StreamErr, if non-nil, is reported by the stream after all Chunks.
	StreamErr error

	// Block, when non-nil, holds back the first chunk until the channel is
	// closed or the stream context is done.
	Block chan struct{}

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []StreamCall
}

// Stream records the call and returns a stream over Chunks.
func (p *Provider) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	for i, c := range p.Chunks {
		chunks[i] = append([]byte(nil), c...)
	}
	streamErr, block := p.StreamErr, p.Block
	p.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	s := tts.NewChanStream(sctx, len(chunks), cancel)
	go func() {
		defer close(s.C)
		if block != nil {
			select {
			case <-block:
			case <-sctx.Done():
				s.Fail(sctx.Err())
				return
			}
		}
		for _, c := range chunks {
			select {
			case s.C <- c:
			case <-sctx.Done():
				s.Fail(sctx.Err())
				return
			}
		}
		if streamErr != nil {
			s.Fail(streamErr)
		}
	}()
	return s, nil
}

// CallCount returns the number of Stream invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Calls returns a snapshot of the recorded Stream invocations.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
