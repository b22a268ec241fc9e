package resilience

import (
	"context"

	"github.com/MrWong99/docvox/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] failing over across synthesis backends.
// Only stream setup fails over; once audio flows, errors surface through the
// stream.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// Stream opens a synthesis stream on the first healthy backend.
func (f *TTSFallback) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (tts.Stream, error) {
		return p.Stream(ctx, req)
	})
}
