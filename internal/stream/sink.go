package stream

import (
	"context"
	"strings"
	"sync"
)

// ChunkFunc receives user-visible text deltas.
type ChunkFunc func(ctx context.Context, delta string) error

// Sink forwards visible deltas to a ChunkFunc and remembers what was sent,
// so a caller can recover a reply whose structured envelope was cut short.
type Sink struct {
	onChunk ChunkFunc

	mu       sync.Mutex
	text     strings.Builder
	complete bool
}

// NewSink wraps fn. A nil fn only accumulates.
func NewSink(fn ChunkFunc) *Sink {
	return &Sink{onChunk: fn}
}

// Write forwards delta and appends it to the accumulated text. Empty deltas
// are dropped.
func (s *Sink) Write(ctx context.Context, delta string) error {
	if delta == "" {
		return nil
	}
	s.mu.Lock()
	s.text.WriteString(delta)
	s.mu.Unlock()

	if s.onChunk == nil {
		return nil
	}
	return s.onChunk(ctx, delta)
}

// MarkComplete records that the streamed field reached its closing boundary.
func (s *Sink) MarkComplete() {
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()
}

// Text returns everything written so far.
func (s *Sink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Complete reports whether MarkComplete was called.
func (s *Sink) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Written reports whether any text reached the sink.
func (s *Sink) Written() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.Len() > 0
}

// Reset clears accumulated text and the completion flag.
func (s *Sink) Reset() {
	s.mu.Lock()
	s.text.Reset()
	s.complete = false
	s.mu.Unlock()
}

type sinkKey struct{}

// WithSink returns a context carrying s.
func WithSink(ctx context.Context, s *Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

// FromContext returns the sink carried by ctx, or nil.
func FromContext(ctx context.Context) *Sink {
	s, _ := ctx.Value(sinkKey{}).(*Sink)
	return s
}
