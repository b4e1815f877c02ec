package engine

import (
	"context"
	"sync"
)

// registry owns the set of live streams. Its map is the only state shared
// across streams, so this mutex is the engine's only cross-stream
// synchronization point; everything per stream is confined to the stream's
// worker goroutine.
type registry struct {
	eng *Engine

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

func newRegistry(e *Engine) *registry {
	return &registry{
		eng:     e,
		streams: make(map[string]*stream),
	}
}

// acquire returns the stream for id, creating it on first sight.
func (r *registry) acquire(id string) (*stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.streams[id]; ok {
		return s, nil
	}

	s := r.eng.newStream(id)
	r.streams[id] = s
	r.eng.metrics.ActiveStreams.Add(context.Background(), 1)
	r.eng.log.Info("stream acquired", "stream_id", id)
	return s, nil
}

// release tears down the stream for id. Unknown ids are a no-op.
func (r *registry) release(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.stop()
	r.eng.metrics.ActiveStreams.Add(context.Background(), -1)
	r.eng.log.Info("stream released", "stream_id", id)
}

// lookup returns the live stream for id, if any.
func (r *registry) lookup(id string) (*stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// ids returns the identities of all live streams.
func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.streams))
	for id := range r.streams {
		out = append(out, id)
	}
	return out
}

// closeAll releases every stream and refuses further acquisitions.
func (r *registry) closeAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*stream)
	r.closed = true
	r.mu.Unlock()

	for id, s := range streams {
		s.stop()
		r.eng.metrics.ActiveStreams.Add(context.Background(), -1)
		r.eng.log.Debug("stream released on close", "stream_id", id)
	}
}
