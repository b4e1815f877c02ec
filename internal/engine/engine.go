// Package engine implements the real-time audio buffering and
// speech-segmentation core. It reshapes irregular ingest frames into
// fixed-size packets, fans them out to an asynchronous voice-activity
// gateway, correlates the verdicts back to the packets that produced them,
// drives a per-stream speech/silence state machine under timing policy, and
// dispatches finalized speech segments to an asynchronous recognition
// gateway whose replies are reordered into dispatch order.
//
// Every stream — one per speaker in individual mode, a single sentinel
// stream in mixed mode — is owned by exactly one worker goroutine. Frames,
// verdicts, recognition replies and sweep ticks arrive at the worker as
// messages; nothing else mutates stream state, so streams need no locks and
// a fault on one stream can never stall another. Ingestion and verdict
// delivery are fire and forget with bounded queues: when a queue fills, the
// oldest obligation is abandoned by policy rather than letting backlog grow.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/virelia/sonoflux/internal/observe"
	"github.com/virelia/sonoflux/internal/transcript"
	"github.com/virelia/sonoflux/pkg/audio"
	"github.com/virelia/sonoflux/pkg/classifier"
)

// MixedStreamID is the sentinel stream identity used when one stream carries
// the whole meeting instead of one stream per speaker.
const MixedStreamID = "__mixed__"

// ErrClosed is returned by engine operations after Close.
var ErrClosed = errors.New("engine: closed")

// Config tunes the buffering and segmentation engine. Zero values select the
// defaults noted per field; sample counts are at the configured rate.
type Config struct {
	// SampleRate of all audio entering the engine. Default: 16000.
	SampleRate int

	// PacketSamples is the fixed voice-activity packet size.
	// Default: 1600 (100 ms).
	PacketSamples int

	// MaxOutstanding bounds packets awaiting a verdict per stream. Default: 8.
	MaxOutstanding int

	// VerdictTimeout is how long a packet waits for its verdict before being
	// treated as non-speech. Default: 500ms.
	VerdictTimeout time.Duration

	// TargetSamples is the preferred segment size. Default: 40000 (2.5 s).
	TargetSamples int

	// OverflowSamples is the hard segment ceiling. Default: 80000 (5 s).
	OverflowSamples int

	// MinSamples is the shortest accumulation worth recognising.
	// Default: 8000 (500 ms).
	MinSamples int

	// SilenceTimeout closes an open utterance after this much time without a
	// speech verdict. Default: 1s.
	SilenceTimeout time.Duration

	// ReorderTimeout bounds how long the reorder head waits for a missing
	// recognition reply before a gap marker is released. Default: 10s.
	ReorderTimeout time.Duration

	// SweepInterval is the wall-clock period of the per-stream timeout
	// sweeper. Default: 100ms.
	SweepInterval time.Duration

	// QueueSize is the per-stream command queue capacity. Default: 256.
	QueueSize int

	// OutputBuffer is the capacity of the ordered segment channel.
	// Default: 256.
	OutputBuffer int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.PacketSamples <= 0 {
		c.PacketSamples = 1600
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = 8
	}
	if c.VerdictTimeout <= 0 {
		c.VerdictTimeout = 500 * time.Millisecond
	}
	if c.TargetSamples <= 0 {
		c.TargetSamples = 40000
	}
	if c.OverflowSamples <= 0 {
		c.OverflowSamples = 80000
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 8000
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = time.Second
	}
	if c.ReorderTimeout <= 0 {
		c.ReorderTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 100 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = 256
	}
	return c
}

// ContextProvider supplies recognition priming for a stream: a prompt and
// the most recent committed sentences across the session. Implementations
// must be safe for concurrent use.
type ContextProvider interface {
	RecognitionContext(streamID string) (prompt string, history []string)
}

// SegmentObserver is called for every speech segment at dispatch time with
// the raw PCM and the segment's offset from the start of the stream. Used by
// the recorder. Called from stream workers; must not block.
type SegmentObserver func(streamID string, pcm []byte, start time.Duration)

// Option is a functional option for New.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithContextProvider attaches a recognition context source.
func WithContextProvider(p ContextProvider) Option {
	return func(e *Engine) {
		e.contexts = p
	}
}

// WithSegmentObserver attaches a dispatch-time segment tap.
func WithSegmentObserver(fn SegmentObserver) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// Engine owns the set of active streams and the pumps that route gateway
// replies to their workers. All exported methods are safe for concurrent use.
type Engine struct {
	cfg         Config
	vad         classifier.VADGateway
	recognition classifier.RecognitionGateway
	contexts    ContextProvider
	observer    SegmentObserver
	metrics     *observe.Metrics
	log         *slog.Logger

	reg *registry
	out chan transcript.Segment

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an Engine over the two gateways and starts the reply pumps.
// The engine does not own the gateways; the caller closes them after Close.
func New(cfg Config, vad classifier.VADGateway, recognition classifier.RecognitionGateway, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg.withDefaults(),
		vad:         vad,
		recognition: recognition,
		log:         slog.Default(),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.reg = newRegistry(e)
	e.out = make(chan transcript.Segment, e.cfg.OutputBuffer)

	e.wg.Add(2)
	go e.pumpVerdicts()
	go e.pumpResults()

	return e
}

// Ingest routes one raw frame to its stream, creating the stream on first
// sight. It never blocks: a full stream queue drops the frame with a metric.
func (e *Engine) Ingest(frame audio.Frame) error {
	s, err := e.reg.acquire(frame.StreamID)
	if err != nil {
		return err
	}
	s.enqueue(command{kind: cmdFrame, frame: frame}, "frames")
	return nil
}

// Acquire creates the per-stream state for id ahead of its first frame.
// Acquiring an existing stream is a no-op. Mixed-mode sessions use this to
// create the sentinel stream at session start.
func (e *Engine) Acquire(id string) error {
	_, err := e.reg.acquire(id)
	return err
}

// Release destroys the stream: its worker stops, pending verdict
// correlations and reorder state are abandoned, and no further segment is
// emitted for it. An in-progress, unfinalized utterance is discarded, not
// flushed. Releasing an unknown or already-released stream is a no-op.
func (e *Engine) Release(id string) {
	e.reg.release(id)
}

// Flush asks the stream's worker to finalize an in-progress utterance that
// meets the minimum speech duration, then returns once the worker has
// processed the request. Call before Release on orderly session stops.
func (e *Engine) Flush(ctx context.Context, id string) error {
	s, ok := e.reg.lookup(id)
	if !ok {
		return nil
	}

	ack := make(chan struct{})
	select {
	case s.cmds <- command{kind: cmdFlush, ack: ack}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Segments returns the ordered transcription output. Within a stream,
// segments appear strictly in dispatch order; across streams there is no
// ordering. The channel is closed by Close.
func (e *Engine) Segments() <-chan transcript.Segment {
	return e.out
}

// Streams returns the ids of all live streams.
func (e *Engine) Streams() []string {
	return e.reg.ids()
}

// Close releases every stream, stops the pumps, and closes the Segments
// channel. Safe to call more than once. The gateways stay open; they belong
// to the caller.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.reg.closeAll()
		close(e.done)
		e.wg.Wait()
		close(e.out)
	})
	return nil
}

// emit delivers one segment downstream without blocking the worker. A
// consumer that has stalled past the output buffer loses segments, with a
// metric and a warning — the same liveness policy as every other queue here.
func (e *Engine) emit(seg transcript.Segment) {
	ctx := context.Background()
	kind := "text"
	if seg.GapMarker {
		kind = "gap"
	}
	e.metrics.TranscriptsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))

	select {
	case e.out <- seg:
	default:
		e.metrics.RecordQueueDrop(ctx, "segments")
		e.log.Warn("segment dropped: output consumer stalled",
			"stream_id", seg.StreamID,
			"seq", seg.Seq,
		)
	}
}

// pumpVerdicts routes voice-activity verdicts to their stream workers.
// Verdicts for released streams are dropped silently.
func (e *Engine) pumpVerdicts() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case v, ok := <-e.vad.Verdicts():
			if !ok {
				return
			}
			if s, found := e.reg.lookup(v.StreamID); found {
				s.enqueue(command{kind: cmdVerdict, verdict: v}, "verdicts")
			}
		}
	}
}

// pumpResults routes recognition replies to their stream workers. Replies
// for released streams are dropped silently.
func (e *Engine) pumpResults() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case r, ok := <-e.recognition.Results():
			if !ok {
				return
			}
			if s, found := e.reg.lookup(r.StreamID); found {
				s.enqueue(command{kind: cmdResult, result: r}, "results")
			}
		}
	}
}

func statusAttr(status string) metric.AddOption {
	return metric.WithAttributes(attribute.String("status", status))
}
