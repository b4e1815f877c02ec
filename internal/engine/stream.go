package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/virelia/sonoflux/internal/transcript"
	"github.com/virelia/sonoflux/pkg/audio"
	"github.com/virelia/sonoflux/pkg/classifier"
)

// cmdKind discriminates the messages a stream worker accepts.
type cmdKind uint8

const (
	cmdFrame cmdKind = iota
	cmdVerdict
	cmdResult
	cmdFlush
)

// command is one message into a stream worker. Exactly one payload field is
// set, selected by kind. Flush commands carry an ack channel the worker
// closes once the flush has been processed.
type command struct {
	kind    cmdKind
	frame   audio.Frame
	verdict classifier.Verdict
	result  classifier.Result
	ack     chan struct{}
}

// stream is one independently processed audio channel. All mutable state —
// packet buffer, pending verdicts, speech buffer, state machine, reorder
// buffer — is confined to the worker goroutine; the rest of the engine talks
// to it exclusively through the command queue.
type stream struct {
	id  string
	eng *Engine
	log *slog.Logger

	cmds     chan command
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once

	// Worker-owned. Never touched outside run.
	acc  *accumulator
	trk  *tracker
	seg  *segmenter
	disp *dispatcher
}

func (e *Engine) newStream(id string) *stream {
	cfg := e.cfg
	speaker := id
	diarize := false
	if id == MixedStreamID {
		speaker = ""
		diarize = true
	}

	s := &stream{
		id:   id,
		eng:  e,
		log:  e.log.With("stream_id", id),
		cmds:   make(chan command, cfg.QueueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		acc:  newAccumulator(cfg.PacketSamples, cfg.SampleRate),
		trk:  newTracker(cfg.MaxOutstanding, cfg.VerdictTimeout),
		seg:  newSegmenter(cfg.TargetSamples, cfg.OverflowSamples, cfg.MinSamples, cfg.SilenceTimeout, cfg.SampleRate),
		disp: newDispatcher(id, speaker, diarize, cfg.SampleRate, cfg.ReorderTimeout),
	}

	e.wg.Add(1)
	go s.run()
	return s
}

// enqueue hands one command to the worker without blocking. A full queue
// drops the command — ingestion and the gateway pumps must never stall on a
// slow stream.
func (s *stream) enqueue(cmd command, queue string) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- cmd:
		return true
	case <-s.done:
		return false
	default:
		s.eng.metrics.RecordQueueDrop(context.Background(), queue)
		return true
	}
}

// stop tears the worker down and waits for it to exit. Queued commands are
// discarded; once stop returns, no segment is emitted for the stream.
func (s *stream) stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.exited
}

// stopping reports whether stop has been requested. The worker checks it
// before acting on any command: select chooses arms at random, so without
// this a reply already queued when stop closes done could still be processed
// and a segment delivered after stop returned.
func (s *stream) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// run is the worker loop. It is the single writer for all per-stream state;
// the sweep ticker drives every wall-clock policy (verdict timeouts, silence
// finalization, reorder head timeouts) independent of input arrival.
func (s *stream) run() {
	defer s.eng.wg.Done()
	defer close(s.exited)

	ticker := time.NewTicker(s.eng.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.stopping() {
				return
			}
			s.sweep(now)
		case cmd := <-s.cmds:
			if s.stopping() {
				if cmd.kind == cmdFlush {
					close(cmd.ack)
				}
				return
			}
			switch cmd.kind {
			case cmdFrame:
				s.handleFrame(cmd.frame)
			case cmdVerdict:
				s.handleVerdict(cmd.verdict)
			case cmdResult:
				s.handleResult(cmd.result)
			case cmdFlush:
				s.handleFlush()
				close(cmd.ack)
			}
		}
	}
}

// handleFrame reshapes one raw frame into packets and submits each for
// voice-activity classification.
func (s *stream) handleFrame(frame audio.Frame) {
	now := time.Now()
	ctx := context.Background()
	s.eng.metrics.FramesIngested.Add(ctx, 1)

	for _, pkt := range s.acc.append(frame) {
		id, evicted := s.trk.track(pkt, now)
		s.applyResolved(evicted, now)

		req := classifier.PacketRequest{
			StreamID:      s.id,
			CorrelationID: id,
			Audio:         pkt.audio,
			SampleRate:    s.eng.cfg.SampleRate,
			CapturedAt:    pkt.capturedAt,
		}
		if err := s.eng.vad.SubmitPacket(ctx, req); err != nil {
			// Fire and forget: the verdict timeout resolves the hole.
			s.eng.metrics.RecordGatewayError(ctx, "vad")
			s.eng.metrics.PacketsSubmitted.Add(ctx, 1, statusAttr("dropped"))
			s.log.Debug("vad submission failed", "correlation_id", id, "error", err)
			continue
		}
		s.eng.metrics.PacketsSubmitted.Add(ctx, 1, statusAttr("ok"))
	}
}

// handleVerdict resolves one remote verdict against the pending packets.
func (s *stream) handleVerdict(v classifier.Verdict) {
	now := time.Now()
	resolved, ok := s.trk.resolve(v, now)
	if !ok {
		// Duplicate, or the packet already timed out or was evicted.
		s.log.Debug("verdict for unknown or settled packet dropped",
			"correlation_id", v.CorrelationID,
		)
		return
	}
	s.applyResolved(resolved, now)
}

// handleResult feeds one recognition reply into the reorder buffer.
func (s *stream) handleResult(res classifier.Result) {
	now := time.Now()
	segs, waited, ok := s.disp.accept(res, now)
	if !ok {
		s.log.Debug("recognition reply for unknown or settled segment dropped",
			"correlation_id", res.CorrelationID,
		)
		return
	}
	s.eng.metrics.RecognitionLatency.Record(context.Background(), waited.Seconds())
	s.deliver(segs)
}

// handleFlush finalizes an in-progress utterance ahead of release.
func (s *stream) handleFlush() {
	for _, em := range s.seg.flush() {
		s.dispatch(em, time.Now())
	}
}

// sweep runs every wall-clock policy once.
func (s *stream) sweep(now time.Time) {
	s.applyResolved(s.trk.expire(now), now)

	for _, em := range s.seg.sweep(now) {
		s.dispatch(em, now)
	}

	s.deliver(s.disp.expire(now))
}

// applyResolved drives the state machine with in-order verdicts and
// dispatches whatever segments it finalizes.
func (s *stream) applyResolved(resolved []resolvedPacket, now time.Time) {
	ctx := context.Background()
	for _, p := range resolved {
		s.eng.metrics.RecordVerdict(ctx, p.outcome, p.latency.Seconds())
		if p.outcome == outcomeTimeout || p.outcome == outcomeEvicted {
			s.log.Debug("packet resolved as non-speech by policy",
				"outcome", p.outcome,
				"waited", p.latency,
			)
		}

		before := s.seg.discarded
		for _, em := range s.seg.apply(p, now) {
			s.dispatch(em, now)
		}
		if s.seg.discarded > before {
			s.eng.metrics.SegmentsDiscarded.Add(ctx, 1)
			s.log.Debug("short accumulation discarded")
		}
	}
}

// dispatch hands one finalized segment to the recognition gateway.
func (s *stream) dispatch(em emission, now time.Time) {
	ctx := context.Background()
	duration := audio.Duration(em.audio, s.eng.cfg.SampleRate)
	s.eng.metrics.RecordSegmentEmitted(ctx, em.reason, duration.Seconds())

	if s.eng.observer != nil {
		s.eng.observer(s.id, em.audio, s.disp.offsetDuration(em.startOffset))
	}

	var prompt string
	var history []string
	if s.eng.contexts != nil {
		prompt, history = s.eng.contexts.RecognitionContext(s.id)
	}

	req := s.disp.request(em, prompt, history, now)
	if err := s.eng.recognition.SubmitSegment(ctx, req); err != nil {
		// The entry stays in the reorder buffer; the head timeout turns it
		// into a gap marker.
		s.eng.metrics.RecordGatewayError(ctx, "recognition")
		s.log.Warn("recognition submission failed",
			"correlation_id", req.CorrelationID,
			"duration", duration,
			"error", err,
		)
		return
	}

	s.log.Debug("segment dispatched",
		"correlation_id", req.CorrelationID,
		"reason", em.reason,
		"duration", duration,
	)
}

// deliver pushes released segments onto the engine's ordered output channel.
func (s *stream) deliver(segs []transcript.Segment) {
	for _, seg := range segs {
		s.eng.emit(seg)
	}
}
