package engine

import (
	"time"

	"github.com/virelia/sonoflux/internal/transcript"
	"github.com/virelia/sonoflux/pkg/classifier"
)

// inflight tracks one dispatched segment until its recognition reply arrives
// or the reorder head times out.
type inflight struct {
	start        time.Duration
	end          time.Duration
	dispatchedAt time.Time
}

// dispatcher converts finalized emissions into recognition requests and
// reorders the asynchronous replies back into dispatch order. Recognition
// correlation ids are the dispatch sequence numbers; they are drawn from
// their own per-stream sequence, independent of the packet id-space. Not
// safe for concurrent use — owned by the stream worker.
type dispatcher struct {
	streamID   string
	speakerID  string
	diarize    bool
	sampleRate int
	timeout    time.Duration

	nextSeq     uint64
	nextRelease uint64
	pending     map[uint64]inflight
	ready       map[uint64]transcript.Segment
}

func newDispatcher(streamID, speakerID string, diarize bool, sampleRate int, timeout time.Duration) *dispatcher {
	return &dispatcher{
		streamID:    streamID,
		speakerID:   speakerID,
		diarize:     diarize,
		sampleRate:  sampleRate,
		timeout:     timeout,
		nextSeq:     1,
		nextRelease: 1,
		pending:     make(map[uint64]inflight),
		ready:       make(map[uint64]transcript.Segment),
	}
}

// request builds the recognition request for one emission and registers the
// segment as in flight. The caller submits the request; a failed submission
// simply leaves the entry to the reorder timeout.
func (d *dispatcher) request(em emission, prompt string, history []string, now time.Time) classifier.SegmentRequest {
	seq := d.nextSeq
	d.nextSeq++

	start := d.offsetDuration(em.startOffset)
	end := d.offsetDuration(em.endOffset)
	d.pending[seq] = inflight{
		start:        start,
		end:          end,
		dispatchedAt: now,
	}

	return classifier.SegmentRequest{
		StreamID:      d.streamID,
		SpeakerID:     d.speakerID,
		CorrelationID: seq,
		Audio:         em.audio,
		SampleRate:    d.sampleRate,
		Start:         start,
		End:           end,
		CapturedAt:    em.capturedAt,
		Diarize:       d.diarize,
		Prompt:        prompt,
		History:       history,
	}
}

// accept matches one recognition reply to its dispatched segment. Replies
// for unknown or already-answered sequence numbers report false — the caller
// logs the diagnostic. The returned segments are everything releasable in
// dispatch order after this reply; waited is how long the reply took.
func (d *dispatcher) accept(res classifier.Result, now time.Time) (released []transcript.Segment, waited time.Duration, ok bool) {
	inf, ok := d.pending[res.CorrelationID]
	if !ok {
		return nil, 0, false
	}
	delete(d.pending, res.CorrelationID)

	speaker := res.SpeakerID
	if speaker == "" {
		speaker = d.speakerID
	}
	d.ready[res.CorrelationID] = transcript.Segment{
		StreamID:   d.streamID,
		SpeakerID:  speaker,
		Seq:        res.CorrelationID,
		Text:       res.Text,
		Confidence: res.Confidence,
		Start:      inf.start,
		End:        inf.end,
		EmittedAt:  now,
	}
	return d.releasable(), now.Sub(inf.dispatchedAt), true
}

// expire force-releases the reorder head as a gap marker once it has waited
// longer than the timeout, so a lost reply never stalls the stream's output.
func (d *dispatcher) expire(now time.Time) []transcript.Segment {
	var out []transcript.Segment
	for {
		inf, ok := d.pending[d.nextRelease]
		if !ok || now.Sub(inf.dispatchedAt) < d.timeout {
			break
		}
		delete(d.pending, d.nextRelease)
		d.ready[d.nextRelease] = transcript.Segment{
			StreamID:  d.streamID,
			SpeakerID: d.speakerID,
			Seq:       d.nextRelease,
			Start:     inf.start,
			End:       inf.end,
			GapMarker: true,
			EmittedAt: now,
		}
		out = append(out, d.releasable()...)
	}
	return out
}

// releasable pops the contiguous run of ready segments starting at the
// release cursor.
func (d *dispatcher) releasable() []transcript.Segment {
	var out []transcript.Segment
	for {
		seg, ok := d.ready[d.nextRelease]
		if !ok {
			break
		}
		delete(d.ready, d.nextRelease)
		d.nextRelease++
		out = append(out, seg)
	}
	return out
}

// outstanding reports how many dispatched segments have not been released.
func (d *dispatcher) outstanding() int {
	return len(d.pending) + len(d.ready)
}

func (d *dispatcher) offsetDuration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(d.sampleRate)
}
