package engine

import (
	"time"

	"github.com/virelia/sonoflux/pkg/classifier"
)

// verdictOutcome labels how a pending packet was resolved. The values double
// as metric attribute values.
const (
	outcomeSpeech    = "speech"
	outcomeNonSpeech = "non_speech"
	outcomeTimeout   = "timeout"
	outcomeEvicted   = "evicted"
)

// resolvedPacket is a packet together with its final speech verdict, released
// by the tracker strictly in packet order.
type resolvedPacket struct {
	packet
	speech     bool
	confidence float64
	outcome    string
	latency    time.Duration
}

// pendingVerdict holds one packet awaiting its verdict. Entries live in the
// tracker's slice in correlation-id order; a resolved entry stays buffered
// until every entry before it has resolved too.
type pendingVerdict struct {
	id           uint64
	pkt          packet
	dispatchedAt time.Time

	resolved   bool
	speech     bool
	confidence float64
	outcome    string
	resolvedAt time.Time
}

// tracker matches asynchronous voice-activity verdicts back to the packets
// that produced them and re-establishes packet order before the verdicts
// reach the state machine. Not safe for concurrent use — owned by the
// stream worker.
type tracker struct {
	maxOutstanding int
	timeout        time.Duration

	nextID  uint64
	pending []pendingVerdict
}

func newTracker(maxOutstanding int, timeout time.Duration) *tracker {
	return &tracker{
		maxOutstanding: maxOutstanding,
		timeout:        timeout,
	}
}

// track registers a packet as awaiting classification and returns its
// correlation id. When the outstanding bound is exceeded, the oldest
// unresolved packet is resolved as non-speech by policy; any resolutions
// released by that eviction are returned.
func (t *tracker) track(pkt packet, now time.Time) (uint64, []resolvedPacket) {
	t.nextID++
	id := t.nextID
	t.pending = append(t.pending, pendingVerdict{
		id:           id,
		pkt:          pkt,
		dispatchedAt: now,
	})

	if t.unresolvedCount() <= t.maxOutstanding {
		return id, nil
	}

	// Liveness over completeness: clear the oldest unresolved slot.
	for i := range t.pending {
		if !t.pending[i].resolved {
			t.markResolved(&t.pending[i], false, 0, outcomeEvicted, now)
			break
		}
	}
	return id, t.release()
}

// resolve applies a remote verdict. A verdict for an unknown or
// already-resolved id reports false — the caller logs the diagnostic. The
// returned slice holds every packet released in order by this resolution.
func (t *tracker) resolve(v classifier.Verdict, now time.Time) ([]resolvedPacket, bool) {
	for i := range t.pending {
		if t.pending[i].id != v.CorrelationID {
			continue
		}
		if t.pending[i].resolved {
			return nil, false
		}
		t.markResolved(&t.pending[i], v.Speech, v.Confidence, verdictOutcome(v.Speech), now)
		return t.release(), true
	}
	return nil, false
}

// expire resolves every pending packet older than the verdict timeout as
// non-speech, so silence detection is never starved by a lost reply.
func (t *tracker) expire(now time.Time) []resolvedPacket {
	expired := false
	for i := range t.pending {
		if t.pending[i].resolved {
			continue
		}
		if now.Sub(t.pending[i].dispatchedAt) >= t.timeout {
			t.markResolved(&t.pending[i], false, 0, outcomeTimeout, now)
			expired = true
		}
	}
	if !expired {
		return nil
	}
	return t.release()
}

// release pops the resolved prefix of the pending list. Packets behind an
// unresolved entry stay buffered regardless of their own state.
func (t *tracker) release() []resolvedPacket {
	n := 0
	for n < len(t.pending) && t.pending[n].resolved {
		n++
	}
	if n == 0 {
		return nil
	}

	out := make([]resolvedPacket, 0, n)
	for _, p := range t.pending[:n] {
		out = append(out, resolvedPacket{
			packet:     p.pkt,
			speech:     p.speech,
			confidence: p.confidence,
			outcome:    p.outcome,
			latency:    p.resolvedAt.Sub(p.dispatchedAt),
		})
	}
	t.pending = t.pending[n:]
	return out
}

func (t *tracker) markResolved(p *pendingVerdict, speech bool, confidence float64, outcome string, now time.Time) {
	p.resolved = true
	p.speech = speech
	p.confidence = confidence
	p.outcome = outcome
	p.resolvedAt = now
}

func (t *tracker) unresolvedCount() int {
	n := 0
	for i := range t.pending {
		if !t.pending[i].resolved {
			n++
		}
	}
	return n
}

func verdictOutcome(speech bool) string {
	if speech {
		return outcomeSpeech
	}
	return outcomeNonSpeech
}
