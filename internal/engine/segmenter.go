package engine

import (
	"time"

	"github.com/virelia/sonoflux/pkg/audio"
)

// streamState is the per-stream speech/silence state.
type streamState int

const (
	stateIdle streamState = iota
	stateAccumulating
)

func (s streamState) String() string {
	if s == stateAccumulating {
		return "accumulating"
	}
	return "idle"
}

// Emission reasons. The values double as metric attribute values.
const (
	reasonTarget   = "target"
	reasonOverflow = "overflow"
	reasonSilence  = "silence"
	reasonFlush    = "flush"
)

// emission is one finalized speech accumulation on its way to recognition.
type emission struct {
	audio       []byte
	startOffset int
	endOffset   int
	capturedAt  time.Time
	reason      string
}

// segmenter is the per-stream speech/silence state machine. It accumulates
// the samples of speech-verdicted packets and cuts segments on the target
// boundary, on silence, or on overflow. The accumulation buffer is allocated
// once at the overflow bound and reused; emitted segments are copies. Not
// safe for concurrent use — owned by the stream worker.
type segmenter struct {
	targetBytes   int
	overflowBytes int
	minBytes      int
	silence       time.Duration
	sampleRate    int

	state        streamState
	buf          []byte
	bufOffset    int
	bufStartAt   time.Time
	lastSpeechAt time.Time

	discarded int
}

func newSegmenter(targetSamples, overflowSamples, minSamples int, silence time.Duration, sampleRate int) *segmenter {
	return &segmenter{
		targetBytes:   audio.SampleBytes(targetSamples),
		overflowBytes: audio.SampleBytes(overflowSamples),
		minBytes:      audio.SampleBytes(minSamples),
		silence:       silence,
		sampleRate:    sampleRate,
		buf:           make([]byte, 0, audio.SampleBytes(overflowSamples)),
	}
}

// apply advances the state machine with one in-order resolved packet and
// returns the segments it finalized, oldest first.
func (s *segmenter) apply(p resolvedPacket, now time.Time) []emission {
	if p.speech {
		return s.applySpeech(p, now)
	}
	return s.applySilence(now)
}

func (s *segmenter) applySpeech(p resolvedPacket, now time.Time) []emission {
	if s.state == stateIdle {
		s.state = stateAccumulating
		s.bufOffset = p.offset
		s.bufStartAt = p.capturedAt
	}
	s.lastSpeechAt = now

	var out []emission

	// The overflow bound wins over everything else: a full buffer is emitted
	// whole, min-duration policy included, and accumulation continues.
	if len(s.buf)+len(p.audio) > s.overflowBytes {
		out = append(out, s.cut(len(s.buf), reasonOverflow))
	}
	s.buf = append(s.buf, p.audio...)

	for len(s.buf) >= s.targetBytes {
		out = append(out, s.cut(s.targetBytes, reasonTarget))
	}
	return out
}

func (s *segmenter) applySilence(now time.Time) []emission {
	if s.state != stateAccumulating {
		return nil
	}
	if len(s.buf) >= s.overflowBytes {
		// Accumulation continues past an overflow cut only on speech; here
		// the triggering verdict was silence, so the utterance is closed.
		out := []emission{s.cut(len(s.buf), reasonOverflow)}
		s.state = stateIdle
		return out
	}
	if now.Sub(s.lastSpeechAt) < s.silence {
		// Intra-utterance pause; keep accumulating.
		return nil
	}
	return s.finalize(reasonSilence)
}

// sweep applies the silence timeout from wall-clock time alone, so an
// utterance still closes when the speaker simply stops producing frames.
func (s *segmenter) sweep(now time.Time) []emission {
	if s.state != stateAccumulating {
		return nil
	}
	if now.Sub(s.lastSpeechAt) < s.silence {
		return nil
	}
	return s.finalize(reasonSilence)
}

// flush finalizes an in-progress utterance ahead of an orderly stream stop.
// The minimum-duration policy still applies.
func (s *segmenter) flush() []emission {
	if s.state != stateAccumulating {
		return nil
	}
	return s.finalize(reasonFlush)
}

// finalize closes the current utterance: the accumulation is emitted when it
// meets the minimum speech duration and discarded silently otherwise.
func (s *segmenter) finalize(reason string) []emission {
	defer func() {
		s.buf = s.buf[:0]
		s.state = stateIdle
	}()

	if len(s.buf) < s.minBytes {
		if len(s.buf) > 0 {
			s.discarded++
		}
		return nil
	}
	return []emission{s.cut(len(s.buf), reason)}
}

// cut copies n bytes off the front of the buffer into an emission and keeps
// the excess as the next segment's head.
func (s *segmenter) cut(n int, reason string) emission {
	samples := audio.SampleCount(s.buf[:n])
	em := emission{
		audio:       make([]byte, n),
		startOffset: s.bufOffset,
		endOffset:   s.bufOffset + samples,
		capturedAt:  s.bufStartAt,
		reason:      reason,
	}
	copy(em.audio, s.buf[:n])

	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
	s.bufOffset += samples
	s.bufStartAt = s.bufStartAt.Add(time.Duration(samples) * time.Second / time.Duration(s.sampleRate))
	return em
}
