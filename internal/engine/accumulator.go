package engine

import (
	"time"

	"github.com/virelia/sonoflux/pkg/audio"
)

// packet is one fixed-size chunk of a stream's audio, cut from the irregular
// ingest frames. Offsets count samples from the start of the stream.
type packet struct {
	audio      []byte
	offset     int
	capturedAt time.Time
}

// accumulator reshapes irregular frames into packets of exactly packetBytes.
// The working buffer is allocated once and reused; emitted packets are copies.
// Not safe for concurrent use — owned by the stream worker.
type accumulator struct {
	packetBytes int
	sampleRate  int

	buf        []byte
	bufStartAt time.Time
	nextOffset int
}

func newAccumulator(packetSamples, sampleRate int) *accumulator {
	return &accumulator{
		packetBytes: audio.SampleBytes(packetSamples),
		sampleRate:  sampleRate,
		buf:         make([]byte, 0, audio.SampleBytes(packetSamples)),
	}
}

// append adds one frame's samples to the working buffer and returns the
// packets completed by it, in order. A frame may complete zero, one, or
// several packets; leftover samples stay buffered as the next packet's head.
// No samples are dropped or duplicated.
func (a *accumulator) append(frame audio.Frame) []packet {
	data := frame.Data
	var out []packet

	for len(data) > 0 {
		if len(a.buf) == 0 {
			a.bufStartAt = frame.CapturedAt
		}

		take := a.packetBytes - len(a.buf)
		if take > len(data) {
			take = len(data)
		}
		a.buf = append(a.buf, data[:take]...)
		data = data[take:]

		if len(a.buf) < a.packetBytes {
			break
		}

		p := packet{
			audio:      make([]byte, a.packetBytes),
			offset:     a.nextOffset,
			capturedAt: a.bufStartAt,
		}
		copy(p.audio, a.buf)
		out = append(out, p)

		a.buf = a.buf[:0]
		a.nextOffset += audio.SampleCount(p.audio)
		a.bufStartAt = frame.CapturedAt
	}

	return out
}

// buffered returns the number of bytes waiting for the next packet boundary.
func (a *accumulator) buffered() int {
	return len(a.buf)
}
