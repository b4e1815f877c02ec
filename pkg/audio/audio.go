// Package audio provides the PCM primitives shared by the sonoflux pipeline:
// the Frame transport type, format normalization (channel downmix, linear
// resampling, G.711 decode), sample/duration arithmetic, and WAV encoding.
//
// All PCM data is 16-bit signed little-endian. Lengths are counted in bytes at
// the transport boundary and in samples inside the engine; use [SampleCount],
// [SampleBytes] and [Duration] to convert between the two views.
package audio

import "time"

// Pipeline defaults. The engine operates on mono PCM16 at 16 kHz unless
// configured otherwise; ingestion converts everything else down to this.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// Frame is one raw audio frame as delivered by the ingestion layer. Frames
// arrive at irregular cadence (typically 20–40 ms) and are not aligned to
// packet boundaries; the engine reshapes them.
type Frame struct {
	// StreamID identifies the owning stream: a speaker id in individual
	// mode, or the mixed-stream sentinel.
	StreamID string

	// Data is PCM16LE audio. Must have even length.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// CapturedAt is the wall-clock capture time reported by the platform.
	CapturedAt time.Time
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SampleCount returns the number of PCM16 samples in b (per channel total,
// i.e. interleaved samples).
func SampleCount(b []byte) int {
	return len(b) / BytesPerSample
}

// SampleBytes returns the byte length of n PCM16 samples.
func SampleBytes(n int) int {
	return n * BytesPerSample
}

// Duration returns the play time of a mono PCM16 buffer at the given rate.
func Duration(b []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(SampleCount(b)) * time.Second / time.Duration(sampleRate)
}

// SamplesFor returns the number of samples covering d at the given rate.
func SamplesFor(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
