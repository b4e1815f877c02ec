// Package transcript turns the engine's ordered recognition output into
// consumable transcripts: on-disk writers for the text, JSON and SRT formats,
// a glossary corrector that snaps near-miss recognitions onto configured
// terms, a shared conversation context that primes the recognizer with recent
// sentences, and per-session statistics.
package transcript

import "time"

// Segment is one finalized transcription unit. Segments for a stream are
// delivered strictly in dispatch order; Seq is the per-stream dispatch
// sequence number that order is defined by.
type Segment struct {
	// StreamID identifies the originating audio stream.
	StreamID string

	// SpeakerID names the participant, or the mixed sentinel when one stream
	// carries the whole meeting.
	SpeakerID string

	// Seq is the per-stream dispatch sequence number.
	Seq uint64

	// Text is the recognized speech. Empty for gap markers.
	Text string

	// Confidence is the recognizer's confidence in [0, 1].
	Confidence float64

	// Start and End are offsets from the start of the stream.
	Start time.Duration
	End   time.Duration

	// GapMarker is set when the segment stands in for a recognition reply
	// that never arrived; Text is empty then.
	GapMarker bool

	// EmittedAt is when the segment was released downstream.
	EmittedAt time.Time
}

// Duration returns the audio length the segment covers.
func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}
