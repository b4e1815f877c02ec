package classifier

import "time"

// PacketRequest is one fixed-size audio packet submitted for voice-activity
// classification.
type PacketRequest struct {
	// StreamID identifies the originating audio stream.
	StreamID string

	// CorrelationID is assigned by the engine, strictly increasing per
	// stream. The remote detector echoes it back in the Verdict.
	CorrelationID uint64

	// Audio is raw little-endian 16-bit PCM, mono. The slice is owned by the
	// request; the gateway may retain it until delivery completes.
	Audio []byte

	// SampleRate is the packet's sample rate in Hz.
	SampleRate int

	// CapturedAt is the arrival time of the first sample in the packet.
	CapturedAt time.Time
}

// Verdict is the detector's answer for one packet.
type Verdict struct {
	// StreamID and CorrelationID identify the packet this verdict answers.
	StreamID      string
	CorrelationID uint64

	// Speech reports whether the packet contains speech.
	Speech bool

	// Confidence is the detector's probability estimate in [0, 1]. Zero when
	// the remote service does not report one.
	Confidence float64
}

// SegmentRequest is one complete speech segment submitted for transcription.
type SegmentRequest struct {
	// StreamID identifies the originating audio stream.
	StreamID string

	// SpeakerID names the participant the stream belongs to, or the mixed
	// sentinel when the stream carries several voices.
	SpeakerID string

	// CorrelationID is assigned by the engine, strictly increasing per
	// stream. Recognition identifiers are drawn from their own sequence and
	// never collide with packet identifiers of the same stream.
	CorrelationID uint64

	// Audio is raw little-endian 16-bit PCM, mono, copied out of the
	// engine's accumulation buffer. The gateway owns the slice.
	Audio []byte

	// SampleRate is the segment's sample rate in Hz.
	SampleRate int

	// Start and End are the segment's offsets from the start of the stream.
	Start time.Duration
	End   time.Duration

	// CapturedAt is the wall-clock time the segment's first sample arrived.
	CapturedAt time.Time

	// Diarize asks the recognizer to separate speakers within the segment.
	// Set for mixed-mode streams, where one segment may carry several voices.
	Diarize bool

	// Prompt primes the recognizer with recent conversation, built from the
	// shared context. Empty when no history exists.
	Prompt string

	// History carries the most recent committed sentences across all streams
	// of the session, oldest first.
	History []string
}

// Result is the recognizer's answer for one segment.
type Result struct {
	// StreamID and CorrelationID identify the segment this result answers.
	StreamID      string
	CorrelationID uint64

	// Text is the transcription. May be empty when the recognizer heard
	// nothing intelligible.
	Text string

	// SpeakerID echoes the request's speaker, or carries the recognizer's
	// own diarization when it performs any.
	SpeakerID string

	// Confidence is the recognizer's overall confidence in [0, 1]. Zero when
	// not reported.
	Confidence float64
}
