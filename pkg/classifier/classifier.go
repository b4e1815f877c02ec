// Package classifier defines the contracts between the buffering engine and
// the remote audio classifiers it feeds.
//
// Two classifier families exist: voice-activity detection (VAD), which
// receives fixed-size audio packets and answers with a boolean speech verdict
// per packet, and speech recognition, which receives complete speech segments
// and answers with transcribed text. Both are remote services reached through
// a gateway client; both answer asynchronously and out of order. The engine
// matches replies to requests through correlation identifiers that the
// gateway must echo back untouched.
//
// Implementations live in subpackages: vadws speaks the websocket VAD
// protocol, asrhttp speaks the HTTP recognition protocol, and mock provides
// scriptable test doubles.
package classifier

import "context"

// VADGateway is a client for a remote voice-activity detector.
//
// SubmitPacket is fire and forget: a nil error means the packet was accepted
// for delivery, not that a verdict will arrive. Verdicts are read from the
// Verdicts channel and may arrive in any order relative to submission. The
// gateway never invents correlation identifiers; every Verdict echoes one
// from a prior PacketRequest. Replies that cannot be parsed or matched are
// dropped by the gateway with a diagnostic.
type VADGateway interface {
	// SubmitPacket queues one packet for classification. It must not block
	// beyond ctx. An error reports a delivery problem (queue full, connection
	// down); the caller decides whether that matters.
	SubmitPacket(ctx context.Context, req PacketRequest) error

	// Verdicts returns the channel on which classification results arrive.
	// The channel is closed after Close returns. Repeated calls return the
	// same channel.
	Verdicts() <-chan Verdict

	// Close releases the connection and closes the Verdicts channel. Safe to
	// call more than once.
	Close() error
}

// RecognitionGateway is a client for a remote speech recognizer.
//
// Semantics mirror VADGateway: submission is fire and forget, results arrive
// asynchronously on the Results channel in arbitrary order, and every Result
// echoes the correlation identifier of its SegmentRequest. A segment whose
// recognition fails permanently produces no Result at all; the caller's
// reorder timeout handles the hole.
type RecognitionGateway interface {
	// SubmitSegment queues one speech segment for transcription. It must not
	// block beyond ctx.
	SubmitSegment(ctx context.Context, req SegmentRequest) error

	// Results returns the channel on which transcriptions arrive. The channel
	// is closed after Close returns. Repeated calls return the same channel.
	Results() <-chan Result

	// Close releases the connection and closes the Results channel. Safe to
	// call more than once.
	Close() error
}
