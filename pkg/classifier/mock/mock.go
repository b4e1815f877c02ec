// Package mock provides test doubles for the classifier gateway interfaces.
//
// Use VAD to script verdicts for submitted packets and inspect what was
// submitted. Use Recognizer to do the same for segments. Both can answer
// automatically through a Script function or stay silent so the test drives
// replies by hand with Emit.
//
// Example:
//
//	vad := mock.NewVAD(16)
//	vad.Script = func(req classifier.PacketRequest) (classifier.Verdict, bool) {
//	    return classifier.Verdict{
//	        StreamID:      req.StreamID,
//	        CorrelationID: req.CorrelationID,
//	        Speech:        true,
//	    }, true
//	}
package mock

import (
	"context"
	"sync"

	"github.com/virelia/sonoflux/pkg/classifier"
)

// VAD is a mock implementation of classifier.VADGateway.
type VAD struct {
	mu sync.Mutex

	// Script, if non-nil, is consulted for every SubmitPacket call. When it
	// returns true the verdict is delivered on the Verdicts channel. A nil
	// Script means no automatic replies.
	Script func(req classifier.PacketRequest) (classifier.Verdict, bool)

	// SubmitErr, if non-nil, is returned by every SubmitPacket call. The
	// call is still recorded; no verdict is produced.
	SubmitErr error

	// SubmitCalls records every packet passed to SubmitPacket in order.
	SubmitCalls []classifier.PacketRequest

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	verdicts  chan classifier.Verdict
	closeOnce sync.Once
}

// NewVAD returns a VAD whose Verdicts channel holds up to buffer entries.
func NewVAD(buffer int) *VAD {
	return &VAD{verdicts: make(chan classifier.Verdict, buffer)}
}

// SubmitPacket records the call and, when Script accepts it, delivers the
// scripted verdict.
func (v *VAD) SubmitPacket(_ context.Context, req classifier.PacketRequest) error {
	v.mu.Lock()
	v.SubmitCalls = append(v.SubmitCalls, req)
	script := v.Script
	err := v.SubmitErr
	v.mu.Unlock()
	if err != nil {
		return err
	}
	if script != nil {
		if verdict, ok := script(req); ok {
			v.verdicts <- verdict
		}
	}
	return nil
}

// Verdicts returns the mock's verdict channel.
func (v *VAD) Verdicts() <-chan classifier.Verdict {
	return v.verdicts
}

// Emit delivers a verdict as if the remote detector had answered.
func (v *VAD) Emit(verdict classifier.Verdict) {
	v.verdicts <- verdict
}

// Calls returns a copy of the recorded SubmitPacket calls. Thread-safe.
func (v *VAD) Calls() []classifier.PacketRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]classifier.PacketRequest, len(v.SubmitCalls))
	copy(out, v.SubmitCalls)
	return out
}

// Close closes the Verdicts channel. Safe to call more than once.
func (v *VAD) Close() error {
	v.mu.Lock()
	v.CloseCallCount++
	v.mu.Unlock()
	v.closeOnce.Do(func() { close(v.verdicts) })
	return nil
}

// Reset clears all recorded calls. Thread-safe.
func (v *VAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.SubmitCalls = nil
	v.CloseCallCount = 0
}

// Ensure VAD implements classifier.VADGateway at compile time.
var _ classifier.VADGateway = (*VAD)(nil)

// Recognizer is a mock implementation of classifier.RecognitionGateway.
type Recognizer struct {
	mu sync.Mutex

	// Script, if non-nil, is consulted for every SubmitSegment call. When it
	// returns true the result is delivered on the Results channel. A nil
	// Script means no automatic replies.
	Script func(req classifier.SegmentRequest) (classifier.Result, bool)

	// SubmitErr, if non-nil, is returned by every SubmitSegment call. The
	// call is still recorded; no result is produced.
	SubmitErr error

	// SubmitCalls records every segment passed to SubmitSegment in order.
	SubmitCalls []classifier.SegmentRequest

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	results   chan classifier.Result
	closeOnce sync.Once
}

// NewRecognizer returns a Recognizer whose Results channel holds up to
// buffer entries.
func NewRecognizer(buffer int) *Recognizer {
	return &Recognizer{results: make(chan classifier.Result, buffer)}
}

// SubmitSegment records the call and, when Script accepts it, delivers the
// scripted result.
func (r *Recognizer) SubmitSegment(_ context.Context, req classifier.SegmentRequest) error {
	r.mu.Lock()
	r.SubmitCalls = append(r.SubmitCalls, req)
	script := r.Script
	err := r.SubmitErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if script != nil {
		if res, ok := script(req); ok {
			r.results <- res
		}
	}
	return nil
}

// Results returns the mock's result channel.
func (r *Recognizer) Results() <-chan classifier.Result {
	return r.results
}

// Emit delivers a result as if the remote recognizer had answered.
func (r *Recognizer) Emit(res classifier.Result) {
	r.results <- res
}

// Calls returns a copy of the recorded SubmitSegment calls. Thread-safe.
func (r *Recognizer) Calls() []classifier.SegmentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]classifier.SegmentRequest, len(r.SubmitCalls))
	copy(out, r.SubmitCalls)
	return out
}

// Close closes the Results channel. Safe to call more than once.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	r.CloseCallCount++
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.results) })
	return nil
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SubmitCalls = nil
	r.CloseCallCount = 0
}

// Ensure Recognizer implements classifier.RecognitionGateway at compile time.
var _ classifier.RecognitionGateway = (*Recognizer)(nil)
