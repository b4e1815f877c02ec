package resilience

import (
	"context"

	"github.com/virelia/sonoflux/pkg/classifier"
)

// VAD wraps a [classifier.VADGateway] with a circuit breaker. Packet
// submissions go through the breaker; verdict delivery is a passive channel
// read and is never gated.
type VAD struct {
	inner   classifier.VADGateway
	breaker *CircuitBreaker
}

var _ classifier.VADGateway = (*VAD)(nil)

// NewVAD wraps gw with a breaker built from cfg. The breaker name defaults
// to "vad" when cfg.Name is empty.
func NewVAD(gw classifier.VADGateway, cfg CircuitBreakerConfig) *VAD {
	if cfg.Name == "" {
		cfg.Name = "vad"
	}
	return &VAD{inner: gw, breaker: NewCircuitBreaker(cfg)}
}

// SubmitPacket forwards the packet through the breaker. While the breaker is
// open it returns [ErrCircuitOpen] without touching the wrapped gateway.
func (v *VAD) SubmitPacket(ctx context.Context, req classifier.PacketRequest) error {
	return v.breaker.Execute(func() error {
		return v.inner.SubmitPacket(ctx, req)
	})
}

// Verdicts returns the wrapped gateway's verdict channel.
func (v *VAD) Verdicts() <-chan classifier.Verdict {
	return v.inner.Verdicts()
}

// Close closes the wrapped gateway.
func (v *VAD) Close() error {
	return v.inner.Close()
}

// Breaker exposes the underlying breaker, mainly for health reporting.
func (v *VAD) Breaker() *CircuitBreaker {
	return v.breaker
}

// Recognizer wraps a [classifier.RecognitionGateway] with a circuit breaker,
// mirroring [VAD]: submissions are gated, result delivery is not.
type Recognizer struct {
	inner   classifier.RecognitionGateway
	breaker *CircuitBreaker
}

var _ classifier.RecognitionGateway = (*Recognizer)(nil)

// NewRecognizer wraps gw with a breaker built from cfg. The breaker name
// defaults to "recognition" when cfg.Name is empty.
func NewRecognizer(gw classifier.RecognitionGateway, cfg CircuitBreakerConfig) *Recognizer {
	if cfg.Name == "" {
		cfg.Name = "recognition"
	}
	return &Recognizer{inner: gw, breaker: NewCircuitBreaker(cfg)}
}

// SubmitSegment forwards the segment through the breaker. While the breaker
// is open it returns [ErrCircuitOpen] without touching the wrapped gateway.
func (r *Recognizer) SubmitSegment(ctx context.Context, req classifier.SegmentRequest) error {
	return r.breaker.Execute(func() error {
		return r.inner.SubmitSegment(ctx, req)
	})
}

// Results returns the wrapped gateway's result channel.
func (r *Recognizer) Results() <-chan classifier.Result {
	return r.inner.Results()
}

// Close closes the wrapped gateway.
func (r *Recognizer) Close() error {
	return r.inner.Close()
}

// Breaker exposes the underlying breaker, mainly for health reporting.
func (r *Recognizer) Breaker() *CircuitBreaker {
	return r.breaker
}
