package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// Encoding identifies the wire encoding of ingested audio payloads.
type Encoding string

const (
	// EncodingPCM16 is raw 16-bit signed little-endian PCM (the default).
	EncodingPCM16 Encoding = "pcm16"

	// EncodingALaw is ITU-T G.711 A-law, 8 bits per sample.
	EncodingALaw Encoding = "alaw"

	// EncodingMuLaw is ITU-T G.711 µ-law, 8 bits per sample.
	EncodingMuLaw Encoding = "mulaw"
)

// IsValid reports whether e is a known encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingALaw, EncodingMuLaw:
		return true
	}
	return false
}

// DecodePCM16 converts an encoded payload to PCM16LE bytes. PCM16 payloads are
// returned unchanged; G.711 payloads are expanded to 16-bit samples at the
// same sample rate (callers resample separately; G.711 sources are typically
// 8 kHz telephony).
func DecodePCM16(enc Encoding, payload []byte) ([]byte, error) {
	switch enc {
	case EncodingPCM16, "":
		return payload, nil
	case EncodingALaw:
		return g711.DecodeAlaw(payload), nil
	case EncodingMuLaw:
		return g711.DecodeUlaw(payload), nil
	default:
		return nil, fmt.Errorf("audio: unknown encoding %q", enc)
	}
}
