// Package telemetry decodes raw sensor characteristic payloads into
// temperature readings. The decoder is pure: no I/O, no clock of its own.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Scale is the fixed-point denominator of the wire format: the 2-byte
// payload is a signed integer in 1/16ths of a degree Celsius.
const Scale = 16

// PayloadLength is the exact length of a valid telemetry payload.
const PayloadLength = 2

// Reading is a single decoded temperature sample.
type Reading struct {
	CapturedAt time.Time
	Raw        []byte
	Celsius    float64
}

// MalformedPayloadError reports a telemetry payload of the wrong length.
type MalformedPayloadError struct {
	Length int
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("telemetry: malformed payload: expected %d bytes, got %d", PayloadLength, e.Length)
}

// Decoder turns raw characteristic payloads into readings. Only payloads
// tagged with the configured telemetry characteristic UUID are decoded;
// payloads from any other characteristic are ignored without error.
type Decoder struct {
	charUUID string
}

// NewDecoder creates a Decoder for the given telemetry characteristic UUID.
func NewDecoder(charUUID string) *Decoder {
	return &Decoder{charUUID: strings.ToLower(charUUID)}
}

// Decode converts a payload into a reading. It returns (nil, nil) for
// payloads tagged with a different characteristic, and a
// *MalformedPayloadError for payloads that are not exactly 2 bytes.
func (d *Decoder) Decode(charUUID string, payload []byte, now time.Time) (*Reading, error) {
	if !strings.EqualFold(charUUID, d.charUUID) {
		return nil, nil
	}
	if len(payload) != PayloadLength {
		return nil, &MalformedPayloadError{Length: len(payload)}
	}

	raw := int16(binary.LittleEndian.Uint16(payload))

	return &Reading{
		CapturedAt: now,
		Raw:        append([]byte(nil), payload...),
		Celsius:    float64(raw) / Scale,
	}, nil
}
