// internal/oob/frame.go
package oob

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format (must match the mobile client bit-for-bit):
//
//	[0:4] = payload length (uint32, little endian)
//	[4:]  = payload bytes, interpreted by the configured wire format
const frameHeaderLen = 4

// DefaultMaxPayload bounds the declared payload length. Verification
// tokens are tiny; anything near this limit is a hostile or corrupted
// peer, not a legitimate exchange.
const DefaultMaxPayload = 64 << 10

// readFrame reads one length-prefixed frame from r.
//
// Both the 4-byte header and the payload are read with io.ReadFull, so a
// stream that ends or errors before the declared byte count is satisfied
// fails the whole exchange rather than yielding a partial frame.
func readFrame(r io.Reader, maxPayload uint32) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	declared := binary.LittleEndian.Uint32(hdr[:])
	if declared > maxPayload {
		return nil, fmt.Errorf("declared payload %d exceeds limit %d", declared, maxPayload)
	}

	payload := make([]byte, declared)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", declared, err)
	}
	return payload, nil
}

// EncodeFrame prepends the little-endian length header to payload. Used by
// the sender tool and by tests; the channel itself only reads.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(out[:frameHeaderLen], uint32(len(payload)))
	copy(out[frameHeaderLen:], payload)
	return out
}
