// Package protocol implements the wire framing for the data pipe: fixed
// 8-byte-header binary chunk frames and JSON-encoded control text frames.
package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the fixed size, in bytes, of a binary chunk frame header.
	HeaderSize = 8

	// ChunkSize is the default maximum payload size of a single chunk.
	ChunkSize = 65_536
)

var (
	// ErrMalformedFrame is returned when a binary frame fails structural
	// validation (too short, or declared length doesn't match actual size).
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// EncodeChunk builds a binary chunk frame: a big-endian chunkIndex,
// a big-endian payload length, and the payload itself.
func EncodeChunk(index uint32, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], index)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// DecodeChunk parses a binary chunk frame, verifying that the declared
// payload length matches the actual frame size. The returned payload is a
// copy and does not alias frame.
func DecodeChunk(frame []byte) (index uint32, payload []byte, err error) {
	if len(frame) < HeaderSize {
		return 0, nil, ErrMalformedFrame
	}
	index = binary.BigEndian.Uint32(frame[0:4])
	payloadLen := binary.BigEndian.Uint32(frame[4:8])
	if int(payloadLen) != len(frame)-HeaderSize {
		return 0, nil, ErrMalformedFrame
	}
	payload = make([]byte, payloadLen)
	copy(payload, frame[HeaderSize:])
	return index, payload, nil
}
