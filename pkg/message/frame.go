package message

import (
	"encoding/binary"
	"fmt"
)

// KeySize is the fixed width of the type key at the head of every payload.
const KeySize = 4

// DecodeError marks a malformed frame. It is fatal to the session that
// received it; wire corruption cannot be recovered per-message.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "message: decode: " + e.Reason }

// Pack prefixes body with the 4-byte big-endian type key.
func Pack(key Key, body []byte) []byte {
	out := make([]byte, KeySize+len(body))
	binary.BigEndian.PutUint32(out[:KeySize], uint32(key))
	copy(out[KeySize:], body)
	return out
}

// Unpack splits a frame into type key and body. The body aliases the frame.
func Unpack(frame []byte) (Key, []byte, error) {
	if len(frame) < KeySize {
		return 0, nil, &DecodeError{Reason: fmt.Sprintf("frame too short: %d bytes", len(frame))}
	}
	return Key(binary.BigEndian.Uint32(frame[:KeySize])), frame[KeySize:], nil
}
