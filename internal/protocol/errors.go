package protocol

import "errors"

// ErrInvalidMagic is returned when a frame does not open with frameMagic
// — the stream has desynced or the peer is speaking a different
// protocol version entirely.
var ErrInvalidMagic = errors.New("protocol: invalid frame magic")

// ErrTruncatedFrame is returned when a frame's declared payload length
// exceeds maxPayloadLen, guarding against a corrupted length field.
var ErrTruncatedFrame = errors.New("protocol: frame length exceeds maximum")
