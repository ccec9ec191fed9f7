package protocol

import "errors"

// Codec errors. Both are expected noise on an unreliable transport: callers
// drop the frame and carry on.
var (
	ErrInvalidPacket    = errors.New("protocol: invalid packet")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
)

// Handshake errors. Either one ends the connection attempt.
var (
	ErrAuthenticationFailed = errors.New("protocol: authentication failed")
	ErrEncryption           = errors.New("protocol: unsupported cipher")
)

// ErrMalformedPayload is returned when a message payload does not match its schema.
var ErrMalformedPayload = errors.New("protocol: malformed payload")
