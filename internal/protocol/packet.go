// Package protocol defines the packet format, message types and control
// payloads of the terminal state-synchronization protocol.
package protocol

import "sync/atomic"

// MessageType identifies the kind of message carried by a Packet.
type MessageType uint8

// Message type constants.
const (
	TypeStateUpdate       MessageType = 0x01 // Snapshot or delta of the host terminal
	TypeAck               MessageType = 0x02 // Acknowledgment (heartbeat ack, state version ack)
	TypeHeartbeat         MessageType = 0x03 // Liveness probe
	TypeKeyExchange       MessageType = 0x04 // Session hello
	TypeResize            MessageType = 0x05 // Client terminal geometry change
	TypePrediction        MessageType = 0x06 // User input, already echoed locally
	TypeRetransmitRequest MessageType = 0x07 // Ask the host for a full snapshot
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t >= TypeStateUpdate && t <= TypeRetransmitRequest
}

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeStateUpdate:
		return "StateUpdate"
	case TypeAck:
		return "Ack"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeKeyExchange:
		return "KeyExchange"
	case TypeResize:
		return "Resize"
	case TypePrediction:
		return "Prediction"
	case TypeRetransmitRequest:
		return "RetransmitRequest"
	default:
		return "Unknown"
	}
}

// Frame layout sizes.
//
//	Seq(8) + Ack(8) + Timestamp(8) + Type(1) + PayloadLen(4) = HeaderSize
//	HeaderSize + payload + Checksum(8) = frame
const (
	HeaderSize     = 29
	ChecksumSize   = 8
	MinFrameSize   = HeaderSize + ChecksumSize
	MaxPayloadSize = 1<<32 - 1
)

// DefaultPort is the default UDP port of a host.
const DefaultPort = 60001

// Packet is a single protocol message. It is built right before a send and
// dropped right after a successful decode; nothing retains packets.
type Packet struct {
	Seq       uint64      // Strictly increasing per sender
	Ack       uint64      // Highest Seq observed from the peer
	Timestamp uint64      // Unix milliseconds, diagnostic only
	Type      MessageType // One of the Type* constants
	Payload   []byte      // Message body, see message.go
}

// SeqGen is a per-sender atomic sequence number generator.
type SeqGen struct {
	val atomic.Uint64
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint64 {
	return s.val.Add(1)
}

// Last returns the most recently issued sequence number, 0 if none.
func (s *SeqGen) Last() uint64 {
	return s.val.Load()
}
