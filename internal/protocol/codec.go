package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Encode serializes a Packet into a single transport message.
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload) + ChecksumSize
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], pkt.Seq)
	binary.BigEndian.PutUint64(buf[8:16], pkt.Ack)
	binary.BigEndian.PutUint64(buf[16:24], pkt.Timestamp)
	buf[24] = byte(pkt.Type)
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(pkt.Payload)))
	copy(buf[HeaderSize:], pkt.Payload)

	sum := Checksum(pkt)
	copy(buf[HeaderSize+len(pkt.Payload):], sum[:])
	return buf
}

// Checksum returns the integrity tag of a packet: the first 8 bytes of
// SHA-256 over seq, ack, timestamp, type and payload. The length prefix is
// not covered.
func Checksum(pkt *Packet) [ChecksumSize]byte {
	var fixed [25]byte
	binary.BigEndian.PutUint64(fixed[0:8], pkt.Seq)
	binary.BigEndian.PutUint64(fixed[8:16], pkt.Ack)
	binary.BigEndian.PutUint64(fixed[16:24], pkt.Timestamp)
	fixed[24] = byte(pkt.Type)

	h := sha256.New()
	h.Write(fixed[:])
	h.Write(pkt.Payload)

	var sum [ChecksumSize]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Decode deserializes a frame into a Packet. It either returns a complete
// packet or an error wrapping ErrInvalidPacket / ErrChecksumMismatch.
//
// The checksum is verified before the frame is checked for trailing bytes,
// so a corrupted length that shrinks the payload reads as a checksum
// mismatch. An empty payload decodes as nil; nil and empty payloads encode
// to the same frame.
func Decode(data []byte) (*Packet, error) {
	if len(data) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrInvalidPacket, len(data), MinFrameSize)
	}

	n := uint64(binary.BigEndian.Uint32(data[25:29]))
	if n+MinFrameSize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: payload length %d exceeds frame of %d bytes", ErrInvalidPacket, n, len(data))
	}
	pkt := &Packet{
		Seq:       binary.BigEndian.Uint64(data[0:8]),
		Ack:       binary.BigEndian.Uint64(data[8:16]),
		Timestamp: binary.BigEndian.Uint64(data[16:24]),
		Type:      MessageType(data[24]),
	}
	if n > 0 {
		pkt.Payload = make([]byte, n)
		copy(pkt.Payload, data[HeaderSize:HeaderSize+n])
	}

	sum := Checksum(pkt)
	if !bytes.Equal(sum[:], data[HeaderSize+n:HeaderSize+n+ChecksumSize]) {
		return nil, fmt.Errorf("%w: seq %d", ErrChecksumMismatch, pkt.Seq)
	}
	if extra := uint64(len(data)) - n - MinFrameSize; extra > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidPacket, extra)
	}

	if !pkt.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrInvalidPacket, byte(pkt.Type))
	}

	return pkt, nil
}
