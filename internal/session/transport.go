// Package session runs the two ends of a terminal session on top of an
// unreliable datagram transport: the host owns the shell and the
// authoritative screen, the client renders a predicted copy of it.
package session

import (
	"errors"
	"time"

	"github.com/1ureka/lagless/internal/protocol"
	"github.com/1ureka/lagless/internal/util"
)

// Transport carries encoded frames between the peers. Frames may be lost,
// delayed, duplicated or reordered; Send must not block for long.
type Transport interface {
	Send(frame []byte) error
	OnMessage(fn func(frame []byte))
	Done() <-chan struct{}
}

var (
	ErrTransportClosed = errors.New("session: transport closed")
	ErrShellExited     = errors.New("session: shell exited")
	ErrClosed          = errors.New("session: closed")
)

const (
	inboxBufferSize = 256  // decoded-later frames waiting for the loop
	maxInputRunes   = 1024 // per Input message
)

// endpoint is the framing half shared by Client and Host: it numbers
// outgoing packets, tracks the peer's highest sequence number and keeps the
// traffic counters. Only the owning loop calls send and decode.
type endpoint struct {
	tr      Transport
	seq     protocol.SeqGen
	peerSeq uint64
	inbox   chan []byte
	stats   *util.Stats
	log     util.Logger
}

func newEndpoint(tr Transport, stats *util.Stats, log util.Logger) *endpoint {
	if stats == nil {
		stats = &util.Stats{}
	}
	e := &endpoint{
		tr:    tr,
		inbox: make(chan []byte, inboxBufferSize),
		stats: stats,
		log:   log,
	}
	tr.OnMessage(e.receive)
	return e
}

// receive runs on the transport's goroutine. A full inbox drops the frame,
// the protocol recovers from loss anyway.
func (e *endpoint) receive(frame []byte) {
	select {
	case e.inbox <- frame:
	default:
		e.stats.AddDropped()
	}
}

// send frames and sends one message and returns its sequence number.
func (e *endpoint) send(typ protocol.MessageType, payload []byte) uint64 {
	pkt := &protocol.Packet{
		Seq:       e.seq.Next(),
		Ack:       e.peerSeq,
		Timestamp: uint64(time.Now().UnixMilli()),
		Type:      typ,
		Payload:   payload,
	}
	frame := protocol.Encode(pkt)
	if err := e.tr.Send(frame); err != nil {
		e.log.Debug("send %s: %v", typ, err)
		return pkt.Seq
	}
	e.stats.AddSent(len(frame))
	return pkt.Seq
}

// decode validates an inbound frame. Invalid frames are counted and dropped.
func (e *endpoint) decode(frame []byte) (*protocol.Packet, bool) {
	e.stats.AddRecv(len(frame))
	pkt, err := protocol.Decode(frame)
	if err != nil {
		e.stats.AddDropped()
		e.log.Debug("drop frame (%d bytes): %v", len(frame), err)
		return nil, false
	}
	e.stats.AddDecoded()
	if pkt.Seq > e.peerSeq {
		e.peerSeq = pkt.Seq
	}
	return pkt, true
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
