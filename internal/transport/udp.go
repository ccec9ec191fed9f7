package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/lagless/internal/protocol"
	"github.com/1ureka/lagless/internal/util"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

var (
	ErrNoPeer        = errors.New("transport: no peer address yet")
	ErrFrameTooLarge = errors.New("transport: frame exceeds datagram size")
)

// UDP is a datagram transport over a single UDP socket. A dialing UDP sends
// to a fixed address. A listening UDP learns its peer from traffic: the
// source of every datagram that decodes as a frame becomes the destination,
// so a client that roams to a new address is followed on its next frame.
type UDP struct {
	conn   *net.UDPConn
	dialed bool
	log    util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	peer    *net.UDPAddr
	handler func([]byte)
}

// DialUDP opens a UDP transport sending to addr.
func DialUDP(ctx context.Context, addr string) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	u := newUDP(ctx, conn, true)
	u.peer = raddr
	go u.readLoop()
	return u, nil
}

// ListenUDP opens a UDP transport on addr that answers whoever last sent a
// valid frame.
func ListenUDP(ctx context.Context, addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	u := newUDP(ctx, conn, false)
	go u.readLoop()
	return u, nil
}

func newUDP(ctx context.Context, conn *net.UDPConn, dialed bool) *UDP {
	uCtx, cancel := context.WithCancel(ctx)
	u := &UDP{
		conn:   conn,
		dialed: dialed,
		log:    util.With("transport", "udp"),
		ctx:    uCtx,
		cancel: cancel,
	}
	go func() {
		<-uCtx.Done()
		conn.Close()
	}()
	return u
}

// LocalAddr returns the bound socket address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Peer returns the current destination, nil before a listening transport
// has heard from anyone.
func (u *UDP) Peer() *net.UDPAddr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.peer
}

// Done returns a channel closed when the transport is shut down.
func (u *UDP) Done() <-chan struct{} { return u.ctx.Done() }

// Close shuts the socket down.
func (u *UDP) Close() error {
	u.cancel()
	return nil
}

// OnMessage registers the callback invoked for every inbound datagram.
func (u *UDP) OnMessage(fn func([]byte)) {
	u.mu.Lock()
	u.handler = fn
	u.mu.Unlock()
}

// Send writes one frame as one datagram.
func (u *UDP) Send(frame []byte) error {
	if len(frame) > maxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if u.dialed {
		_, err := u.conn.Write(frame)
		return err
	}

	peer := u.Peer()
	if peer == nil {
		return ErrNoPeer
	}
	_, err := u.conn.WriteToUDP(frame, peer)
	return err
}

func (u *UDP) readLoop() {
	defer u.cancel()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP errors such as "connection refused" surface here while
			// the host is unreachable; keep listening.
			u.log.Debug("read: %v", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		if !u.dialed {
			u.follow(frame, from)
		}

		u.mu.RLock()
		fn := u.handler
		u.mu.RUnlock()
		if fn != nil {
			fn(frame)
		}
	}
}

// follow makes from the destination if frame is intact and from is new.
func (u *UDP) follow(frame []byte, from *net.UDPAddr) {
	u.mu.RLock()
	same := u.peer != nil && u.peer.IP.Equal(from.IP) && u.peer.Port == from.Port
	u.mu.RUnlock()
	if same {
		return
	}
	if _, err := protocol.Decode(frame); err != nil {
		return
	}

	u.mu.Lock()
	old := u.peer
	u.peer = from
	u.mu.Unlock()
	if old != nil {
		u.log.Info("peer moved from %s to %s", old, from)
	}
}
