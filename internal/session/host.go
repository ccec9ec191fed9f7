package session

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/1ureka/lagless/internal/emulator"
	"github.com/1ureka/lagless/internal/protocol"
	"github.com/1ureka/lagless/internal/terminal"
	"github.com/1ureka/lagless/internal/util"
)

// Shell is the program behind the host terminal, usually a PTY.
type Shell interface {
	io.ReadWriter
	Resize(rows, cols int) error
}

// HostConfig configures a Host.
type HostConfig struct {
	PIN string

	Rows, Cols int // geometry until the client sends its own

	RetransmitInterval time.Duration

	// EchoTimeout bounds how long input written to the shell stays
	// unacknowledged while the host waits for the shell to answer it.
	EchoTimeout time.Duration

	Stats *util.Stats
}

const (
	shellReadSize      = 4096
	defaultEchoTimeout = 50 * time.Millisecond
)

// shellChunk is one read of shell output and when it arrived.
type shellChunk struct {
	data []byte
	at   time.Time
}

// echoMark records input written to the shell whose echo is outstanding.
type echoMark struct {
	offset uint64 // consumed offset after the write
	at     time.Time
}

// Host is the authoritative end of a session. It feeds shell output through
// the emulator, writes client input to the shell in order, and pushes state
// updates to the client until they are acknowledged.
//
// A host serves one session: the first accepted hello binds its session id,
// and a hello with the same id later (a roaming or restarted client) is
// answered again with a full snapshot.
type Host struct {
	cfg   HostConfig
	ep    *endpoint
	log   util.Logger
	shell Shell

	emu   *emulator.Emulator
	reasm *reassembler

	// Input is reported to the client only once the shell output that
	// followed it is part of the screen, or EchoTimeout after the write.
	echoAck   uint64
	echoes    []echoMark
	echoTimer *time.Timer

	sessionID    string
	handshaken   bool
	peerAcked    uint64 // state version the client confirmed
	needSnapshot bool
	snapshotAt   uint64 // version of the last snapshot sent

	screen atomic.Pointer[terminal.State]
}

// NewHost creates a host over tr running sh.
func NewHost(tr Transport, sh Shell, cfg HostConfig) *Host {
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = defaultEchoTimeout
	}
	log := util.With("role", "host")
	h := &Host{
		cfg:       cfg,
		ep:        newEndpoint(tr, cfg.Stats, log),
		log:       log,
		shell:     sh,
		emu:       emulator.New(terminal.New(cfg.Rows, cfg.Cols), sh),
		reasm:     newReassembler(),
		echoTimer: time.NewTimer(cfg.EchoTimeout),
	}
	h.echoTimer.Stop()
	h.publish()
	return h
}

// Screen returns a copy of the authoritative screen as of the last change.
func (h *Host) Screen() *terminal.State { return h.screen.Load() }

// Run serves the session until ctx is cancelled (nil), the shell exits
// (ErrShellExited) or the transport closes (ErrTransportClosed).
func (h *Host) Run(ctx context.Context) error {
	defer h.emu.Close()
	defer h.echoTimer.Stop()

	output := make(chan shellChunk, 16)
	go h.readShell(ctx, output)

	ticker := time.NewTicker(h.cfg.RetransmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.ep.tr.Done():
			return ErrTransportClosed
		case frame := <-h.ep.inbox:
			h.handleFrame(frame)
		case chunk, ok := <-output:
			if !ok {
				h.log.Info("shell exited")
				return ErrShellExited
			}
			_, _ = h.emu.Write(chunk.data)
			h.ackEchoes(chunk.at)
			h.publish()
			h.push()
		case now := <-h.echoTimer.C:
			if h.ackEchoes(now.Add(-h.cfg.EchoTimeout)) {
				h.push()
			}
		case <-ticker.C:
			if h.unacked() {
				h.ep.stats.AddRetransmit()
				h.push()
			}
		}
	}
}

// readShell copies shell output to the loop and closes out when the shell
// is done.
func (h *Host) readShell(ctx context.Context, out chan<- shellChunk) {
	defer close(out)
	buf := make([]byte, shellReadSize)
	for {
		n, err := h.shell.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- shellChunk{data: data, at: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				h.log.Debug("shell read: %v", err)
			}
			return
		}
	}
}

func (h *Host) unacked() bool {
	return h.handshaken && (h.needSnapshot || h.emu.State().Version() > h.peerAcked)
}

func (h *Host) handleFrame(frame []byte) {
	pkt, ok := h.ep.decode(frame)
	if !ok {
		return
	}

	if pkt.Type == protocol.TypeKeyExchange {
		h.handleHello(pkt.Payload)
		return
	}
	if !h.handshaken {
		h.log.Debug("drop %s before handshake", pkt.Type)
		return
	}

	switch pkt.Type {
	case protocol.TypeHeartbeat:
		h.ep.send(protocol.TypeAck, (&protocol.Ack{}).Marshal())

	case protocol.TypeAck:
		ack, err := protocol.UnmarshalAck(pkt.Payload)
		if err != nil {
			h.log.Debug("bad ack: %v", err)
			return
		}
		if ack.Version > h.peerAcked && ack.Version <= h.emu.State().Version() {
			h.peerAcked = ack.Version
		}
		if h.needSnapshot && ack.Version >= h.snapshotAt {
			h.needSnapshot = false
		}

	case protocol.TypePrediction:
		in, err := protocol.UnmarshalInput(pkt.Payload)
		if err != nil {
			h.log.Debug("bad input: %v", err)
			return
		}
		if text := h.reasm.Feed(in.Offset, in.Text); text != "" {
			if _, err := io.WriteString(h.shell, text); err != nil {
				h.log.Warn("write to shell: %v", err)
			}
			h.markEcho(time.Now())
		}
		// Always answer so a client retransmitting input hears from us
		// even when this was a duplicate.
		h.push()

	case protocol.TypeResize:
		r, err := protocol.UnmarshalResize(pkt.Payload)
		if err != nil {
			h.log.Debug("bad resize: %v", err)
			return
		}
		h.resize(r.Rows, r.Cols)
		h.push()

	case protocol.TypeRetransmitRequest:
		req, err := protocol.UnmarshalRetransmitRequest(pkt.Payload)
		if err != nil {
			h.log.Debug("bad retransmit request: %v", err)
			return
		}
		h.log.Debug("client at version %d asked for a snapshot: %s", req.Version, req.Reason)
		h.ep.stats.AddResync()
		h.needSnapshot = true
		h.push()

	default:
		h.log.Debug("ignoring %s from client", pkt.Type)
	}
}

func (h *Host) handleHello(payload []byte) {
	req, err := protocol.UnmarshalHello(payload)
	if err != nil {
		h.log.Debug("bad hello: %v", err)
		return
	}
	if req.Status != protocol.HelloRequest {
		return
	}

	status, err := req.Verify(h.cfg.PIN)
	reason := ""
	if err != nil {
		reason = err.Error()
	} else if h.sessionID != "" && req.SessionID != h.sessionID {
		status, reason = protocol.HelloRejectedAuth, "another session is attached"
	}

	s := h.emu.State()
	answer := &protocol.Hello{
		Version:   protocol.ProtocolVersion,
		SessionID: req.SessionID,
		Rows:      s.Rows(),
		Cols:      s.Cols(),
		Cipher:    protocol.CipherNone,
		Status:    status,
		Reason:    reason,
	}
	if status != protocol.HelloAccepted {
		h.log.Warn("rejected hello for session %s: %s", req.SessionID, reason)
		h.ep.send(protocol.TypeKeyExchange, answer.Marshal())
		return
	}

	if !h.handshaken {
		h.log = h.log.With("session", req.SessionID)
		h.log.Info("session attached")
	}
	h.sessionID = req.SessionID
	h.handshaken = true
	h.needSnapshot = true

	if req.Rows > 0 && req.Cols > 0 {
		h.resize(req.Rows, req.Cols)
		answer.Rows, answer.Cols = s.Rows(), s.Cols()
	}
	h.ep.send(protocol.TypeKeyExchange, answer.Marshal())
	h.push()
}

func (h *Host) resize(rows, cols int) {
	s := h.emu.State()
	if rows == s.Rows() && cols == s.Cols() {
		return
	}
	if err := h.emu.Resize(rows, cols); err != nil {
		h.log.Warn("resize: %v", err)
		return
	}
	if err := h.shell.Resize(rows, cols); err != nil {
		h.log.Warn("resize shell: %v", err)
	}
	h.publish()
}

// markEcho records that everything consumed so far was written at now.
func (h *Host) markEcho(now time.Time) {
	if len(h.echoes) == 0 {
		h.echoTimer.Reset(h.cfg.EchoTimeout)
	}
	h.echoes = append(h.echoes, echoMark{offset: h.reasm.Consumed(), at: now})
}

// ackEchoes acknowledges the input written at or before t and re-arms the
// timer for the rest. It reports whether the acknowledged offset moved.
func (h *Host) ackEchoes(t time.Time) bool {
	n := 0
	for n < len(h.echoes) && !h.echoes[n].at.After(t) {
		n++
	}
	if n == 0 {
		return false
	}
	h.echoAck = h.echoes[n-1].offset
	h.echoes = h.echoes[n:]
	if len(h.echoes) > 0 {
		h.echoTimer.Reset(time.Until(h.echoes[0].at.Add(h.cfg.EchoTimeout)))
	} else {
		h.echoTimer.Stop()
	}
	return true
}

// push sends the client what it is missing: a delta from the acknowledged
// version when possible, a snapshot otherwise. Every update carries the
// acknowledged input offset.
func (h *Host) push() {
	if !h.handshaken {
		return
	}
	s := h.emu.State()

	var update *protocol.StateUpdate
	if !h.needSnapshot {
		if d, ok := s.DeltaSince(h.peerAcked); ok {
			update = protocol.NewStateUpdate(protocol.UpdateDelta, h.echoAck, d.Marshal())
		}
	}
	if update == nil {
		h.needSnapshot = true
		h.snapshotAt = s.Version()
		update = protocol.NewStateUpdate(protocol.UpdateSnapshot, h.echoAck, s.Snapshot())
	}
	h.ep.send(protocol.TypeStateUpdate, update.Marshal())
}

func (h *Host) publish() {
	h.screen.Store(h.emu.State().Clone())
}
