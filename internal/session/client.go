package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/lagless/internal/conn"
	"github.com/1ureka/lagless/internal/predict"
	"github.com/1ureka/lagless/internal/protocol"
	"github.com/1ureka/lagless/internal/terminal"
	"github.com/1ureka/lagless/internal/util"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	SessionID string
	PIN       string

	Rows, Cols int // initial geometry

	Monitor            conn.MonitorConfig
	RetransmitInterval time.Duration
	ResyncPerSecond    float64

	Stats *util.Stats
}

// Frame is what the client shows: the predicted screen and the connection
// state it was computed under.
type Frame struct {
	Screen  *terminal.State
	State   conn.State
	Pending int // runes typed but not yet acknowledged by the host
}

// Client is the user's end of a session. Keystrokes are echoed locally
// through a prediction engine and sent to the host until it reports them
// consumed; host state updates replace the confirmed screen underneath.
//
// All session state is owned by the goroutine running Run. Input, Resize,
// Suspend and Resume hand work to it over channels and may be called from
// any goroutine.
type Client struct {
	cfg ClientConfig
	ep  *endpoint
	log util.Logger

	machine   *conn.Machine
	monitor   *conn.Monitor
	confirmed *terminal.State
	engine    *predict.Engine
	resync    *rate.Limiter

	inputs   chan string
	resizes  chan [2]int
	controls chan func()
	done     chan struct{}

	frame   atomic.Pointer[Frame]
	updates chan struct{}
	dirty   bool

	wantRows, wantCols int
	lastInput          time.Time
	lastResize         time.Time

	hbSeq  uint64
	hbSent time.Time
}

// NewClient creates a client over tr. Nothing is sent until Run.
func NewClient(tr Transport, cfg ClientConfig) *Client {
	log := util.With("role", "client", "session", cfg.SessionID)
	confirmed := terminal.New(cfg.Rows, cfg.Cols)
	machine := conn.NewMachine()

	c := &Client{
		cfg:       cfg,
		ep:        newEndpoint(tr, cfg.Stats, log),
		log:       log,
		machine:   machine,
		monitor:   conn.NewMonitor(machine, cfg.Monitor),
		confirmed: confirmed,
		engine:    predict.New(confirmed),
		resync:    rate.NewLimiter(rate.Limit(cfg.ResyncPerSecond), 1),
		inputs:    make(chan string, 64),
		resizes:   make(chan [2]int, 1),
		controls:  make(chan func()),
		done:      make(chan struct{}),
		updates:   make(chan struct{}, 1),
		wantRows:  confirmed.Rows(),
		wantCols:  confirmed.Cols(),
	}
	machine.OnChange(func(from, to conn.State) {
		c.log.Debug("connection %s -> %s", from, to)
		c.dirty = true
	})
	c.publish()
	return c
}

// Machine exposes the connection state machine for observers.
func (c *Client) Machine() *conn.Machine { return c.machine }

// Frame returns the latest published frame.
func (c *Client) Frame() *Frame { return c.frame.Load() }

// Updates signals, coalesced, that a new frame was published.
func (c *Client) Updates() <-chan struct{} { return c.updates }

// Input queues user keystrokes.
func (c *Client) Input(text string) error {
	if c.closed() {
		return ErrClosed
	}
	select {
	case c.inputs <- text:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Resize asks the host to change the terminal geometry. Only the latest
// pending request is kept.
func (c *Client) Resize(rows, cols int) error {
	if err := terminal.CheckGeometry(rows, cols); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.closed() {
		return ErrClosed
	}
	for {
		select {
		case c.resizes <- [2]int{rows, cols}:
			return nil
		case <-c.done:
			return ErrClosed
		default:
			select {
			case <-c.resizes:
			default:
			}
		}
	}
}

// Suspend stops all traffic until Resume.
func (c *Client) Suspend() error { return c.do(c.machine.Suspend) }

// Resume restarts traffic after Suspend; the session goes through
// Reconnecting until the host answers.
func (c *Client) Resume() error { return c.do(c.machine.Resume) }

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) do(fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.controls <- func() { res <- fn() }:
		return <-res
	case <-c.done:
		return ErrClosed
	}
}

// Run drives the session until ctx is cancelled (nil), the transport closes,
// or the connection is lost for good: the handshake is rejected or times
// out, or the reconnect retries run out.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.machine.Connect(); err != nil {
		return err
	}
	c.log.Info("connecting (%dx%d)", c.wantRows, c.wantCols)

	ticker := time.NewTicker(c.cfg.RetransmitInterval)
	defer ticker.Stop()
	c.tick(time.Now())

	for {
		select {
		case <-ctx.Done():
			c.machine.Close()
			c.publish()
			return nil
		case <-c.ep.tr.Done():
			c.machine.Close()
			c.publish()
			return ErrTransportClosed
		case frame := <-c.ep.inbox:
			c.handleFrame(frame, time.Now())
		case text := <-c.inputs:
			c.handleInput(text, time.Now())
		case size := <-c.resizes:
			c.handleResize(size[0], size[1], time.Now())
		case fn := <-c.controls:
			fn()
		case now := <-ticker.C:
			c.tick(now)
		}

		if c.dirty {
			c.publish()
		}
		if c.machine.State() == conn.Disconnected {
			err := c.machine.Err()
			if err == nil {
				err = ErrClosed
			}
			c.log.Error("disconnected: %v", err)
			return err
		}
	}
}

// live reports whether traffic other than the handshake may flow.
func (c *Client) live() bool {
	st := c.machine.State()
	return st == conn.Connected || st == conn.Reconnecting
}

func (c *Client) tick(now time.Time) {
	switch c.monitor.Tick(now) {
	case conn.ActionSendHello:
		c.sendHello()
	case conn.ActionSendHeartbeat:
		c.hbSeq = c.ep.send(protocol.TypeHeartbeat, nil)
		c.hbSent = now
	}

	if !c.live() {
		return
	}
	if c.engine.PendingLen() > 0 && now.Sub(c.lastInput) >= c.cfg.RetransmitInterval {
		c.sendPending(now)
		c.ep.stats.AddRetransmit()
	}
	if c.resizePending() && now.Sub(c.lastResize) >= c.cfg.RetransmitInterval {
		c.sendResize(now)
	}
}

func (c *Client) sendHello() {
	hello := &protocol.Hello{
		Version:   protocol.ProtocolVersion,
		SessionID: c.cfg.SessionID,
		Rows:      c.wantRows,
		Cols:      c.wantCols,
		Cipher:    protocol.CipherNone,
		Status:    protocol.HelloRequest,
	}
	if c.cfg.PIN != "" {
		hello.AuthTag = protocol.AuthTag(c.cfg.PIN, c.cfg.SessionID)
	}
	c.ep.send(protocol.TypeKeyExchange, hello.Marshal())
}

// sendPending sends everything typed but not yet consumed, from the
// confirmed offset.
func (c *Client) sendPending(now time.Time) {
	in := &protocol.Input{
		Offset: c.engine.ConfirmedOffset(),
		Text:   truncateRunes(c.engine.Pending(), maxInputRunes),
	}
	c.ep.send(protocol.TypePrediction, in.Marshal())
	c.lastInput = now
}

func (c *Client) resizePending() bool {
	return c.confirmed.Rows() != c.wantRows || c.confirmed.Cols() != c.wantCols
}

func (c *Client) sendResize(now time.Time) {
	r := &protocol.Resize{Rows: c.wantRows, Cols: c.wantCols}
	c.ep.send(protocol.TypeResize, r.Marshal())
	c.lastResize = now
}

func (c *Client) handleInput(text string, now time.Time) {
	if text == "" {
		return
	}
	offset := c.engine.ConfirmedOffset() + uint64(c.engine.PendingLen())
	c.engine.PredictInput(text)
	c.dirty = true

	if c.live() {
		in := &protocol.Input{Offset: offset, Text: text}
		c.ep.send(protocol.TypePrediction, in.Marshal())
		c.lastInput = now
	}
}

func (c *Client) handleResize(rows, cols int, now time.Time) {
	c.wantRows, c.wantCols = rows, cols
	if c.live() && c.resizePending() {
		c.sendResize(now)
	}
}

func (c *Client) handleFrame(frame []byte, now time.Time) {
	pkt, ok := c.ep.decode(frame)
	if !ok {
		return
	}

	switch pkt.Type {
	case protocol.TypeKeyExchange:
		c.handleHello(pkt.Payload, now)

	case protocol.TypeAck:
		if !c.live() {
			return
		}
		c.monitor.Acked(now)
		if !c.hbSent.IsZero() && pkt.Ack >= c.hbSeq {
			c.ep.stats.SetRTT(now.Sub(c.hbSent))
			c.hbSent = time.Time{}
		}

	case protocol.TypeStateUpdate:
		if !c.live() {
			return
		}
		c.monitor.Acked(now)
		c.handleUpdate(pkt.Payload)

	default:
		c.log.Debug("ignoring %s from host", pkt.Type)
	}
}

func (c *Client) handleHello(payload []byte, now time.Time) {
	hello, err := protocol.UnmarshalHello(payload)
	if err != nil {
		c.log.Debug("bad hello: %v", err)
		return
	}
	if c.machine.State() != conn.Connecting {
		// A duplicate answer after the handshake.
		return
	}
	if hello.Status == protocol.HelloRequest {
		c.log.Debug("ignoring hello request from host")
		return
	}

	if err := hello.Err(); err != nil {
		c.log.Error("host rejected the session: %v", err)
		_ = c.machine.HandshakeFailed(err)
		return
	}
	if err := c.machine.HandshakeSucceeded(); err != nil {
		return
	}
	c.monitor.Acked(now)
	c.log.Info("session established")

	if c.engine.PendingLen() > 0 {
		c.sendPending(now)
	}
	if c.resizePending() {
		c.sendResize(now)
	}
}

func (c *Client) handleUpdate(payload []byte) {
	u, err := protocol.UnmarshalStateUpdate(payload)
	if err != nil {
		c.log.Debug("bad state update: %v", err)
		return
	}
	body, err := u.Body()
	if err != nil {
		c.log.Debug("bad state update body: %v", err)
		return
	}

	switch u.Kind {
	case protocol.UpdateSnapshot:
		_, err = c.confirmed.ApplySnapshot(body)
	case protocol.UpdateDelta:
		_, err = c.confirmed.ApplyDelta(body)
	}
	switch {
	case errors.Is(err, terminal.ErrStateDesync):
		c.requestResync(err.Error())
		return
	case err != nil:
		c.log.Debug("drop state update: %v", err)
		return
	}

	if sent := c.engine.ConfirmedOffset() + uint64(c.engine.PendingLen()); u.InputAck > sent {
		c.log.Warn("host consumed input up to %d, only %d sent", u.InputAck, sent)
	} else {
		c.engine.ConfirmThrough(u.InputAck)
	}
	c.engine.UpdateConfirmedState(c.confirmed)
	c.dirty = true

	ack := &protocol.Ack{Version: c.confirmed.Version()}
	c.ep.send(protocol.TypeAck, ack.Marshal())
}

// requestResync asks the host for a full snapshot, at most ResyncPerSecond
// times a second.
func (c *Client) requestResync(reason string) {
	if !c.resync.Allow() {
		return
	}
	c.log.Debug("requesting snapshot: %s", reason)
	c.ep.stats.AddResync()
	req := &protocol.RetransmitRequest{Version: c.confirmed.Version(), Reason: reason}
	c.ep.send(protocol.TypeRetransmitRequest, req.Marshal())
}

func (c *Client) publish() {
	c.dirty = false
	c.frame.Store(&Frame{
		Screen:  c.engine.Predicted(),
		State:   c.machine.State(),
		Pending: c.engine.PendingLen(),
	})
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
