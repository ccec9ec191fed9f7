// Package transport provides the datagram links a session runs over: a
// WebRTC DataChannel set up through WebSocket signaling, and plain UDP.
// Both carry opaque encoded frames; validation is the session's job.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/lagless/internal/util"
)

// WebRTC wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange, frame sending with backpressure,
// and frame receiving.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type WebRTC struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	log    util.Logger

	mu      sync.RWMutex
	handler func([]byte)
}

// NewWebRTC creates a transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling via the exposed
// methods (CreateOffer / CreateAnswer / ...) and then uses Send / OnMessage.
//
// The transport is considered alive as long as the DataChannel is open and
// ctx has not been cancelled.
func NewWebRTC(ctx context.Context) (*WebRTC, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &WebRTC{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		log:        util.With("transport", "webrtc"),
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		t.log.Debug("DataChannel closed")
		tCancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.RLock()
		fn := t.handler
		t.mu.RUnlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("PeerConnection state: %s", state.String())
	})

	t.sender = newSender(tCtx, dc, t.openSignal, t.log)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the transport is ready to send and receive.
func (t *WebRTC) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the transport is shut down
// (DataChannel closed or parent context cancelled).
func (t *WebRTC) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *WebRTC) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *WebRTC) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *WebRTC) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *WebRTC) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *WebRTC) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *WebRTC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *WebRTC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues one frame. Frames sent before the DataChannel opens wait in
// the queue.
func (t *WebRTC) Send(frame []byte) error {
	return t.sender.send(t.ctx, frame)
}

// OnMessage registers the callback invoked for every inbound message. The
// slice is owned by the callback.
func (t *WebRTC) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}
