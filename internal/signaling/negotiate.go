package signaling

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/lagless/internal/util"
)

// peer is the part of transport.WebRTC that negotiation drives.
type peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// msgConn carries JSON messages; *websocket.Conn implements it.
type msgConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

// negotiator runs one side of the SDP/ICE exchange. The offerer sends the
// offer and expects an answer; the other side answers.
//
// Candidates can overtake the description they belong to, so any that
// arrive before the remote description is set are held and applied right
// after it.
type negotiator struct {
	pc      peer
	conn    msgConn
	offerer bool
	log     util.Logger

	writeMu sync.Mutex

	// Owned by run.
	haveRemote bool
	early      []webrtc.ICECandidateInit
}

func newNegotiator(pc peer, conn msgConn, offerer bool) *negotiator {
	role := "answerer"
	if offerer {
		role = "offerer"
	}
	return &negotiator{
		pc:      pc,
		conn:    conn,
		offerer: offerer,
		log:     util.With("signaling", role),
	}
}

// write may be called from any goroutine.
func (n *negotiator) write(msg message) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.conn.WriteJSON(msg)
}

// offer creates an SDP offer, sets it as local description, and sends it.
func (n *negotiator) offer() error {
	sdp, err := n.pc.CreateOffer()
	if err != nil {
		return err
	}
	if err := n.pc.SetLocalDescription(sdp); err != nil {
		return err
	}
	return n.write(message{Type: msgTypeOffer, SDP: sdp.SDP})
}

func (n *negotiator) answer() error {
	sdp, err := n.pc.CreateAnswer()
	if err != nil {
		return err
	}
	if err := n.pc.SetLocalDescription(sdp); err != nil {
		return err
	}
	return n.write(message{Type: msgTypeAnswer, SDP: sdp.SDP})
}

// candidate trickles a local ICE candidate to the peer.
func (n *negotiator) candidate(c webrtc.ICECandidateInit) error {
	return n.write(message{Type: msgTypeCandidate, Candidate: &c})
}

// run reads messages until the connection fails or one can't be applied.
// It returns when the caller closes the connection.
func (n *negotiator) run() error {
	for {
		var msg message
		if err := n.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}
		if err := n.handle(msg); err != nil {
			return err
		}
	}
}

func (n *negotiator) handle(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if n.offerer {
			return fmt.Errorf("%w: offer sent to the offering side", ErrUnexpectedMessage)
		}
		if err := n.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		return n.answer()

	case msgTypeAnswer:
		if !n.offerer {
			return fmt.Errorf("%w: answer sent to the answering side", ErrUnexpectedMessage)
		}
		return n.setRemote(webrtc.SDPTypeAnswer, msg.SDP)

	case msgTypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate message without a candidate", ErrUnexpectedMessage)
		}
		if !n.haveRemote {
			n.early = append(n.early, *msg.Candidate)
			return nil
		}
		return n.addCandidate(*msg.Candidate)

	default:
		return fmt.Errorf("%w: type %q", ErrUnexpectedMessage, msg.Type)
	}
}

func (n *negotiator) setRemote(typ webrtc.SDPType, sdp string) error {
	if n.haveRemote {
		return fmt.Errorf("%w: second %s", ErrUnexpectedMessage, typ)
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	n.haveRemote = true

	if len(n.early) > 0 {
		n.log.Debug("applying %d early candidates", len(n.early))
	}
	for _, c := range n.early {
		if err := n.addCandidate(c); err != nil {
			return err
		}
	}
	n.early = nil
	return nil
}

func (n *negotiator) addCandidate(c webrtc.ICECandidateInit) error {
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}
