package signaling

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// msgType identifies the kind of signaling message.
type msgType string

const (
	msgTypeOffer     msgType = "offer"
	msgTypeAnswer    msgType = "answer"
	msgTypeCandidate msgType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      msgType                  `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ErrUnexpectedMessage is returned when the peer sends a message that does
// not fit this side's role or the negotiation so far.
var ErrUnexpectedMessage = errors.New("signaling: unexpected message")
