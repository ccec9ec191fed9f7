package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pion/webrtc/v4"
)

// fakePeer records what negotiation does to a peer connection.
type fakePeer struct {
	calls      []string
	local      webrtc.SessionDescription
	remote     webrtc.SessionDescription
	candidates []string
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.calls = append(p.calls, "create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.calls = append(p.calls, "create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	p.calls = append(p.calls, "set-local")
	p.local = sdp
	return nil
}

func (p *fakePeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	p.calls = append(p.calls, "set-remote")
	p.remote = sdp
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.calls = append(p.calls, "add-candidate")
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

// fakeConn replays queued messages through a JSON round trip and records
// what was written. Reading past the queue returns io.EOF.
type fakeConn struct {
	mu      sync.Mutex
	in      []message
	written []message
}

func (c *fakeConn) ReadJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return io.EOF
	}
	data, err := json.Marshal(c.in[0])
	if err != nil {
		return err
	}
	c.in = c.in[1:]
	return json.Unmarshal(data, v)
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(message))
	return nil
}

func candidateMsg(s string) message {
	return message{Type: msgTypeCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: s}}
}

func TestNegotiatorAnswersOffer(t *testing.T) {
	pc := &fakePeer{}
	conn := &fakeConn{in: []message{
		candidateMsg("early"),
		{Type: msgTypeOffer, SDP: "remote-offer"},
		candidateMsg("late"),
	}}

	err := newNegotiator(pc, conn, false).run()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("run: got %v, want EOF after the queue", err)
	}

	// The early candidate waits for the offer.
	assert.Equal(t, pc.calls, []string{"set-remote", "add-candidate", "create-answer", "set-local", "add-candidate"})
	assert.Equal(t, pc.candidates, []string{"early", "late"})
	assert.Equal(t, pc.remote.SDP, "remote-offer")
	assert.Equal(t, pc.remote.Type, webrtc.SDPTypeOffer)

	assert.Equal(t, len(conn.written), 1)
	assert.Equal(t, conn.written[0].Type, msgTypeAnswer)
	assert.Equal(t, conn.written[0].SDP, "local-answer")
}

func TestNegotiatorOffers(t *testing.T) {
	pc := &fakePeer{}
	conn := &fakeConn{in: []message{{Type: msgTypeAnswer, SDP: "remote-answer"}}}
	n := newNegotiator(pc, conn, true)

	if err := n.offer(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := n.candidate(webrtc.ICECandidateInit{Candidate: "mine"}); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if err := n.run(); !errors.Is(err, io.EOF) {
		t.Fatalf("run: got %v, want EOF", err)
	}

	assert.Equal(t, pc.local.SDP, "local-offer")
	assert.Equal(t, pc.remote.Type, webrtc.SDPTypeAnswer)
	assert.Equal(t, len(conn.written), 2)
	assert.Equal(t, conn.written[0].Type, msgTypeOffer)
	assert.Equal(t, conn.written[1].Candidate.Candidate, "mine")
}

func TestNegotiatorRejectsUnexpected(t *testing.T) {
	testCases := []struct {
		name    string
		offerer bool
		in      []message
	}{
		{"offer to offerer", true, []message{{Type: msgTypeOffer, SDP: "x"}}},
		{"answer to answerer", false, []message{{Type: msgTypeAnswer, SDP: "x"}}},
		{"second offer", false, []message{{Type: msgTypeOffer, SDP: "x"}, {Type: msgTypeOffer, SDP: "y"}}},
		{"empty candidate", false, []message{{Type: msgTypeCandidate}}},
		{"unknown type", true, []message{{Type: "bye"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := newNegotiator(&fakePeer{}, &fakeConn{in: tc.in}, tc.offerer)
			if err := n.run(); !errors.Is(err, ErrUnexpectedMessage) {
				t.Fatalf("got %v, want ErrUnexpectedMessage", err)
			}
		})
	}
}
