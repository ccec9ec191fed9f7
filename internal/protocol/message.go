package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/1ureka/lagless/internal/terminal"
	"github.com/1ureka/lagless/internal/wire"
)

// ProtocolVersion is carried in every hello.
const ProtocolVersion = 1

// CipherNone is the only cipher a hello may ask for. The protocol protects
// frames against corruption only; it provides no confidentiality.
const CipherNone = "none"

// ---------------------------------------------------------------------------
// Hello (TypeKeyExchange)
// ---------------------------------------------------------------------------

// HelloStatus is the role of a hello in the handshake.
type HelloStatus uint8

const (
	HelloRequest HelloStatus = iota
	HelloAccepted
	HelloRejectedAuth
	HelloRejectedCipher
	HelloRejectedVersion
)

// Hello opens a session (client → host) and answers it (host → client).
type Hello struct {
	Version   uint64
	SessionID string
	Rows      int
	Cols      int
	Cipher    string
	AuthTag   []byte
	Status    HelloStatus
	Reason    string
}

const (
	helloVersion   protowire.Number = 2
	helloSessionID protowire.Number = 3
	helloRows      protowire.Number = 4
	helloCols      protowire.Number = 5
	helloCipher    protowire.Number = 6
	helloAuthTag   protowire.Number = 7
	helloStatus    protowire.Number = 8
	helloReason    protowire.Number = 9
)

// Marshal encodes the hello.
func (h *Hello) Marshal() []byte {
	b := wire.NewBuilder()
	b.Uint(helloVersion, h.Version)
	b.String(helloSessionID, h.SessionID)
	b.Uint(helloRows, uint64(h.Rows))
	b.Uint(helloCols, uint64(h.Cols))
	b.String(helloCipher, h.Cipher)
	if len(h.AuthTag) > 0 {
		b.Bytes(helloAuthTag, h.AuthTag)
	}
	b.Uint(helloStatus, uint64(h.Status))
	if h.Reason != "" {
		b.String(helloReason, h.Reason)
	}
	return b.Finish()
}

// UnmarshalHello decodes a hello payload.
func UnmarshalHello(data []byte) (*Hello, error) {
	h := &Hello{}
	var req wire.Required

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var (
			v   uint64
			err error
		)
		switch num {
		case helloVersion:
			h.Version, err = f.Uint()
		case helloSessionID:
			h.SessionID, err = f.String()
		case helloRows:
			h.Rows, err = f.Int()
		case helloCols:
			h.Cols, err = f.Int()
		case helloCipher:
			h.Cipher, err = f.String()
		case helloAuthTag:
			var tag []byte
			tag, err = f.Bytes()
			h.AuthTag = append([]byte(nil), tag...)
		case helloStatus:
			v, err = f.Uint()
			h.Status = HelloStatus(v)
		case helloReason:
			h.Reason, err = f.String()
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err == nil {
		err = req.Check(helloVersion, helloSessionID, helloCipher, helloStatus)
	}
	if err == nil && h.Status > HelloRejectedVersion {
		err = fmt.Errorf("unknown hello status %d", h.Status)
	}
	// Zero rows and cols leave the geometry to the host.
	if err == nil && (h.Rows != 0 || h.Cols != 0) {
		err = terminal.CheckGeometry(h.Rows, h.Cols)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: hello: %v", ErrMalformedPayload, err)
	}
	return h, nil
}

// AuthTag derives the hello authentication tag from a shared PIN.
func AuthTag(pin, sessionID string) []byte {
	mac := hmac.New(sha256.New, []byte(pin))
	mac.Write([]byte(sessionID))
	return mac.Sum(nil)
}

// Verify checks a hello request against the host's PIN. An empty PIN
// accepts any tag. It returns the status the host should answer with and
// the matching error, nil when accepted.
func (h *Hello) Verify(pin string) (HelloStatus, error) {
	if h.Version != ProtocolVersion {
		return HelloRejectedVersion, fmt.Errorf("%w: protocol version %d, want %d", ErrAuthenticationFailed, h.Version, ProtocolVersion)
	}
	if h.Cipher != CipherNone {
		return HelloRejectedCipher, fmt.Errorf("%w: %q", ErrEncryption, h.Cipher)
	}
	if pin != "" && !hmac.Equal(h.AuthTag, AuthTag(pin, h.SessionID)) {
		return HelloRejectedAuth, fmt.Errorf("%w: bad auth tag for session %s", ErrAuthenticationFailed, h.SessionID)
	}
	return HelloAccepted, nil
}

// Err maps a host answer to the error the client reports, nil when accepted.
func (h *Hello) Err() error {
	switch h.Status {
	case HelloAccepted:
		return nil
	case HelloRejectedCipher:
		return fmt.Errorf("%w: %s", ErrEncryption, h.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, h.Reason)
	}
}

// ---------------------------------------------------------------------------
// StateUpdate (TypeStateUpdate)
// ---------------------------------------------------------------------------

// UpdateKind says how a state update body must be applied.
type UpdateKind uint8

const (
	UpdateSnapshot UpdateKind = 1
	UpdateDelta    UpdateKind = 2
)

// compressThreshold is the body size above which bodies are zstd-compressed.
const compressThreshold = 512

// maxBodySize bounds a decompressed state body.
const maxBodySize = 64 << 20

// StateUpdate carries a terminal snapshot or delta from the host, together
// with how much client input the host has consumed so far.
type StateUpdate struct {
	Kind       UpdateKind
	InputAck   uint64 // absolute number of input runes the host has consumed
	Compressed bool
	Payload    []byte // terminal snapshot or delta, possibly compressed
}

const (
	updateKind       protowire.Number = 2
	updateInputAck   protowire.Number = 3
	updateCompressed protowire.Number = 4
	updatePayload    protowire.Number = 5
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstdCodec returns the shared encoder/decoder pair. EncodeAll and
// DecodeAll are safe for concurrent use.
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
	})
	return zstdEnc, zstdDec, zstdErr
}

// NewStateUpdate wraps a terminal body, compressing it when large.
func NewStateUpdate(kind UpdateKind, inputAck uint64, body []byte) *StateUpdate {
	u := &StateUpdate{Kind: kind, InputAck: inputAck, Payload: body}
	if len(body) <= compressThreshold {
		return u
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return u
	}
	if packed := enc.EncodeAll(body, nil); len(packed) < len(body) {
		u.Payload = packed
		u.Compressed = true
	}
	return u
}

// Body returns the terminal body, decompressing it if needed.
func (u *StateUpdate) Body() ([]byte, error) {
	if !u.Compressed {
		return u.Payload, nil
	}
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	body, err := dec.DecodeAll(u.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: state update body: %v", ErrMalformedPayload, err)
	}
	return body, nil
}

// Marshal encodes the update.
func (u *StateUpdate) Marshal() []byte {
	b := wire.NewBuilder()
	b.Uint(updateKind, uint64(u.Kind))
	b.Uint(updateInputAck, u.InputAck)
	b.Bool(updateCompressed, u.Compressed)
	b.Bytes(updatePayload, u.Payload)
	return b.Finish()
}

// UnmarshalStateUpdate decodes a state update payload.
func UnmarshalStateUpdate(data []byte) (*StateUpdate, error) {
	u := &StateUpdate{}
	var req wire.Required

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var (
			v   uint64
			err error
		)
		switch num {
		case updateKind:
			v, err = f.Uint()
			u.Kind = UpdateKind(v)
		case updateInputAck:
			u.InputAck, err = f.Uint()
		case updateCompressed:
			u.Compressed, err = f.Bool()
		case updatePayload:
			var p []byte
			p, err = f.Bytes()
			u.Payload = append([]byte(nil), p...)
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err == nil {
		err = req.Check(updateKind, updateInputAck, updatePayload)
	}
	if err == nil && u.Kind != UpdateSnapshot && u.Kind != UpdateDelta {
		err = fmt.Errorf("unknown update kind %d", u.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: state update: %v", ErrMalformedPayload, err)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Ack (TypeAck)
// ---------------------------------------------------------------------------

// Ack reports the terminal state version the sender holds. Heartbeat acks
// from the host carry version 0.
type Ack struct {
	Version uint64
}

const ackVersion protowire.Number = 2

// Marshal encodes the ack.
func (a *Ack) Marshal() []byte {
	b := wire.NewBuilder()
	b.Uint(ackVersion, a.Version)
	return b.Finish()
}

// UnmarshalAck decodes an ack payload.
func UnmarshalAck(data []byte) (*Ack, error) {
	a := &Ack{}
	var req wire.Required

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		if num != ackVersion {
			return nil
		}
		req.Mark(num)
		var err error
		a.Version, err = f.Uint()
		return err
	})
	if err == nil {
		err = req.Check(ackVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: ack: %v", ErrMalformedPayload, err)
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Input (TypePrediction)
// ---------------------------------------------------------------------------

// Input is a run of user input. Offset is the absolute index (in runes) of
// the first rune of Text in the session's input stream, so the host can
// drop duplicates and reorder late chunks.
type Input struct {
	Offset uint64
	Text   string
}

const (
	inputOffset protowire.Number = 2
	inputText   protowire.Number = 3
)

// Marshal encodes the input.
func (in *Input) Marshal() []byte {
	b := wire.NewBuilder()
	b.Uint(inputOffset, in.Offset)
	b.String(inputText, in.Text)
	return b.Finish()
}

// UnmarshalInput decodes an input payload.
func UnmarshalInput(data []byte) (*Input, error) {
	in := &Input{}
	var req wire.Required

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var err error
		switch num {
		case inputOffset:
			in.Offset, err = f.Uint()
		case inputText:
			in.Text, err = f.String()
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err == nil {
		err = req.Check(inputOffset, inputText)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: input: %v", ErrMalformedPayload, err)
	}
	return in, nil
}

// ---------------------------------------------------------------------------
// Resize (TypeResize)
// ---------------------------------------------------------------------------

// Resize announces the client's terminal geometry.
type Resize struct {
	Rows, Cols int
}

const (
	resizeRows protowire.Number = 2
	resizeCols protowire.Number = 3
)

// Marshal encodes the resize.
func (r *Resize) Marshal() []byte {
	b := wire.NewBuilder()
	b.Uint(resizeRows, uint64(r.Rows))
	b.Uint(resizeCols, uint64(r.Cols))
	return b.Finish()
}

// UnmarshalResize decodes a resize payload. Zero dimensions are malformed.
func UnmarshalResize(data []byte) (*Resize, error) {
	r := &Resize{}
	var req wire.Required

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var err error
		switch num {
		case resizeRows:
			r.Rows, err = f.Int()
		case resizeCols:
			r.Cols, err = f.Int()
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err == nil {
		err = req.Check(resizeRows, resizeCols)
	}
	if err == nil {
		err = terminal.CheckGeometry(r.Rows, r.Cols)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resize: %v", ErrMalformedPayload, err)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// RetransmitRequest (TypeRetransmitRequest)
// ---------------------------------------------------------------------------

// RetransmitRequest asks the host for a full snapshot.
type RetransmitRequest struct {
	Version uint64 // version the client currently holds
	Reason  string
}

const (
	retransmitVersion protowire.Number = 2
	retransmitReason  protowire.Number = 3
)

// Marshal encodes the request.
func (r *RetransmitRequest) Marshal() []byte {
	b := wire.NewBuilder()
	b.Uint(retransmitVersion, r.Version)
	if r.Reason != "" {
		b.String(retransmitReason, r.Reason)
	}
	return b.Finish()
}

// UnmarshalRetransmitRequest decodes a retransmit request payload.
func UnmarshalRetransmitRequest(data []byte) (*RetransmitRequest, error) {
	r := &RetransmitRequest{}
	var req wire.Required

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var err error
		switch num {
		case retransmitVersion:
			r.Version, err = f.Uint()
		case retransmitReason:
			r.Reason, err = f.String()
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err == nil {
		err = req.Check(retransmitVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: retransmit request: %v", ErrMalformedPayload, err)
	}
	return r, nil
}
