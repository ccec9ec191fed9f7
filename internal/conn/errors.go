package conn

import (
	"errors"

	"github.com/1ureka/lagless/internal/protocol"
)

var (
	// ErrInvalidTransition is returned when an event has no edge from the
	// current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("conn: invalid transition")
	// ErrConnectionTimeout is the cause recorded when a handshake gets no
	// answer within the reconnect timeout.
	ErrConnectionTimeout = errors.New("conn: connection timeout")
	// ErrRetryExhausted is the cause recorded when reconnecting gives up.
	ErrRetryExhausted = errors.New("conn: retry budget exhausted")
	// ErrHandshakeFailed is the default handshake failure cause.
	ErrHandshakeFailed = errors.New("conn: handshake failed")
)

func isHandshakeRejection(err error) bool {
	return errors.Is(err, protocol.ErrAuthenticationFailed) || errors.Is(err, protocol.ErrEncryption)
}
