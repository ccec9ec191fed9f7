// Package conn implements the connection lifecycle of a session: the state
// machine, the reconnect retry policy and the heartbeat liveness monitor.
package conn

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the connection state of a session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Suspended
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is an input of the state machine.
type Event int

const (
	EventConnect Event = iota
	EventHandshakeSucceeded
	EventHandshakeFailed
	EventHeartbeatTimeout
	EventHeartbeatAcked
	EventRetryExhausted
	EventSuspend
	EventResume
	EventClose
)

var eventNames = [...]string{
	EventConnect:            "connect",
	EventHandshakeSucceeded: "handshake-succeeded",
	EventHandshakeFailed:    "handshake-failed",
	EventHeartbeatTimeout:   "heartbeat-timeout",
	EventHeartbeatAcked:     "heartbeat-acked",
	EventRetryExhausted:     "retry-exhausted",
	EventSuspend:            "suspend",
	EventResume:             "resume",
	EventClose:              "close",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transitions is the complete edge table. Any (state, event) pair missing
// here is rejected with ErrInvalidTransition.
var transitions = map[State]map[Event]State{
	Disconnected: {
		EventConnect: Connecting,
	},
	Connecting: {
		EventHandshakeSucceeded: Connected,
		EventHandshakeFailed:    Disconnected,
	},
	Connected: {
		EventHeartbeatTimeout: Reconnecting,
		EventSuspend:          Suspended,
	},
	Reconnecting: {
		EventHeartbeatAcked: Connected,
		EventRetryExhausted: Disconnected,
		EventSuspend:        Suspended,
	},
	Suspended: {
		EventResume: Reconnecting,
	},
}

// Transition records a state change.
type Transition struct {
	From, To  State
	Event     Event
	Timestamp time.Time
}

// ChangeFunc is called after every state change.
// Callbacks run synchronously on the goroutine that fired the event and
// must not call back into the Machine's mutating methods.
type ChangeFunc func(from, to State)

// maxHistory limits the number of stored transitions.
const maxHistory = 32

// Machine is the connection state machine. State may be read from any
// goroutine; events are normally fired by the session's event loop.
type Machine struct {
	mu        sync.RWMutex
	state     State
	err       error
	history   []Transition
	callbacks []ChangeFunc
}

// NewMachine returns a machine in the Disconnected state.
func NewMachine() *Machine {
	return &Machine{state: Disconnected}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the cause of the last move to Disconnected, nil if the
// machine never left Disconnected or the last teardown was a plain Close.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// History returns the most recent transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

// OnChange registers a callback fired after every state change.
func (m *Machine) OnChange(cb ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Connect starts a connection attempt: Disconnected → Connecting.
func (m *Machine) Connect() error { return m.fire(EventConnect, nil) }

// HandshakeSucceeded completes the attempt: Connecting → Connected.
func (m *Machine) HandshakeSucceeded() error { return m.fire(EventHandshakeSucceeded, nil) }

// HandshakeFailed aborts the attempt: Connecting → Disconnected. The cause
// is kept and returned by Err.
func (m *Machine) HandshakeFailed(cause error) error {
	if cause == nil {
		cause = ErrHandshakeFailed
	}
	return m.fire(EventHandshakeFailed, cause)
}

// HeartbeatTimeout reports missing acks: Connected → Reconnecting.
func (m *Machine) HeartbeatTimeout() error { return m.fire(EventHeartbeatTimeout, nil) }

// HeartbeatAcked reports resumed traffic: Reconnecting → Connected.
func (m *Machine) HeartbeatAcked() error { return m.fire(EventHeartbeatAcked, nil) }

// RetryExhausted gives up reconnecting: Reconnecting → Disconnected.
func (m *Machine) RetryExhausted() error { return m.fire(EventRetryExhausted, ErrRetryExhausted) }

// Suspend pauses a live session: Connected/Reconnecting → Suspended.
func (m *Machine) Suspend() error { return m.fire(EventSuspend, nil) }

// Resume wakes a suspended session: Suspended → Reconnecting.
func (m *Machine) Resume() error { return m.fire(EventResume, nil) }

// Close tears the connection down from any state. It is not an edge of the
// transition table and always succeeds; Disconnected stays Disconnected.
func (m *Machine) Close() {
	m.mu.Lock()
	from := m.state
	if from == Disconnected {
		m.mu.Unlock()
		return
	}
	m.err = nil
	cbs := m.commit(from, Disconnected, EventClose)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(from, Disconnected)
	}
}

func (m *Machine) fire(ev Event, cause error) error {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[from][ev]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, from)
	}
	if to == Disconnected {
		m.err = cause
	} else if from == Disconnected {
		m.err = nil
	}
	cbs := m.commit(from, to, ev)
	m.mu.Unlock()

	// Fire callbacks outside the lock so they may read State.
	for _, cb := range cbs {
		cb(from, to)
	}
	return nil
}

// commit must be called with mu held. It returns the callbacks to fire.
func (m *Machine) commit(from, to State, ev Event) []ChangeFunc {
	m.state = to
	m.history = append(m.history, Transition{From: from, To: to, Event: ev, Timestamp: time.Now()})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	return append([]ChangeFunc(nil), m.callbacks...)
}

// IsFatal reports whether err ends a connection attempt for good, so a new
// explicit Connect is required instead of a retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRetryExhausted) || isHandshakeRejection(err)
}
