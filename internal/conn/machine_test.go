package conn

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/lagless/internal/protocol"
)

// driveTo brings a fresh machine into the requested state through legal edges.
func driveTo(t *testing.T, want State) *Machine {
	t.Helper()
	m := NewMachine()
	steps := map[State][]func() error{
		Disconnected: nil,
		Connecting:   {m.Connect},
		Connected:    {m.Connect, m.HandshakeSucceeded},
		Reconnecting: {m.Connect, m.HandshakeSucceeded, m.HeartbeatTimeout},
		Suspended:    {m.Connect, m.HandshakeSucceeded, m.Suspend},
	}
	for _, step := range steps[want] {
		if err := step(); err != nil {
			t.Fatalf("driving to %s: %v", want, err)
		}
	}
	if m.State() != want {
		t.Fatalf("drove to %s, got %s", want, m.State())
	}
	return m
}

func TestMachineInitialState(t *testing.T) {
	m := NewMachine()
	if m.State() != Disconnected {
		t.Fatalf("initial state: got %s, want disconnected", m.State())
	}
	if m.Err() != nil {
		t.Fatalf("initial Err: %v", m.Err())
	}
}

// TestMachineTransitions fires every event from every state and checks the
// outcome against the edge table.
func TestMachineTransitions(t *testing.T) {
	events := map[Event]func(m *Machine) error{
		EventConnect:            (*Machine).Connect,
		EventHandshakeSucceeded: (*Machine).HandshakeSucceeded,
		EventHandshakeFailed:    func(m *Machine) error { return m.HandshakeFailed(nil) },
		EventHeartbeatTimeout:   (*Machine).HeartbeatTimeout,
		EventHeartbeatAcked:     (*Machine).HeartbeatAcked,
		EventRetryExhausted:     (*Machine).RetryExhausted,
		EventSuspend:            (*Machine).Suspend,
		EventResume:             (*Machine).Resume,
	}

	legal := map[State]map[Event]State{
		Disconnected: {EventConnect: Connecting},
		Connecting:   {EventHandshakeSucceeded: Connected, EventHandshakeFailed: Disconnected},
		Connected:    {EventHeartbeatTimeout: Reconnecting, EventSuspend: Suspended},
		Reconnecting: {EventHeartbeatAcked: Connected, EventRetryExhausted: Disconnected, EventSuspend: Suspended},
		Suspended:    {EventResume: Reconnecting},
	}

	for from, edges := range legal {
		for ev, fire := range events {
			t.Run(fmt.Sprintf("%s/%s", from, ev), func(t *testing.T) {
				m := driveTo(t, from)
				err := fire(m)

				to, ok := edges[ev]
				if !ok {
					if !errors.Is(err, ErrInvalidTransition) {
						t.Fatalf("expected ErrInvalidTransition, got %v", err)
					}
					if m.State() != from {
						t.Fatalf("state changed on rejected event: %s", m.State())
					}
					return
				}
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if m.State() != to {
					t.Fatalf("got %s, want %s", m.State(), to)
				}
			})
		}
	}
}

func TestMachineDisconnectedIsReenterable(t *testing.T) {
	m := driveTo(t, Reconnecting)
	if err := m.RetryExhausted(); err != nil {
		t.Fatalf("RetryExhausted: %v", err)
	}
	if !errors.Is(m.Err(), ErrRetryExhausted) {
		t.Fatalf("Err: got %v, want ErrRetryExhausted", m.Err())
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if m.State() != Connecting {
		t.Fatalf("got %s, want connecting", m.State())
	}
	if m.Err() != nil {
		t.Fatalf("Err not cleared by Connect: %v", m.Err())
	}
}

func TestMachineHandshakeFailureCause(t *testing.T) {
	testCases := []struct {
		name      string
		cause     error
		wantFatal bool
	}{
		{"authentication", fmt.Errorf("hello: %w", protocol.ErrAuthenticationFailed), true},
		{"encryption", protocol.ErrEncryption, true},
		{"timeout", ErrConnectionTimeout, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := driveTo(t, Connecting)
			if err := m.HandshakeFailed(tc.cause); err != nil {
				t.Fatalf("HandshakeFailed: %v", err)
			}
			if m.State() != Disconnected {
				t.Fatalf("got %s, want disconnected", m.State())
			}
			if !errors.Is(m.Err(), tc.cause) {
				t.Fatalf("Err: got %v, want %v", m.Err(), tc.cause)
			}
			if IsFatal(m.Err()) != tc.wantFatal {
				t.Fatalf("IsFatal(%v) = %v, want %v", m.Err(), !tc.wantFatal, tc.wantFatal)
			}
		})
	}
}

func TestMachineClose(t *testing.T) {
	for _, st := range []State{Disconnected, Connecting, Connected, Reconnecting, Suspended} {
		t.Run(st.String(), func(t *testing.T) {
			m := driveTo(t, st)
			m.Close()
			if m.State() != Disconnected {
				t.Fatalf("got %s, want disconnected", m.State())
			}
			if m.Err() != nil {
				t.Fatalf("Err after Close: %v", m.Err())
			}
		})
	}
}

func TestMachineOnChangeAndHistory(t *testing.T) {
	m := NewMachine()

	var got []string
	m.OnChange(func(from, to State) {
		// Callbacks run outside the lock.
		if m.State() != to {
			t.Errorf("State() inside callback: got %s, want %s", m.State(), to)
		}
		got = append(got, from.String()+">"+to.String())
	})

	_ = m.Connect()
	_ = m.HandshakeSucceeded()
	_ = m.Resume() // rejected, no callback
	m.Close()

	want := []string{"disconnected>connecting", "connecting>connected", "connected>disconnected"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("callbacks: got %v, want %v", got, want)
	}

	history := m.History()
	if len(history) != 3 {
		t.Fatalf("history length: got %d, want 3", len(history))
	}
	if history[2].Event != EventClose || history[2].To != Disconnected {
		t.Fatalf("last transition: %+v", history[2])
	}
}

func TestMachineConcurrentReaders(t *testing.T) {
	m := NewMachine()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = m.State().String()
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		_ = m.Connect()
		_ = m.HandshakeSucceeded()
		_ = m.Suspend()
		_ = m.Resume()
		_ = m.HeartbeatAcked()
		m.Close()
	}
	close(stop)
	wg.Wait()
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	if b.Exhausted(DefaultMaxAttempts - 1) {
		t.Error("exhausted one attempt early")
	}
	if !b.Exhausted(DefaultMaxAttempts) {
		t.Error("not exhausted after the last attempt")
	}
	if got := b.Budget(); got != 39500*time.Millisecond {
		t.Errorf("Budget() = %v, want 39.5s", got)
	}
}
