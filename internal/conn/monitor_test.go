package conn

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func newTestMonitor() (*Machine, *Monitor) {
	m := NewMachine()
	return m, NewMonitor(m, DefaultMonitorConfig())
}

func expect(t *testing.T, mo *Monitor, now time.Duration, want Action) {
	t.Helper()
	if got := mo.Tick(at(now)); got != want {
		t.Fatalf("Tick(+%v) = %s, want %s", now, got, want)
	}
}

func TestMonitorHandshakeTimeout(t *testing.T) {
	m, mo := newTestMonitor()
	if err := m.Connect(); err != nil {
		t.Fatal(err)
	}

	expect(t, mo, 0, ActionSendHello)
	expect(t, mo, time.Second, ActionNone)
	expect(t, mo, 3*time.Second, ActionSendHello)
	expect(t, mo, 9*time.Second, ActionSendHello)
	expect(t, mo, 10*time.Second, ActionNone)

	if m.State() != Disconnected {
		t.Fatalf("got %s, want disconnected", m.State())
	}
	if !errors.Is(m.Err(), ErrConnectionTimeout) {
		t.Fatalf("Err: got %v, want ErrConnectionTimeout", m.Err())
	}
	expect(t, mo, 20*time.Second, ActionNone)
}

func TestMonitorHeartbeatsAndTimeout(t *testing.T) {
	m, mo := newTestMonitor()
	_ = m.Connect()
	expect(t, mo, 0, ActionSendHello)
	_ = m.HandshakeSucceeded()

	expect(t, mo, 1*time.Second, ActionSendHeartbeat)
	expect(t, mo, 2*time.Second, ActionNone)
	expect(t, mo, 4*time.Second, ActionSendHeartbeat)
	mo.Acked(at(5 * time.Second))

	// 9s without an ack is still fine.
	expect(t, mo, 14*time.Second, ActionSendHeartbeat)
	if m.State() != Connected {
		t.Fatalf("got %s, want connected", m.State())
	}

	// 10s without an ack is not; the first retry goes out right away.
	expect(t, mo, 15*time.Second, ActionSendHeartbeat)
	if m.State() != Reconnecting {
		t.Fatalf("got %s, want reconnecting", m.State())
	}
	expect(t, mo, 15*time.Second+200*time.Millisecond, ActionNone)
	expect(t, mo, 15*time.Second+500*time.Millisecond, ActionSendHeartbeat)
	if mo.Attempts() != 2 {
		t.Fatalf("attempts: got %d, want 2", mo.Attempts())
	}

	mo.Acked(at(16 * time.Second))
	if m.State() != Connected {
		t.Fatalf("got %s, want connected after ack", m.State())
	}
	expect(t, mo, 16*time.Second, ActionSendHeartbeat)
	expect(t, mo, 17*time.Second, ActionNone)
}

func TestMonitorRetryExhausted(t *testing.T) {
	m := driveTo(t, Reconnecting)
	mo := NewMonitor(m, DefaultMonitorConfig())

	var (
		sent int
		now  time.Duration
	)
	for ; now <= time.Minute && m.State() == Reconnecting; now += 100 * time.Millisecond {
		if mo.Tick(at(now)) == ActionSendHeartbeat {
			sent++
		}
	}

	if m.State() != Disconnected {
		t.Fatalf("got %s, want disconnected", m.State())
	}
	if !errors.Is(m.Err(), ErrRetryExhausted) {
		t.Fatalf("Err: got %v, want ErrRetryExhausted", m.Err())
	}
	if sent != DefaultMaxAttempts {
		t.Fatalf("sent %d heartbeats, want %d", sent, DefaultMaxAttempts)
	}
	// The loop stops one step after the transition.
	if gaveUp := now - 100*time.Millisecond; gaveUp != DefaultBackoff().Budget() {
		t.Fatalf("gave up after %v, want %v", gaveUp, DefaultBackoff().Budget())
	}
}

func TestMonitorSuspendAndResume(t *testing.T) {
	m, mo := newTestMonitor()
	_ = m.Connect()
	_ = m.HandshakeSucceeded()
	expect(t, mo, 0, ActionSendHeartbeat)

	if err := m.Suspend(); err != nil {
		t.Fatal(err)
	}
	// Nothing is sent while suspended, however long it lasts.
	expect(t, mo, time.Minute, ActionNone)
	expect(t, mo, time.Hour, ActionNone)
	if m.State() != Suspended {
		t.Fatalf("got %s, want suspended", m.State())
	}

	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}
	expect(t, mo, time.Hour+time.Second, ActionSendHeartbeat)
	if mo.Attempts() != 1 {
		t.Fatalf("attempts: got %d, want 1", mo.Attempts())
	}
	mo.Acked(at(time.Hour + 2*time.Second))
	if m.State() != Connected {
		t.Fatalf("got %s, want connected", m.State())
	}
}

func TestMonitorIdleWhenDisconnected(t *testing.T) {
	_, mo := newTestMonitor()
	for i := 0; i < 5; i++ {
		expect(t, mo, time.Duration(i)*time.Minute, ActionNone)
	}
}
