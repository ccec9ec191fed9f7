package session

import (
	"bytes"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/lagless/internal/conn"
)

// Compile-time interface check.
var _ Transport = (*mockTransport)(nil)

// linkConfig describes how a mock link mistreats frames.
type linkConfig struct {
	drop     float64 // probability a frame is lost
	dup      float64 // probability a frame is delivered twice
	corrupt  float64 // probability one bit of a frame is flipped
	maxDelay time.Duration
}

// mockTransport implements Transport for in-process testing. Two linked
// instances simulate a datagram link: frames sent by one side reach the
// other side's OnMessage handler after a random delay, possibly lost,
// duplicated or corrupted on the way.
type mockTransport struct {
	mu      sync.RWMutex
	handler func([]byte)
	peer    *mockTransport
	link    linkConfig
	cut     atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// mockTransports creates a linked pair sharing one link configuration.
func mockTransports(link linkConfig) (client, host *mockTransport) {
	client = &mockTransport{link: link, done: make(chan struct{})}
	host = &mockTransport{link: link, done: make(chan struct{})}
	client.peer = host
	host.peer = client
	return client, host
}

// Close signals Done. Safe to call multiple times.
func (m *mockTransport) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *mockTransport) Done() <-chan struct{} { return m.done }

func (m *mockTransport) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *mockTransport) Send(frame []byte) error {
	if m.cut.Load() || rand.Float64() < m.link.drop {
		return nil
	}
	copies := 1
	if rand.Float64() < m.link.dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		data := bytes.Clone(frame)
		if rand.Float64() < m.link.corrupt {
			bit := rand.IntN(len(data) * 8)
			data[bit/8] ^= 1 << (bit % 8)
		}
		m.deliverToPeer(data)
	}
	return nil
}

// deliverToPeer schedules asynchronous delivery to the peer's handler.
// Frames in flight when either side closes are dropped.
func (m *mockTransport) deliverToPeer(frame []byte) {
	go func() {
		if m.link.maxDelay > 0 {
			delay := time.Duration(rand.Int64N(int64(m.link.maxDelay)))
			select {
			case <-time.After(delay):
			case <-m.done:
				return
			case <-m.peer.done:
				return
			}
		}

		m.peer.mu.RLock()
		fn := m.peer.handler
		m.peer.mu.RUnlock()

		if fn != nil {
			fn(frame)
		}
	}()
}

// setCut drops everything sent in both directions while true.
func setCut(a, b *mockTransport, cut bool) {
	a.cut.Store(cut)
	b.cut.Store(cut)
}

// ---------------------------------------------------------------------------
// Fake shell
// ---------------------------------------------------------------------------

// echoShell behaves like a line discipline in echo mode: everything written
// comes back as output, with CR turned into CRLF.
type echoShell struct {
	mu      sync.Mutex
	written strings.Builder
	size    [2]int

	out    chan []byte
	slow   chan []byte // echoes held back by delay, nil when immediate
	delay  time.Duration
	closed chan struct{}
	once   sync.Once
}

func newEchoShell() *echoShell {
	return &echoShell{
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

// newSlowEchoShell returns an echoShell that answers each write after delay,
// in order.
func newSlowEchoShell(delay time.Duration) *echoShell {
	s := newEchoShell()
	s.delay = delay
	s.slow = make(chan []byte, 1024)
	go s.forward()
	return s
}

func (s *echoShell) forward() {
	for {
		select {
		case b := <-s.slow:
			select {
			case <-time.After(s.delay):
			case <-s.closed:
				return
			}
			select {
			case s.out <- b:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *echoShell) Read(p []byte) (int, error) {
	select {
	case b := <-s.out:
		return copy(p, b), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *echoShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.written.Write(p)
	s.mu.Unlock()

	echo := bytes.ReplaceAll(p, []byte("\r"), []byte("\r\n"))
	dst := s.out
	if s.slow != nil {
		dst = s.slow
	}
	select {
	case dst <- echo:
	case <-s.closed:
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func (s *echoShell) Resize(rows, cols int) error {
	s.mu.Lock()
	s.size = [2]int{rows, cols}
	s.mu.Unlock()
	return nil
}

func (s *echoShell) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *echoShell) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

func (s *echoShell) Size() [2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

const waitTimeout = 5 * time.Second

func testMonitorConfig() conn.MonitorConfig {
	return conn.MonitorConfig{
		HeartbeatInterval: 30 * time.Millisecond,
		ReconnectTimeout:  200 * time.Millisecond,
		Backoff: conn.Backoff{
			Initial:     20 * time.Millisecond,
			Max:         80 * time.Millisecond,
			MaxAttempts: 50,
		},
	}
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		SessionID:          "test-session",
		Rows:               4,
		Cols:               20,
		Monitor:            testMonitorConfig(),
		RetransmitInterval: 10 * time.Millisecond,
		ResyncPerSecond:    50,
	}
}

func testHostConfig() HostConfig {
	return HostConfig{
		Rows:               4,
		Cols:               20,
		RetransmitInterval: 10 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// result collects the error returned by a Run call.
func result(run func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- run() }()
	return ch
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

// converged reports whether the client shows exactly the host screen with
// nothing left to confirm.
func converged(c *Client, h *Host) bool {
	f := c.Frame()
	if f.Pending != 0 {
		return false
	}
	hs := h.Screen()
	cr, cc := f.Screen.Cursor()
	hr, hc := hs.Cursor()
	return f.Screen.Render() == hs.Render() && cr == hr && cc == hc
}
