package conn

import "time"

// Default liveness timing.
const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultReconnectTimeout  = 10 * time.Second
)

// Action is what a Monitor asks its owner to send.
type Action int

const (
	ActionNone Action = iota
	ActionSendHello
	ActionSendHeartbeat
)

func (a Action) String() string {
	switch a {
	case ActionSendHello:
		return "send-hello"
	case ActionSendHeartbeat:
		return "send-heartbeat"
	default:
		return "none"
	}
}

// MonitorConfig holds the liveness timing of a Monitor.
type MonitorConfig struct {
	HeartbeatInterval time.Duration
	ReconnectTimeout  time.Duration
	Backoff           Backoff
}

// DefaultMonitorConfig returns the default timing.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectTimeout:  DefaultReconnectTimeout,
		Backoff:           DefaultBackoff(),
	}
}

// Monitor drives the time-based edges of a Machine: handshake timeout,
// heartbeat scheduling, heartbeat timeout and the reconnect retry budget.
// It never reads the clock itself; its owner calls Tick and Acked with the
// current time, typically from the session event loop on a ticker. A
// Monitor is not safe for concurrent use.
type Monitor struct {
	m   *Machine
	cfg MonitorConfig

	observed bool
	seen     State     // state at the last tick
	since    time.Time // when seen was first observed

	lastAck  time.Time
	lastSend time.Time

	attempts  int
	nextRetry time.Time
}

// NewMonitor creates a monitor over m.
func NewMonitor(m *Machine, cfg MonitorConfig) *Monitor {
	return &Monitor{m: m, cfg: cfg}
}

// Tick advances the monitor to now, firing any timeout edge that is due,
// and returns what should be sent.
func (mo *Monitor) Tick(now time.Time) Action {
	st := mo.m.State()
	if !mo.observed || st != mo.seen {
		mo.enter(st, now)
	}

	switch st {
	case Connecting:
		if now.Sub(mo.since) >= mo.cfg.ReconnectTimeout {
			if mo.m.HandshakeFailed(ErrConnectionTimeout) == nil {
				mo.enter(Disconnected, now)
			}
			return ActionNone
		}
		if mo.due(now) {
			mo.lastSend = now
			return ActionSendHello
		}

	case Connected:
		if now.Sub(mo.lastAck) >= mo.cfg.ReconnectTimeout {
			if mo.m.HeartbeatTimeout() == nil {
				mo.enter(Reconnecting, now)
				return mo.retry(now)
			}
			return ActionNone
		}
		if mo.due(now) {
			mo.lastSend = now
			return ActionSendHeartbeat
		}

	case Reconnecting:
		return mo.retry(now)
	}

	// Suspended and Disconnected send nothing.
	return ActionNone
}

// Acked records an ack from the peer. While reconnecting it moves the
// machine back to Connected.
func (mo *Monitor) Acked(now time.Time) {
	mo.lastAck = now
	if mo.m.State() == Reconnecting && mo.m.HeartbeatAcked() == nil {
		mo.enter(Connected, now)
	}
}

// Attempts returns the number of heartbeats sent since reconnecting began.
func (mo *Monitor) Attempts() int { return mo.attempts }

func (mo *Monitor) enter(st State, now time.Time) {
	mo.observed = true
	mo.seen = st
	mo.since = now
	mo.lastSend = time.Time{}
	mo.attempts = 0
	mo.nextRetry = now
	if st == Connected {
		mo.lastAck = now
	}
}

func (mo *Monitor) due(now time.Time) bool {
	return mo.lastSend.IsZero() || now.Sub(mo.lastSend) >= mo.cfg.HeartbeatInterval
}

func (mo *Monitor) retry(now time.Time) Action {
	if now.Before(mo.nextRetry) {
		return ActionNone
	}
	if mo.cfg.Backoff.Exhausted(mo.attempts) {
		if mo.m.RetryExhausted() == nil {
			mo.enter(Disconnected, now)
		}
		return ActionNone
	}
	mo.attempts++
	mo.nextRetry = now.Add(mo.cfg.Backoff.Delay(mo.attempts))
	mo.lastSend = now
	return ActionSendHeartbeat
}
