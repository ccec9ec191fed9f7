// Package config holds the CLI configuration types and the environment
// tuning of the protocol.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/1ureka/lagless/internal/conn"
	"github.com/1ureka/lagless/internal/protocol"
	"github.com/1ureka/lagless/internal/terminal"
)

// Role represents the user's chosen role (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// TransportKind selects the datagram transport.
type TransportKind string

const (
	TransportUDP    TransportKind = "udp"
	TransportWebRTC TransportKind = "webrtc"
)

// Config stores all parameters gathered from flags and interactive prompts.
type Config struct {
	Role      Role
	Transport TransportKind

	Addr        string // UDP: host listen address / client dial address
	SignalPort  int    // WebRTC host: WebSocket signaling port
	WSURL       string // WebRTC client: WebSocket URL to connect to
	PIN         string // shared secret checked on hello and signaling
	Command     string // Host: command run on the PTY
	MetricsAddr string // optional Prometheus listen address
	Debug       bool
}

// Tuning holds protocol timing and defaults, read from LAGLESS_* variables
// (LAGLESS_HEARTBEAT_INTERVAL, LAGLESS_RETRANSMIT_INTERVAL, ...).
type Tuning struct {
	HeartbeatInterval  time.Duration `split_words:"true" default:"3s"`
	ReconnectTimeout   time.Duration `split_words:"true" default:"10s"`
	RetransmitInterval time.Duration `split_words:"true" default:"250ms"`
	BackoffInitial     time.Duration `split_words:"true" default:"500ms"`
	BackoffMax         time.Duration `split_words:"true" default:"8s"`
	BackoffAttempts    int           `split_words:"true" default:"8"`
	ResyncPerSecond    float64       `split_words:"true" default:"2"`
	EchoTimeout        time.Duration `split_words:"true" default:"50ms"`
	Port               int           `split_words:"true" default:"60001"`
	Rows               int           `split_words:"true" default:"24"`
	Cols               int           `split_words:"true" default:"80"`
}

// DefaultTuning returns the tuning used when no variable is set.
func DefaultTuning() Tuning {
	return Tuning{
		HeartbeatInterval:  conn.DefaultHeartbeatInterval,
		ReconnectTimeout:   conn.DefaultReconnectTimeout,
		RetransmitInterval: 250 * time.Millisecond,
		BackoffInitial:     conn.DefaultInitialBackoff,
		BackoffMax:         conn.DefaultMaxBackoff,
		BackoffAttempts:    conn.DefaultMaxAttempts,
		ResyncPerSecond:    2,
		EchoTimeout:        50 * time.Millisecond,
		Port:               protocol.DefaultPort,
		Rows:               terminal.DefaultRows,
		Cols:               terminal.DefaultCols,
	}
}

// LoadTuning reads LAGLESS_* environment variables over the defaults.
func LoadTuning() (Tuning, error) {
	var t Tuning
	if err := envconfig.Process("lagless", &t); err != nil {
		return Tuning{}, fmt.Errorf("load tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Validate rejects settings the sessions can't run with.
func (t Tuning) Validate() error {
	switch {
	case t.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive, got %v", t.HeartbeatInterval)
	case t.ReconnectTimeout < t.HeartbeatInterval:
		return fmt.Errorf("reconnect timeout %v is shorter than the heartbeat interval %v", t.ReconnectTimeout, t.HeartbeatInterval)
	case t.RetransmitInterval <= 0:
		return fmt.Errorf("retransmit interval must be positive, got %v", t.RetransmitInterval)
	case t.BackoffInitial <= 0 || t.BackoffMax < t.BackoffInitial:
		return fmt.Errorf("invalid backoff range %v..%v", t.BackoffInitial, t.BackoffMax)
	case t.BackoffAttempts <= 0:
		return fmt.Errorf("backoff attempts must be positive, got %d", t.BackoffAttempts)
	case t.ResyncPerSecond <= 0:
		return fmt.Errorf("resync rate must be positive, got %v", t.ResyncPerSecond)
	case t.EchoTimeout <= 0:
		return fmt.Errorf("echo timeout must be positive, got %v", t.EchoTimeout)
	case t.Port < 1 || t.Port > 65535:
		return fmt.Errorf("invalid port %d", t.Port)
	case terminal.CheckGeometry(t.Rows, t.Cols) != nil:
		return fmt.Errorf("invalid default geometry %dx%d", t.Rows, t.Cols)
	}
	return nil
}

// Monitor returns the liveness configuration for conn.Monitor.
func (t Tuning) Monitor() conn.MonitorConfig {
	return conn.MonitorConfig{
		HeartbeatInterval: t.HeartbeatInterval,
		ReconnectTimeout:  t.ReconnectTimeout,
		Backoff: conn.Backoff{
			Initial:     t.BackoffInitial,
			Max:         t.BackoffMax,
			MaxAttempts: t.BackoffAttempts,
		},
	}
}
