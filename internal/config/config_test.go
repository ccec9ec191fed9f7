package config

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/1ureka/lagless/internal/conn"
	"github.com/1ureka/lagless/internal/protocol"
)

func TestLoadTuningDefaults(t *testing.T) {
	tuning, err := LoadTuning()
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}
	assert.Equal(t, tuning, DefaultTuning())
	assert.Equal(t, tuning.Monitor(), conn.DefaultMonitorConfig())
	assert.Equal(t, tuning.Port, protocol.DefaultPort)
}

func TestLoadTuningFromEnvironment(t *testing.T) {
	t.Setenv("LAGLESS_HEARTBEAT_INTERVAL", "1s")
	t.Setenv("LAGLESS_RECONNECT_TIMEOUT", "4s")
	t.Setenv("LAGLESS_BACKOFF_ATTEMPTS", "3")
	t.Setenv("LAGLESS_ROWS", "50")

	tuning, err := LoadTuning()
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}
	assert.Equal(t, tuning.HeartbeatInterval, time.Second)
	assert.Equal(t, tuning.ReconnectTimeout, 4*time.Second)
	assert.Equal(t, tuning.Monitor().Backoff.MaxAttempts, 3)
	assert.Equal(t, tuning.Rows, 50)
	assert.Equal(t, tuning.Cols, 80)
}

func TestLoadTuningRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name, key, value string
	}{
		{"unparsable duration", "LAGLESS_HEARTBEAT_INTERVAL", "soon"},
		{"timeout shorter than heartbeat", "LAGLESS_RECONNECT_TIMEOUT", "1s"},
		{"zero attempts", "LAGLESS_BACKOFF_ATTEMPTS", "0"},
		{"zero rows", "LAGLESS_ROWS", "0"},
		{"oversized geometry", "LAGLESS_COLS", "70000"},
		{"zero echo timeout", "LAGLESS_ECHO_TIMEOUT", "0s"},
		{"port out of range", "LAGLESS_PORT", "70000"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := LoadTuning(); err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}
