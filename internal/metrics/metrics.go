// Package metrics exports a session's traffic counters and connection state
// to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/lagless/internal/conn"
	"github.com/1ureka/lagless/internal/util"
)

const namespace = "lagless"

// Config configures Register.
type Config struct {
	// Role is attached to every metric as the "role" label.
	Role string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Register exports stats, and the connection state when state is not nil.
// All values are read at scrape time.
func Register(cfg Config, stats *util.Stats, state func() conn.State) {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": cfg.Role}

	counter := func(name, help string, v func() float64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, v)
	}

	counter("packets_sent_total", "Frames sent.", func() float64 { return float64(stats.PacketsSent.Load()) })
	counter("packets_received_total", "Valid frames received.", func() float64 { return float64(stats.PacketsRecv.Load()) })
	counter("bytes_sent_total", "Encoded bytes sent.", func() float64 { return float64(stats.BytesSent.Load()) })
	counter("bytes_received_total", "Encoded bytes received.", func() float64 { return float64(stats.BytesRecv.Load()) })
	counter("frames_dropped_total", "Inbound frames dropped as corrupt or invalid.", func() float64 { return float64(stats.Dropped.Load()) })
	counter("retransmits_total", "State updates or input sent again.", func() float64 { return float64(stats.Retransmits.Load()) })
	counter("resyncs_total", "Full snapshots requested or served.", func() float64 { return float64(stats.Resyncs.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "rtt_seconds",
		Help:        "Last measured heartbeat round trip.",
		ConstLabels: labels,
	}, func() float64 { return stats.RTT().Seconds() })

	if state != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connection_state",
			Help:        "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 suspended.",
			ConstLabels: labels,
		}, func() float64 { return float64(state()) })
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
