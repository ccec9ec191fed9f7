package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-session stats
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts the traffic of one session. Each session owns its own Stats;
// there is no process-wide instance.
type Stats struct {
	PacketsSent atomic.Int64 // frames handed to the transport
	PacketsRecv atomic.Int64 // frames that decoded successfully
	BytesSent   atomic.Int64 // encoded bytes handed to the transport
	BytesRecv   atomic.Int64 // encoded bytes received, valid or not
	Dropped     atomic.Int64 // inbound frames dropped as invalid or corrupt
	Retransmits atomic.Int64 // state updates or input sent again
	Resyncs     atomic.Int64 // full snapshots requested or served
	RTTMicros   atomic.Int64 // last heartbeat round trip
}

func (s *Stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *Stats) AddRecv(n int)          { s.BytesRecv.Add(int64(n)) }
func (s *Stats) AddDecoded()            { s.PacketsRecv.Add(1) }
func (s *Stats) AddDropped()            { s.Dropped.Add(1) }
func (s *Stats) AddRetransmit()         { s.Retransmits.Add(1) }
func (s *Stats) AddResync()             { s.Resyncs.Add(1) }
func (s *Stats) SetRTT(d time.Duration) { s.RTTMicros.Store(d.Microseconds()) }

// RTT returns the last measured round trip.
func (s *Stats) RTT() time.Duration {
	return time.Duration(s.RTTMicros.Load()) * time.Microsecond
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is how often StartStatsReporter samples the counters.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs the session's traffic
// every 10 seconds while there is any. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, log Logger) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()
				dropped := s.Dropped.Load()

				outS := float64(sent-prevSent) / reportInterval.Seconds()
				inS := float64(recv-prevRecv) / reportInterval.Seconds()

				if inS > 10 || outS > 10 || dropped > prevDropped {
					log.Info("%s", formatStats(inS, outS, dropped-prevDropped, s.RTT()))
				}

				prevSent = sent
				prevRecv = recv
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line summary for the reporter.
func formatStats(inS, outS float64, dropped int64, rtt time.Duration) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Dropped: %3d | RTT: %v",
		formatBytes(inS),
		formatBytes(outS),
		dropped,
		rtt.Round(time.Millisecond),
	)
}
