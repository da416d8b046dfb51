package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/call counter.
var Stats = &stats{}

type stats struct {
	EnvelopesSent atomic.Int64 // cumulative signaling envelopes written
	EnvelopesRecv atomic.Int64 // cumulative signaling envelopes read
	BytesSent     atomic.Int64 // cumulative signaling bytes written
	BytesRecv     atomic.Int64 // cumulative signaling bytes read
	CallsStarted  atomic.Int64 // cumulative call sessions entered
	CallsEnded    atomic.Int64 // cumulative call sessions torn down
}

func (s *stats) AddSent(n int) { s.EnvelopesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.EnvelopesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddCall()      { s.CallsStarted.Add(1) }
func (s *stats) AddCallEnded() { s.CallsEnded.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 10 seconds. Quiet periods produce no output. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.EnvelopesSent.Load()
				recv := Stats.EnvelopesRecv.Load()
				active := Stats.CallsStarted.Load() - Stats.CallsEnded.Load()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(formatStats(sent-prevSent, recv-prevRecv, active))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the activity in the last interval.
func formatStats(sent, recv, active int64) string {
	return fmt.Sprintf("Signaling: %3d↑ %3d↓ | Calls active: %d", sent, recv, active)
}
