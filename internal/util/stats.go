package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide bridge traffic counter, reused by E's outbound
// and inbound pipelines at their I/O boundaries.
var Stats = &stats{}

type stats struct {
	PacketsSent     atomic.Int64
	PacketsReceived atomic.Int64
	BytesSent       atomic.Int64
	BytesReceived   atomic.Int64
	PacketsDropped  atomic.Int64
}

func (s *stats) AddSent(bytes int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(bytes))
}

func (s *stats) AddReceived(bytes int) {
	s.PacketsReceived.Add(1)
	s.BytesReceived.Add(int64(bytes))
}

func (s *stats) AddDropped() {
	s.PacketsDropped.Add(1)
}

// StartStatsReporter launches a goroutine that logs bridge throughput every
// 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesReceived.Load()
				dropped := Stats.PacketsDropped.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				newDrops := dropped - prevDropped

				if outS > 10 || inS > 10 || newDrops > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, newDrops))
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

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 char) human
// readable string, e.g. "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Dropped: %d", formatBytes(inS), formatBytes(outS), dropped)
}
