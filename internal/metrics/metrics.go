// Package metrics runs a periodic reporter over the hub's counters,
// grounded on the teacher's RunMetrics ticker loop but logging through
// slog and formatting byte/packet volumes with go-humanize instead of
// hand-rolled Printf math.
package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Counters are the hub-wide atomics tracked across every source/listener.
type Counters struct {
	PacketsReceived atomic.Int64
	PacketsPlayed   atomic.Int64
	BytesReceived   atomic.Int64
	Underruns       atomic.Int64
	RetxRequests    atomic.Int64
	Drops           atomic.Int64
}

// Run logs Counters every interval until ctx is canceled, mirroring the
// teacher's RunMetrics: silent when idle, one structured line otherwise.
func Run(ctx context.Context, c *Counters, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytes, lastPackets, lastPlayed int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			packets := c.PacketsReceived.Load()
			bytesTotal := c.BytesReceived.Load()
			played := c.PacketsPlayed.Load()
			underruns := c.Underruns.Load()
			retx := c.RetxRequests.Load()
			drops := c.Drops.Load()

			if packets == lastPackets && played == lastPlayed {
				continue
			}

			throughput := float64(bytesTotal-lastBytes) / interval.Seconds()
			slog.Info("relay metrics",
				"packets_received", packets,
				"packets_played", played,
				"bytes_received", humanize.Bytes(uint64(bytesTotal)),
				"throughput", humanize.Bytes(uint64(throughput))+"/s",
				"underruns", underruns,
				"retx_requests", retx,
				"drops", drops,
			)
			lastBytes = bytesTotal
			lastPackets = packets
			lastPlayed = played
		}
	}
}
