package main

import (
	"context"
	"log/slog"
	"time"

	"ephemera/server/internal/core"
)

const statsLogInterval = time.Minute

// RunStatsLog logs relay activity every interval until ctx is canceled.
// Idle intervals are skipped.
func RunStatsLog(ctx context.Context, relay *core.Relay, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(relay)
		}
	}
}

func logStats(relay *core.Relay) {
	rep := relay.Metrics()
	if rep.OnlineNow == 0 && rep.MsgsPerMinNow == 0 {
		return
	}
	slog.Info("relay stats",
		"online", rep.OnlineNow,
		"msgs_per_min", rep.MsgsPerMinNow,
		"rooms", rep.RoomsTotal,
		"groups", rep.GroupsTotal,
		"dm_active", rep.DirectActive,
		"heap_kb", rep.Memory.HeapAlloc/1024)
}
