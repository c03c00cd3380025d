package service

import (
	"time"

	"riboost/print-relay/internal/dispatch"
	"riboost/print-relay/internal/registry"

	"go.uber.org/zap"
)

// PresenceCleanup defines a function used to periodically evict agents
// whose heartbeats stopped arriving. The transport connection may well
// still be open, a silent agent is treated as gone either way.
func PresenceCleanup(tick, threshold time.Duration, reg *registry.Registry, router *dispatch.Router) {
	ticker := time.NewTicker(tick)

	zap.L().Debug("Presence cleanup attached",
		zap.Duration("tick_every", tick),
		zap.Duration("threshold", threshold))

	go func() {
		for range ticker.C {
			removed := reg.SweepStale(threshold)
			if len(removed) == 0 {
				continue
			}

			zap.L().Info("Evicted stale agents", zap.Int("count", len(removed)))

			seen := make(map[string]bool)
			for _, a := range removed {
				if !seen[a.Room] {
					seen[a.Room] = true
					router.BroadcastRoomRoster(a.Room)
				}
			}

			router.BroadcastGlobalRoster()
		}
	}()
}
