package service

import (
	"time"

	"riboost/print-relay/internal/ratelimit"

	"go.uber.org/zap"
)

// LimiterCompaction defines a function used to periodically drop rate
// limiter keys whose windows have fully drained.
func LimiterCompaction(tick time.Duration, limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(tick)

	zap.L().Debug("Limiter compaction attached", zap.Duration("tick_every", tick))

	go func() {
		for range ticker.C {
			removed := 0
			for _, l := range limiters {
				removed += l.Compact()
			}

			if removed > 0 {
				zap.L().Debug("Compacted rate limiter keys", zap.Int("removed", removed))
			}
		}
	}()
}
