// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartDepthSampler periodically calls depths and updates the queue depth
// gauge. depths returns queue name -> current length.
func StartDepthSampler(ctx context.Context, interval time.Duration, log *zap.Logger, depths func(context.Context) (map[string]int64, error)) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m, err := depths(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				for q, n := range m {
					QueueDepth.WithLabelValues(q).Set(float64(n))
				}
			}
		}
	}()
}
