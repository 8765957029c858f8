package metrics

import (
	"context"
	"time"

	"optionlevels/internal/channel"
	"optionlevels/logger"
)

// StartChannelSizeMetrics emits buffer occupancy gauges for the snapshot and
// row queues every interval until ctx is done.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) || channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, "channel_buffers", "books_buffer_length", len(channels.Books), "gauge", logger.Fields{
					"buffer":   "books",
					"capacity": cap(channels.Books),
				})
				EmitMetric(log, "channel_buffers", "rows_buffer_length", len(channels.Rows), "gauge", logger.Fields{
					"buffer":   "rows",
					"capacity": cap(channels.Rows),
				})
			}
		}
	}()
}
