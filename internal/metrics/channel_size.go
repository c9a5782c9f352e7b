package metrics

import (
	"context"
	"time"

	"orderflow/internal/channel"
	"orderflow/logger"
)

const bufferGaugeComponent = "channel_buffers"

// StartChannelSizeMetrics emits occupancy gauges for the raw trade and
// liquidation buffers until the context is cancelled. An interval <= 0 falls
// back to one second.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) || channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		log := logger.GetLogger()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if channels.Trade != nil {
					emitBufferGauge(log, "trade_raw_buffer_length", "trade_raw", len(channels.Trade.Raw), cap(channels.Trade.Raw))
				}
				if channels.Liq != nil {
					emitBufferGauge(log, "liq_raw_buffer_length", "liq_raw", len(channels.Liq.Raw), cap(channels.Liq.Raw))
				}
			}
		}
	}()
}

func emitBufferGauge(log *logger.Log, metric, buffer string, length, capacity int) {
	EmitMetric(log, bufferGaugeComponent, metric, length, "gauge", logger.Fields{
		"buffer":   buffer,
		"capacity": capacity,
	})
}
