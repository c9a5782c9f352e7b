package metrics

import "orderflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricTradeRaw records dropped trade stream messages before normalisation.
	DropMetricTradeRaw DropMetric = "trade_messages_dropped"
	// DropMetricLiquidationRaw records dropped liquidation stream messages.
	DropMetricLiquidationRaw DropMetric = "liquidation_messages_dropped"
	// DropMetricTradeNorm records normalized trades dropped before reaching
	// the engine.
	DropMetricTradeNorm DropMetric = "normalized_trades_dropped"
	// DropMetricLiquidationNorm records normalized liquidations dropped
	// before reaching the engine.
	DropMetricLiquidationNorm DropMetric = "normalized_liquidations_dropped"
	// DropMetricSubscriberEvent records events dropped because a subscriber
	// channel was full.
	DropMetricSubscriberEvent DropMetric = "subscriber_events_dropped"
	// DropMetricSubscriberSnapshot records snapshots dropped because a
	// subscriber channel was full.
	DropMetricSubscriberSnapshot DropMetric = "subscriber_snapshots_dropped"
)

// EmitDropMetric counts one dropped message. Non-empty metadata becomes
// metric dimensions so drops can be aggregated per exchange and stream.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, market, symbol, stage string) {
	fields := logger.Fields{}
	for _, tag := range []struct{ key, value string }{
		{"exchange", exchange},
		{"market", market},
		{"symbol", symbol},
		{"stage", stage},
	} {
		if tag.value != "" {
			fields[tag.key] = tag.value
		}
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
