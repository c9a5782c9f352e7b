package metrics

import "orderflow/logger"

// TradeProcessorMetrics holds throughput metrics for the trade normalizer.
type TradeProcessorMetrics struct {
	MessagesProcessed int64
	DecodeFailures    int64
	LargeTrades       int64
	RawChannelLen     int
	RawChannelCap     int
}

// ReportTradeProcessorMetrics emits metrics for the trade normalizer.
func ReportTradeProcessorMetrics(log *logger.Log, stats TradeProcessorMetrics) {
	l := log.WithComponent("trade_processor")

	failureRate := float64(0)
	if stats.MessagesProcessed+stats.DecodeFailures > 0 {
		failureRate = float64(stats.DecodeFailures) / float64(stats.MessagesProcessed+stats.DecodeFailures)
	}

	l.LogMetric("trade_processor", "trades_ingested", stats.MessagesProcessed, "counter", logger.Fields{})
	l.LogMetric("trade_processor", "decode_failures", stats.DecodeFailures, "counter", logger.Fields{})
	l.LogMetric("trade_processor", "large_trades", stats.LargeTrades, "counter", logger.Fields{})
	l.LogMetric("trade_processor", "decode_failure_rate", failureRate, "gauge", logger.Fields{})

	l.WithFields(logger.Fields{
		"messages_processed":  stats.MessagesProcessed,
		"decode_failures":     stats.DecodeFailures,
		"large_trades":        stats.LargeTrades,
		"decode_failure_rate": failureRate,
		"raw_channel_len":     stats.RawChannelLen,
		"raw_channel_cap":     stats.RawChannelCap,
	}).Info("trade processor metrics")
}

// LiqProcessorMetrics holds throughput metrics for the liquidation normalizer.
type LiqProcessorMetrics struct {
	MessagesProcessed int64
	DecodeFailures    int64
	RawChannelLen     int
	RawChannelCap     int
}

// ReportLiqProcessorMetrics emits metrics for the liquidation normalizer.
func ReportLiqProcessorMetrics(log *logger.Log, stats LiqProcessorMetrics) {
	l := log.WithComponent("liq_processor")

	failureRate := float64(0)
	if stats.MessagesProcessed+stats.DecodeFailures > 0 {
		failureRate = float64(stats.DecodeFailures) / float64(stats.MessagesProcessed+stats.DecodeFailures)
	}

	l.LogMetric("liq_processor", "liquidations_ingested", stats.MessagesProcessed, "counter", logger.Fields{})
	l.LogMetric("liq_processor", "decode_failures", stats.DecodeFailures, "counter", logger.Fields{})
	l.LogMetric("liq_processor", "decode_failure_rate", failureRate, "gauge", logger.Fields{})

	l.WithFields(logger.Fields{
		"messages_processed":  stats.MessagesProcessed,
		"decode_failures":     stats.DecodeFailures,
		"decode_failure_rate": failureRate,
		"raw_channel_len":     stats.RawChannelLen,
		"raw_channel_cap":     stats.RawChannelCap,
	}).Info("liquidation processor metrics")
}
