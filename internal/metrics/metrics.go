// Registers:
//
//	#orderflow_trades_total
//	#orderflow_liquidations_total
//	#orderflow_decode_failures_total
//	#orderflow_reconnects_total
//	#orderflow_connection_failures_total
//	#orderflow_cascade_events_total
//	#orderflow_large_trades_total
//	#orderflow_snapshots_published_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderflow/logger"
)

var (
	once                sync.Once
	tradesTotal         *prometheus.CounterVec
	liquidationsTotal   *prometheus.CounterVec
	decodeFailures      *prometheus.CounterVec
	reconnectsTotal     *prometheus.CounterVec
	connectionFailures  *prometheus.CounterVec
	cascadeEvents       *prometheus.CounterVec
	largeTradesTotal    *prometheus.CounterVec
	snapshotsPublished  prometheus.Counter
)

// Init registers the Prometheus collectors and serves them on addr. It is safe
// to call more than once; only the first call has any effect.
func Init(addr string) {
	once.Do(func() {
		tradesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_trades_total",
				Help: "Number of normalized trades ingested",
			},
			[]string{"exchange"},
		)

		liquidationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_liquidations_total",
				Help: "Number of normalized liquidations ingested",
			},
			[]string{"exchange", "side"},
		)

		decodeFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_decode_failures_total",
				Help: "Number of exchange payloads that failed to decode",
			},
			[]string{"exchange", "stream"},
		)

		reconnectsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_reconnects_total",
				Help: "Number of stream reconnect attempts",
			},
			[]string{"exchange", "stream"},
		)

		connectionFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_connection_failures_total",
				Help: "Number of streams that exhausted their reconnect budget",
			},
			[]string{"exchange", "stream"},
		)

		cascadeEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_cascade_events_total",
				Help: "Number of liquidation cascade events emitted",
			},
			[]string{"severity"},
		)

		largeTradesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_large_trades_total",
				Help: "Number of trades above the large trade threshold",
			},
			[]string{"exchange"},
		)

		snapshotsPublished = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderflow_snapshots_published_total",
				Help: "Number of snapshots broadcast to subscribers",
			},
		)

		_ = prometheus.Register(tradesTotal)
		_ = prometheus.Register(liquidationsTotal)
		_ = prometheus.Register(decodeFailures)
		_ = prometheus.Register(reconnectsTotal)
		_ = prometheus.Register(connectionFailures)
		_ = prometheus.Register(cascadeEvents)
		_ = prometheus.Register(largeTradesTotal)
		_ = prometheus.Register(snapshotsPublished)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.GetLogger().WithComponent("prometheus").WithError(err).Error("metrics server stopped")
			}
		}()
	})
}

// IncrementTrade increases the ingested trade counter for an exchange.
func IncrementTrade(exchange string) {
	if tradesTotal != nil {
		tradesTotal.WithLabelValues(exchange).Inc()
	}
}

// IncrementLiquidation increases the ingested liquidation counter.
func IncrementLiquidation(exchange, side string) {
	if liquidationsTotal != nil {
		liquidationsTotal.WithLabelValues(exchange, side).Inc()
	}
}

// IncrementDecodeFailure increases the decode failure counter for a stream.
func IncrementDecodeFailure(exchange, stream string) {
	if decodeFailures != nil {
		decodeFailures.WithLabelValues(exchange, stream).Inc()
	}
}

// IncrementReconnect increases the reconnect counter for a stream.
func IncrementReconnect(exchange, stream string) {
	if reconnectsTotal != nil {
		reconnectsTotal.WithLabelValues(exchange, stream).Inc()
	}
}

// IncrementConnectionFailure increases the permanent failure counter for a stream.
func IncrementConnectionFailure(exchange, stream string) {
	if connectionFailures != nil {
		connectionFailures.WithLabelValues(exchange, stream).Inc()
	}
}

// IncrementCascade increases the cascade event counter for a severity.
func IncrementCascade(severity string) {
	if cascadeEvents != nil {
		cascadeEvents.WithLabelValues(severity).Inc()
	}
}

// IncrementLargeTrade increases the large trade counter for an exchange.
func IncrementLargeTrade(exchange string) {
	if largeTradesTotal != nil {
		largeTradesTotal.WithLabelValues(exchange).Inc()
	}
}

// IncrementSnapshotPublished increases the snapshot broadcast counter.
func IncrementSnapshotPublished() {
	if snapshotsPublished != nil {
		snapshotsPublished.Inc()
	}
}
