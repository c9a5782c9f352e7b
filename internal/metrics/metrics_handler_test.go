package metrics

import (
	"testing"
	"time"

	"orderflow/config"
	"orderflow/logger"
)

// captureHandler registers a buffered handler and unregisters it when the
// test finishes.
func captureHandler(t *testing.T) chan Metric {
	t.Helper()
	registry.reset()
	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })
	return events
}

func TestRegisterMetricHandlerAssignsUniqueIDs(t *testing.T) {
	registry.reset()

	first := RegisterMetricHandler(func(Metric) {})
	second := RegisterMetricHandler(func(Metric) {})
	if first == 0 || second == 0 || first == second {
		t.Fatalf("expected distinct non-zero ids, got %d and %d", first, second)
	}

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("nil handler should yield id 0, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	events := captureHandler(t)

	fields := logger.Fields{"exchange": "binance", "unit": "count"}
	EmitMetric(logger.Logger(), "trade_processor", "trades_ingested", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "trade_processor" || event.Name != "trades_ingested" || event.Type != "gauge" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("caller fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("reserved keys leaked into event fields: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultsTypeToCounter(t *testing.T) {
	events := captureHandler(t)

	EmitMetric(nil, "cascade_detector", "cascade_events", 7, "", logger.Fields{"unit": "count"})

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected counter type, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricDropsNamelessMetrics(t *testing.T) {
	events := captureHandler(t)

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitMetricHonoursDisabledFeature(t *testing.T) {
	events := captureHandler(t)

	Configure(config.MetricsConfig{ChannelSize: false})
	t.Cleanup(func() { Configure(config.MetricsConfig{ChannelSize: true}) })

	EmitMetric(nil, "channel_buffers", "trade_raw_buffer_length", 1, "gauge", nil)

	select {
	case <-events:
		t.Fatal("gated metric emitted while feature disabled")
	case <-time.After(20 * time.Millisecond):
	}
}
