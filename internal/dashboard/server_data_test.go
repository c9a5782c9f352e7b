package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	appconfig "orderflow/config"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/signal"
	"orderflow/logger"
)

type stubSnapshots struct {
	snap *model.Snapshot
}

func (s *stubSnapshots) LatestSnapshot() *model.Snapshot { return s.snap }

type stubSignals struct {
	sig *signal.Signal
}

func (s *stubSignals) Latest() *signal.Signal { return s.sig }

type stubStatuses struct {
	statuses []model.SourceStatus
}

func (s *stubStatuses) Statuses() []model.SourceStatus { return s.statuses }

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	srv, err := NewServer(appconfig.DashboardConfig{Enabled: true, Address: ":0", MetricsHistory: 10, LogHistory: 10}, logger.Logger(), deps)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func serveJSON(t *testing.T, srv *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	router, err := srv.buildRouter("orderflow")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	body := map[string]interface{}{}
	if len(res.Body.Bytes()) > 0 {
		if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
			t.Fatalf("response %q is not a JSON object: %v", res.Body.String(), err)
		}
	}
	return res.Code, body
}

func TestHealthzReportsOK(t *testing.T) {
	srv := newTestServer(t, Deps{})
	code, body := serveJSON(t, srv, "/healthz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" || body["app"] != "orderflow" {
		t.Fatalf("unexpected health payload: %v", body)
	}
}

func TestSnapshotEndpointBeforeAndAfterFirstTick(t *testing.T) {
	source := &stubSnapshots{}
	srv := newTestServer(t, Deps{Snapshots: source})

	code, _ := serveJSON(t, srv, "/api/snapshot")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status before first snapshot = %d, want 503", code)
	}

	source.snap = &model.Snapshot{Symbol: "BTCUSDT", TimestampMs: 1000, SessionID: "s1"}
	code, body := serveJSON(t, srv, "/api/snapshot")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["symbol"] != "BTCUSDT" || body["session_id"] != "s1" {
		t.Fatalf("unexpected snapshot payload: %v", body)
	}
}

func TestSignalEndpoint(t *testing.T) {
	srv := newTestServer(t, Deps{})
	code, _ := serveJSON(t, srv, "/api/signal")
	if code != http.StatusNotFound {
		t.Fatalf("status without a generator = %d, want 404", code)
	}

	signals := &stubSignals{}
	srv = newTestServer(t, Deps{Signals: signals})
	code, _ = serveJSON(t, srv, "/api/signal")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status before first signal = %d, want 503", code)
	}

	signals.sig = &signal.Signal{Symbol: "BTCUSDT", Score: 42, Bias: signal.BiasLong}
	code, body := serveJSON(t, srv, "/api/signal")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["bias"] != "long" {
		t.Fatalf("unexpected signal payload: %v", body)
	}
}

func TestSourcesEndpointPrefersLiveStatuses(t *testing.T) {
	snap := &model.Snapshot{Sources: []model.SourceStatus{{Exchange: "binance", Channel: "trade", State: "connected"}}}
	statuses := &stubStatuses{statuses: []model.SourceStatus{
		{Exchange: "bybit", Channel: "trade", State: "retrying", Attempts: 3},
	}}
	srv := newTestServer(t, Deps{Snapshots: &stubSnapshots{snap: snap}, Statuses: statuses})

	code, body := serveJSON(t, srv, "/api/sources")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	sources, ok := body["sources"].([]interface{})
	if !ok || len(sources) != 1 {
		t.Fatalf("unexpected sources payload: %v", body)
	}
	first := sources[0].(map[string]interface{})
	if first["exchange"] != "bybit" {
		t.Fatalf("sources = %v, want the live manager statuses", sources)
	}
}

func TestSourcesEndpointFallsBackToSnapshot(t *testing.T) {
	snap := &model.Snapshot{Sources: []model.SourceStatus{{Exchange: "binance", Channel: "trade", State: "connected"}}}
	srv := newTestServer(t, Deps{Snapshots: &stubSnapshots{snap: snap}})

	code, body := serveJSON(t, srv, "/api/sources")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	sources, ok := body["sources"].([]interface{})
	if !ok || len(sources) != 1 {
		t.Fatalf("unexpected sources payload: %v", body)
	}
	first := sources[0].(map[string]interface{})
	if first["exchange"] != "binance" {
		t.Fatalf("sources = %v, want the snapshot statuses", sources)
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(appconfig.DashboardConfig{Enabled: true, MetricsHistory: 10, LogHistory: 10}, log, Deps{})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	metrics.EmitMetric(log, "component", "raw_trade_buffer_length", 5, "gauge", logger.Fields{"capacity": 10})

	code, body := serveJSON(t, srv, "/api/metrics")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if _, ok := body["metrics"]; !ok {
		t.Fatalf("metrics payload missing: %v", body)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatal("metrics store empty")
	}
}
