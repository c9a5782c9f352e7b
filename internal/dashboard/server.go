package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "orderflow/config"
	"orderflow/internal/broadcast"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/signal"
	"orderflow/logger"
)

// SnapshotSource yields the latest published market snapshot.
type SnapshotSource interface {
	LatestSnapshot() *model.Snapshot
}

// SignalSource yields the latest tactical signal.
type SignalSource interface {
	Latest() *signal.Signal
}

// StatusSource yields the live per-stream connection statuses.
type StatusSource interface {
	Statuses() []model.SourceStatus
}

// Deps are the live data sources the API serves. Nil members disable the
// corresponding endpoints gracefully.
type Deps struct {
	Snapshots SnapshotSource
	Signals   SignalSource
	Statuses  StatusSource
	Feed      *broadcast.Broadcaster
}

// Server hosts the Gin-powered ops API plus the websocket snapshot feed.
type Server struct {
	cfg  appconfig.DashboardConfig
	log  *logger.Log
	deps Deps

	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	hub           *wsHub
	httpServer    *http.Server
	startedAt     time.Time
}

// NewServer constructs the dashboard server when the feature is enabled.
// When the dashboard is disabled the returned server is nil.
func NewServer(cfg appconfig.DashboardConfig, log *logger.Log, deps Deps) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	refresh := time.Duration(cfg.RefreshIntervalMs) * time.Millisecond
	if refresh <= 0 {
		refresh = 5 * time.Second
	}

	// History stores fall back to their own defaults when the limits are
	// unset, so the config values pass through unchecked.
	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		deps:          deps,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
		sampler:       newResourceSampler(cfg.MetricsHistory, refresh, "/", log),
		hub:           newWsHub(log),
	}, nil
}

// Run serves the API until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()
	s.startedAt = time.Now()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.sampler.start(ctx)
	if s.deps.Feed != nil {
		sub := s.deps.Feed.Subscribe("dashboard")
		defer s.deps.Feed.Unsubscribe(sub)
		go s.pumpFeed(ctx, sub)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
	if s.hub != nil {
		s.hub.closeAll()
	}
}

// Address reports the network address the dashboard listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// pumpFeed fans every published snapshot out to websocket clients, marshalled
// once per snapshot. Immediate events are drained so the subscription never
// backs up; the feed itself carries snapshots only.
func (s *Server) pumpFeed(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				s.log.WithComponent("dashboard").WithError(err).Warn("failed to marshal snapshot for websocket feed")
				continue
			}
			s.hub.broadcast(payload)
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		}
	}
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"app":        appName,
			"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
			"ws_clients": s.hub.count(),
		})
	})

	router.GET("/api/snapshot", func(c *gin.Context) {
		snap := s.latestSnapshot()
		if snap == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot published yet"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	router.GET("/api/signal", func(c *gin.Context) {
		if s.deps.Signals == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "signal generator disabled"})
			return
		}
		sig := s.deps.Signals.Latest()
		if sig == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no signal scored yet"})
			return
		}
		c.JSON(http.StatusOK, sig)
	})

	router.GET("/api/sources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sources": s.sourceStatuses()})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": metricsPayload(s.metricStore.snapshot())})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": logsPayload(s.logStore.snapshot())})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": resourcesPayload(s.sampler.snapshot())})
	})

	router.GET("/ws", s.handleWebsocket)

	return router, nil
}

func metricsPayload(items []metrics.Metric) []gin.H {
	payload := make([]gin.H, 0, len(items))
	for _, m := range items {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	return payload
}

func logsPayload(items []logRecord) []gin.H {
	payload := make([]gin.H, 0, len(items))
	for _, l := range items {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level,
			"component": l.Component,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	return payload
}

func resourcesPayload(items []resourceSnapshot) []gin.H {
	payload := make([]gin.H, 0, len(items))
	for _, snap := range items {
		payload = append(payload, gin.H{
			"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
			"cpu_percent":    snap.CPUPercent,
			"memory_used":    snap.MemoryUsed,
			"memory_total":   snap.MemoryTotal,
			"memory_percent": snap.MemoryPct,
			"disk_used":      snap.DiskUsed,
			"disk_total":     snap.DiskTotal,
			"disk_percent":   snap.DiskPct,
			"net_sent":       snap.NetSent,
			"net_recv":       snap.NetRecv,
		})
	}
	return payload
}

func (s *Server) latestSnapshot() *model.Snapshot {
	if s.deps.Snapshots == nil {
		return nil
	}
	return s.deps.Snapshots.LatestSnapshot()
}

// sourceStatuses prefers the live connection manager and falls back to the
// statuses frozen into the latest snapshot.
func (s *Server) sourceStatuses() []model.SourceStatus {
	if s.deps.Statuses != nil {
		if statuses := s.deps.Statuses.Statuses(); statuses != nil {
			return statuses
		}
	}
	if snap := s.latestSnapshot(); snap != nil && snap.Sources != nil {
		return snap.Sources
	}
	return []model.SourceStatus{}
}

// normalizeAddress coerces the configured listen address into host:port form.
// Bare ports bind all interfaces, bare hosts get the default 8080 port and
// URL-style values are reduced to their host component.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	addr = stripScheme(addr)

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	// No port present: either a bare IP (v4 or v6) or a bare hostname.
	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}

func stripScheme(addr string) string {
	if !strings.Contains(addr, "://") {
		return addr
	}
	parsed, err := url.Parse(addr)
	if err != nil {
		return addr
	}
	if parsed.Host != "" {
		return parsed.Host
	}
	if parsed.Opaque != "" {
		return parsed.Opaque
	}
	return addr
}
