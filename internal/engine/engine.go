package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "orderflow/config"
	"orderflow/internal/aggregate"
	"orderflow/internal/broadcast"
	"orderflow/internal/cascade"
	"orderflow/internal/conn"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/window"
	"orderflow/logger"
)

const (
	defaultTickInterval   = time.Second
	defaultCVDHistorySize = 60
	defaultRecentListSize = 10
)

// Engine owns the in-memory market state. A single goroutine drains the
// normalized trade and liquidation channels, feeds the rolling aggregates and
// publishes one immutable snapshot per tick, so none of the state needs locks
// beyond the latest-snapshot handoff.
type Engine struct {
	config      *appconfig.Config
	trades      <-chan model.Trade
	liqs        <-chan model.Liquidation
	broadcaster *broadcast.Broadcaster
	manager     *conn.Manager
	log         *logger.Log

	store     *window.Store
	agg       *aggregate.Aggregator
	detector  *cascade.Detector
	sessionID string

	tickInterval   time.Duration
	tradeHorizonMs int64
	liqHorizonMs   int64
	historySize    int
	recentSize     int
	largeTradeUSD  float64

	cvdHistory  []model.CVDSample
	recentLiqs  []model.Liquidation
	recentLarge []model.Trade

	lifetimeLiqCount int64
	lifetimeLiqUSD   float64
	cascadeCount     int64

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	latest  *model.Snapshot
}

// NewEngine wires the engine against its input channels. The connection
// manager is optional; without it snapshots carry no source statuses.
func NewEngine(cfg *appconfig.Config, trades <-chan model.Trade, liqs <-chan model.Liquidation, b *broadcast.Broadcaster, manager *conn.Manager) *Engine {
	tick := time.Duration(cfg.Engine.TickIntervalMs) * time.Millisecond
	if tick <= 0 {
		tick = defaultTickInterval
	}
	tradeRetention := time.Duration(cfg.Engine.TradeRetentionSec) * time.Second
	if tradeRetention <= 0 {
		tradeRetention = window.DefaultTradeRetention
	}
	liqRetention := time.Duration(cfg.Engine.LiqRetentionSec) * time.Second
	if liqRetention <= 0 {
		liqRetention = window.DefaultLiquidationRetention
	}
	historySize := cfg.Engine.CVDHistorySize
	if historySize <= 0 {
		historySize = defaultCVDHistorySize
	}
	recentSize := cfg.Engine.RecentListSize
	if recentSize <= 0 {
		recentSize = defaultRecentListSize
	}

	now := time.Now()
	return &Engine{
		config:         cfg,
		trades:         trades,
		liqs:           liqs,
		broadcaster:    b,
		manager:        manager,
		log:            logger.GetLogger(),
		store:          window.NewStore(tradeRetention, liqRetention),
		agg:            aggregate.NewAggregator(cfg.Engine.SessionResetHourUTC, now),
		detector:       cascade.NewDetector(cfg.Engine.CascadeThresholdUSD, time.Duration(cfg.Engine.CascadeWindowSec)*time.Second),
		sessionID:      uuid.NewString(),
		tickInterval:   tick,
		tradeHorizonMs: tradeRetention.Milliseconds(),
		liqHorizonMs:   liqRetention.Milliseconds(),
		historySize:    historySize,
		recentSize:     recentSize,
		largeTradeUSD:  cfg.Engine.LargeTradeUSD,
	}
}

// SessionID identifies this engine run in snapshots and logs.
func (e *Engine) SessionID() string { return e.sessionID }

// Start launches the engine loop. The loop exits when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"operation":        "start",
		"session_id":       e.sessionID,
		"symbol":           e.config.Engine.Symbol,
		"tick_interval_ms": e.tickInterval.Milliseconds(),
	}).Info("starting engine")

	e.wg.Add(1)
	go e.run()
	return nil
}

// Stop waits for the loop to drain after the start context is cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"session_id": e.sessionID,
	}).Info("engine stopped")
}

// LatestSnapshot returns the most recent published snapshot, nil before the
// first tick.
func (e *Engine) LatestSnapshot() *model.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	trades := e.trades
	liqs := e.liqs
	for {
		select {
		case <-e.ctx.Done():
			return
		case t, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			e.handleTrade(t)
		case l, ok := <-liqs:
			if !ok {
				liqs = nil
				continue
			}
			e.handleLiquidation(l)
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

// handleTrade folds one normalized trade into the window and the open CVD
// bucket, and fires a large-trade event when the notional clears the bar.
func (e *Engine) handleTrade(t model.Trade) {
	e.store.RecordTrade(t)
	e.agg.ObserveTrade(t)

	if e.largeTradeUSD > 0 && t.Notional > e.largeTradeUSD {
		e.recentLarge = pushRecentTrade(e.recentLarge, t, e.recentSize)
		metrics.IncrementLargeTrade(t.Exchange)
		e.broadcaster.PublishEvent(broadcast.Event{
			Type:        broadcast.EventLargeTrade,
			TimestampMs: t.TimestampMs,
			Trade:       &t,
		})
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"exchange": t.Exchange,
			"symbol":   t.Symbol,
			"side":     string(t.Side),
			"notional": t.Notional,
		}).Debug("large trade observed")
	}
}

// handleLiquidation records the forced closure, publishes it immediately and
// runs cascade detection on it.
func (e *Engine) handleLiquidation(l model.Liquidation) {
	e.store.RecordLiquidation(l)
	e.lifetimeLiqCount++
	e.lifetimeLiqUSD += l.Notional
	e.recentLiqs = pushRecentLiquidation(e.recentLiqs, l, e.recentSize)

	e.broadcaster.PublishEvent(broadcast.Event{
		Type:        broadcast.EventLiquidation,
		TimestampMs: l.TimestampMs,
		Liquidation: &l,
	})

	if ev := e.detector.Observe(l); ev != nil {
		e.cascadeCount++
		metrics.IncrementCascade(string(ev.Severity))
		e.broadcaster.PublishEvent(broadcast.Event{
			Type:        broadcast.EventCascade,
			TimestampMs: ev.TimestampMs,
			Cascade:     ev,
		})
	}
}

// tick closes the current aggregation interval and publishes the snapshot.
func (e *Engine) tick(now time.Time) *model.Snapshot {
	nowMs := now.UnixMilli()

	windowTrades := e.store.TradesSince(nowMs - e.tradeHorizonMs)
	cvd, pressure, flows := e.agg.Tick(now, windowTrades)

	e.cvdHistory = append(e.cvdHistory, cvd)
	if len(e.cvdHistory) > e.historySize {
		e.cvdHistory = e.cvdHistory[len(e.cvdHistory)-e.historySize:]
	}

	buy, sell := aggregate.WindowTotals(windowTrades)
	snapshot := &model.Snapshot{
		TimestampMs:        nowMs,
		SessionID:          e.sessionID,
		Symbol:             e.config.Engine.Symbol,
		BuyVolume:          buy,
		SellVolume:         sell,
		TotalVolume:        buy + sell,
		TradeCount:         len(windowTrades),
		CVD:                cvd,
		CVDHistory:         append([]model.CVDSample(nil), e.cvdHistory...),
		Pressure:           pressure,
		Flows:              flows,
		Liquidations:       e.liquidationStats(e.store.LiquidationsSince(nowMs - e.liqHorizonMs)),
		RecentLiquidations: append([]model.Liquidation(nil), e.recentLiqs...),
		RecentLargeTrades:  append([]model.Trade(nil), e.recentLarge...),
		Cascade:            e.detector.State(nowMs),
		Sources:            e.sourceStatuses(),
	}

	e.mu.Lock()
	e.latest = snapshot
	e.mu.Unlock()

	metrics.IncrementSnapshotPublished()
	e.broadcaster.PublishSnapshot(snapshot)
	return snapshot
}

func (e *Engine) liquidationStats(windowLiqs []model.Liquidation) model.LiquidationStats {
	stats := model.LiquidationStats{
		LifetimeCount: e.lifetimeLiqCount,
		LifetimeUSD:   e.lifetimeLiqUSD,
		CascadeCount:  e.cascadeCount,
	}
	for _, l := range windowLiqs {
		switch l.Side {
		case model.SideLong:
			stats.LongCount++
			stats.LongUSD += l.Notional
		case model.SideShort:
			stats.ShortCount++
			stats.ShortUSD += l.Notional
		}
		stats.TotalUSD += l.Notional
	}
	return stats
}

func (e *Engine) sourceStatuses() []model.SourceStatus {
	if e.manager == nil {
		return nil
	}
	return e.manager.Statuses()
}

func pushRecentTrade(list []model.Trade, t model.Trade, max int) []model.Trade {
	list = append(list, model.Trade{})
	copy(list[1:], list)
	list[0] = t
	if len(list) > max {
		list = list[:max]
	}
	return list
}

func pushRecentLiquidation(list []model.Liquidation, l model.Liquidation, max int) []model.Liquidation {
	list = append(list, model.Liquidation{})
	copy(list[1:], list)
	list[0] = l
	if len(list) > max {
		list = list[:max]
	}
	return list
}
