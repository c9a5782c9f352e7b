package engine

import (
	"context"
	"math"
	"testing"
	"time"

	appconfig "orderflow/config"
	"orderflow/internal/broadcast"
	"orderflow/internal/model"
)

// Timestamps stay close to the wall clock because the window store sweeps
// old entries against time.Now on every insert.
func testBase() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func newTestEngine(mutate func(cfg *appconfig.Config)) (*Engine, *broadcast.Broadcaster) {
	cfg := appconfig.DefaultConfig()
	cfg.Engine.Symbol = "BTCUSDT"
	if mutate != nil {
		mutate(cfg)
	}
	b := broadcast.NewBroadcaster(4, 32)
	return NewEngine(cfg, nil, nil, b, nil), b
}

func engineTrade(exchange string, side model.TradeSide, notional float64, ts time.Time) model.Trade {
	return model.Trade{
		Exchange:    exchange,
		Symbol:      "BTCUSDT",
		Price:       50_000,
		Amount:      notional / 50_000,
		Side:        side,
		Notional:    notional,
		TimestampMs: ts.UnixMilli(),
	}
}

func engineLiq(exchange string, side model.LiquidationSide, notional float64, ts time.Time) model.Liquidation {
	return model.Liquidation{
		Exchange:    exchange,
		Symbol:      "BTCUSDT",
		Price:       50_000,
		Amount:      notional / 50_000,
		Side:        side,
		Notional:    notional,
		TimestampMs: ts.UnixMilli(),
	}
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestTickBuildsSnapshotFromWindow(t *testing.T) {
	e, _ := newTestEngine(nil)
	base := testBase()

	if e.LatestSnapshot() != nil {
		t.Fatal("latest snapshot should be nil before the first tick")
	}

	e.handleTrade(engineTrade(model.ExchangeBinance, model.SideBuy, 300_000, base.Add(-10*time.Second)))
	e.handleTrade(engineTrade(model.ExchangeBybit, model.SideSell, 100_000, base.Add(-5*time.Second)))

	snap := e.tick(base)
	if snap.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", snap.Symbol)
	}
	if snap.SessionID == "" {
		t.Fatal("snapshot should carry the session id")
	}
	if snap.TimestampMs != base.UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", snap.TimestampMs, base.UnixMilli())
	}
	if snap.TradeCount != 2 {
		t.Fatalf("trade count = %d, want 2", snap.TradeCount)
	}
	if !closeTo(snap.BuyVolume, 300_000) || !closeTo(snap.SellVolume, 100_000) || !closeTo(snap.TotalVolume, 400_000) {
		t.Fatalf("volumes = %f/%f/%f, want 300000/100000/400000", snap.BuyVolume, snap.SellVolume, snap.TotalVolume)
	}
	if !closeTo(snap.CVD.Delta, 200_000) || !closeTo(snap.CVD.CumulativeDelta, 200_000) {
		t.Fatalf("cvd delta = %f cumulative = %f, want 200000 both", snap.CVD.Delta, snap.CVD.CumulativeDelta)
	}
	if len(snap.CVDHistory) != 1 {
		t.Fatalf("cvd history length = %d, want 1", len(snap.CVDHistory))
	}
	if !closeTo(snap.Pressure.BuyPressurePct, 75) {
		t.Fatalf("buy pressure = %f, want 75", snap.Pressure.BuyPressurePct)
	}
	if snap.Pressure.DominantSide != model.DominantBuy {
		t.Fatalf("dominant side = %q, want buy", snap.Pressure.DominantSide)
	}
	if len(snap.Flows) != 2 || snap.Flows[0].Exchange != model.ExchangeBinance {
		t.Fatalf("flows = %+v, want binance first", snap.Flows)
	}
	if snap.Cascade.Active {
		t.Fatal("cascade should be inactive")
	}
	if snap.Sources != nil {
		t.Fatal("sources should be nil without a connection manager")
	}
	if e.LatestSnapshot() != snap {
		t.Fatal("latest snapshot should be the one just published")
	}
}

func TestLargeTradePublishesImmediateEvent(t *testing.T) {
	e, b := newTestEngine(nil)
	sub := b.Subscribe("test")
	base := testBase()

	big := engineTrade(model.ExchangeBinance, model.SideBuy, 600_000, base)
	e.handleTrade(big)

	select {
	case ev := <-sub.Events():
		if ev.Type != broadcast.EventLargeTrade {
			t.Fatalf("event type = %q, want large_trade", ev.Type)
		}
		if ev.Trade == nil || !closeTo(ev.Trade.Notional, 600_000) {
			t.Fatalf("event trade = %+v, want notional 600000", ev.Trade)
		}
	default:
		t.Fatal("expected a large trade event")
	}

	e.handleTrade(engineTrade(model.ExchangeBinance, model.SideBuy, 100_000, base))
	if len(sub.Events()) != 0 {
		t.Fatal("small trades should not publish events")
	}

	snap := e.tick(base.Add(time.Second))
	if len(snap.RecentLargeTrades) != 1 || !closeTo(snap.RecentLargeTrades[0].Notional, 600_000) {
		t.Fatalf("recent large trades = %+v, want the 600k trade", snap.RecentLargeTrades)
	}
}

func TestLiquidationWindowStatsAndLifetime(t *testing.T) {
	e, b := newTestEngine(nil)
	sub := b.Subscribe("test")
	base := testBase()

	e.handleLiquidation(engineLiq(model.ExchangeBinance, model.SideLong, 30_000, base.Add(-10*time.Second)))
	e.handleLiquidation(engineLiq(model.ExchangeBybit, model.SideShort, 50_000, base.Add(-5*time.Second)))
	e.handleLiquidation(engineLiq(model.ExchangeOKX, model.SideLong, 20_000, base.Add(-200*time.Second)))

	if got := len(sub.Events()); got != 3 {
		t.Fatalf("got %d immediate events, want 3", got)
	}

	snap := e.tick(base)
	stats := snap.Liquidations
	if stats.LongCount != 2 || stats.ShortCount != 1 {
		t.Fatalf("counts = %d long / %d short, want 2/1", stats.LongCount, stats.ShortCount)
	}
	if !closeTo(stats.LongUSD, 50_000) || !closeTo(stats.ShortUSD, 50_000) || !closeTo(stats.TotalUSD, 100_000) {
		t.Fatalf("usd = %f/%f/%f, want 50000/50000/100000", stats.LongUSD, stats.ShortUSD, stats.TotalUSD)
	}
	if stats.LifetimeCount != 3 || !closeTo(stats.LifetimeUSD, 100_000) {
		t.Fatalf("lifetime = %d/%f, want 3/100000", stats.LifetimeCount, stats.LifetimeUSD)
	}

	// Liquidations age out of the window stats but not the lifetime counters.
	later := e.tick(base.Add(400 * time.Second))
	if later.Liquidations.TotalUSD != 0 || later.Liquidations.LongCount != 0 {
		t.Fatalf("window stats = %+v, want empty after retention", later.Liquidations)
	}
	if later.Liquidations.LifetimeCount != 3 || !closeTo(later.Liquidations.LifetimeUSD, 100_000) {
		t.Fatalf("lifetime = %+v, want preserved", later.Liquidations)
	}
}

func TestCascadePublishedAndCounted(t *testing.T) {
	e, b := newTestEngine(nil)
	sub := b.Subscribe("test")
	base := testBase()

	e.handleLiquidation(engineLiq(model.ExchangeBinance, model.SideLong, 11_000_000, base))

	first := <-sub.Events()
	if first.Type != broadcast.EventLiquidation {
		t.Fatalf("first event type = %q, want liquidation", first.Type)
	}
	second := <-sub.Events()
	if second.Type != broadcast.EventCascade {
		t.Fatalf("second event type = %q, want cascade", second.Type)
	}
	if second.Cascade == nil || second.Cascade.Severity != model.SeverityMinor {
		t.Fatalf("cascade event = %+v, want minor severity", second.Cascade)
	}

	snap := e.tick(base.Add(time.Second))
	if snap.Liquidations.CascadeCount != 1 {
		t.Fatalf("cascade count = %d, want 1", snap.Liquidations.CascadeCount)
	}
	if !snap.Cascade.Active || snap.Cascade.Side != model.SideLong {
		t.Fatalf("cascade state = %+v, want active long", snap.Cascade)
	}
}

func TestCVDHistoryIsBounded(t *testing.T) {
	e, _ := newTestEngine(func(cfg *appconfig.Config) {
		cfg.Engine.CVDHistorySize = 3
	})
	base := testBase()

	var snap *model.Snapshot
	for i := 1; i <= 5; i++ {
		snap = e.tick(base.Add(time.Duration(i) * time.Second))
	}
	if len(snap.CVDHistory) != 3 {
		t.Fatalf("history length = %d, want 3", len(snap.CVDHistory))
	}
	want := base.Add(5 * time.Second).UnixMilli()
	if snap.CVDHistory[2].TimestampMs != want {
		t.Fatalf("newest history sample at %d, want %d", snap.CVDHistory[2].TimestampMs, want)
	}
}

func TestRecentListsNewestFirstAndCapped(t *testing.T) {
	e, _ := newTestEngine(func(cfg *appconfig.Config) {
		cfg.Engine.RecentListSize = 2
	})
	base := testBase()

	e.handleLiquidation(engineLiq(model.ExchangeBinance, model.SideLong, 10_000, base.Add(-3*time.Second)))
	e.handleLiquidation(engineLiq(model.ExchangeBybit, model.SideLong, 20_000, base.Add(-2*time.Second)))
	e.handleLiquidation(engineLiq(model.ExchangeOKX, model.SideLong, 30_000, base.Add(-time.Second)))

	snap := e.tick(base)
	recent := snap.RecentLiquidations
	if len(recent) != 2 {
		t.Fatalf("recent list length = %d, want 2", len(recent))
	}
	if recent[0].Exchange != model.ExchangeOKX || recent[1].Exchange != model.ExchangeBybit {
		t.Fatalf("recent = %+v, want okx then bybit", recent)
	}
}

func TestSnapshotSlicesAreIsolated(t *testing.T) {
	e, _ := newTestEngine(nil)
	base := testBase()

	e.handleLiquidation(engineLiq(model.ExchangeBinance, model.SideLong, 10_000, base))
	first := e.tick(base.Add(time.Second))
	first.RecentLiquidations[0].Notional = -1
	first.CVDHistory[0].CumulativeDelta = -1

	second := e.tick(base.Add(2 * time.Second))
	if !closeTo(second.RecentLiquidations[0].Notional, 10_000) {
		t.Fatal("mutating a published snapshot leaked into engine state")
	}
	if second.CVDHistory[0].CumulativeDelta == -1 {
		t.Fatal("mutating published cvd history leaked into engine state")
	}
}

func TestStartRunsLoopUntilCancelled(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Engine.TickIntervalMs = 20
	trades := make(chan model.Trade, 8)
	liqs := make(chan model.Liquidation, 8)
	b := broadcast.NewBroadcaster(8, 8)
	e := NewEngine(cfg, trades, liqs, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := e.Start(ctx); err == nil {
		t.Fatal("second start should fail while running")
	}

	trades <- engineTrade(model.ExchangeBinance, model.SideBuy, 1_000, time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := e.LatestSnapshot()
		if snap != nil && snap.TradeCount >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never published a snapshot with the trade")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	e.Stop()
	e.Stop()
}
