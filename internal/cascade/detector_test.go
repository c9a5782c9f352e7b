package cascade

import (
	"testing"
	"time"

	"orderflow/internal/model"
)

func liq(exchange string, side model.LiquidationSide, notional float64, ts time.Time) model.Liquidation {
	return model.Liquidation{
		Exchange:    exchange,
		Symbol:      "BTCUSDT",
		Price:       64000,
		Amount:      notional / 64000,
		Side:        side,
		Notional:    notional,
		TimestampMs: ts.UnixMilli(),
	}
}

func TestThresholdCrossingEmitsExactlyOnce(t *testing.T) {
	d := NewDetector(10_000_000, 300*time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if ev := d.Observe(liq(model.ExchangeBinance, model.SideLong, 9_000_000, base)); ev != nil {
		t.Fatalf("unexpected event below threshold: %+v", ev)
	}
	if ev := d.Observe(liq(model.ExchangeBybit, model.SideLong, 1_000_000, base.Add(time.Second))); ev != nil {
		t.Fatalf("accumulation of exactly 10M must not emit: %+v", ev)
	}

	ev := d.Observe(liq(model.ExchangeOKX, model.SideLong, 1, base.Add(2*time.Second)))
	if ev == nil {
		t.Fatal("expected minor cascade above 10M")
	}
	if ev.Severity != model.SeverityMinor {
		t.Fatalf("expected minor severity, got %s", ev.Severity)
	}
	if ev.AccumulatedUSD != 10_000_001 {
		t.Fatalf("unexpected accumulated notional: %f", ev.AccumulatedUSD)
	}
	if len(ev.Exchanges) != 3 || ev.Exchanges[0] != model.ExchangeBinance {
		t.Fatalf("expected sorted exchange set, got %v", ev.Exchanges)
	}

	// staying inside minor must not re-emit
	if ev := d.Observe(liq(model.ExchangeBinance, model.SideLong, 100_000, base.Add(3*time.Second))); ev != nil {
		t.Fatalf("re-emitted without escalation: %+v", ev)
	}
}

func TestSingleLiquidationCanBeExtreme(t *testing.T) {
	d := NewDetector(10_000_000, 300*time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ev := d.Observe(liq(model.ExchangeBinance, model.SideShort, 150_000_000, base))
	if ev == nil {
		t.Fatal("expected cascade event")
	}
	if ev.Severity != model.SeverityExtreme {
		t.Fatalf("expected extreme severity, got %s", ev.Severity)
	}
	if ev.Count != 1 || ev.Side != model.SideShort {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestEscalationReEmitsSameAccumulation(t *testing.T) {
	d := NewDetector(10_000_000, 300*time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := d.Observe(liq(model.ExchangeBinance, model.SideLong, 12_000_000, base))
	if first == nil || first.Severity != model.SeverityMinor {
		t.Fatalf("expected minor event, got %+v", first)
	}

	second := d.Observe(liq(model.ExchangeBybit, model.SideLong, 40_000_000, base.Add(10*time.Second)))
	if second == nil || second.Severity != model.SeverityMajor {
		t.Fatalf("expected major escalation, got %+v", second)
	}
	if second.ID != first.ID {
		t.Fatalf("escalation must reuse the accumulation id: %s vs %s", second.ID, first.ID)
	}
	if second.StartTimeMs != first.StartTimeMs {
		t.Fatalf("escalation must keep the accumulation start: %d vs %d", second.StartTimeMs, first.StartTimeMs)
	}

	third := d.Observe(liq(model.ExchangeOKX, model.SideLong, 60_000_000, base.Add(20*time.Second)))
	if third == nil || third.Severity != model.SeverityExtreme {
		t.Fatalf("expected extreme escalation, got %+v", third)
	}
	if third.ID != first.ID {
		t.Fatalf("escalation must reuse the accumulation id")
	}
}

func TestSideFlipSeedsNewAccumulation(t *testing.T) {
	d := NewDetector(10_000_000, 300*time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := d.Observe(liq(model.ExchangeBinance, model.SideLong, 12_000_000, base))
	if first == nil {
		t.Fatal("expected initial cascade")
	}

	flipped := d.Observe(liq(model.ExchangeBybit, model.SideShort, 15_000_000, base.Add(5*time.Second)))
	if flipped == nil {
		t.Fatal("expected cascade from flipped accumulation")
	}
	if flipped.ID == first.ID {
		t.Fatal("side flip must start a new accumulation")
	}
	if flipped.Side != model.SideShort || flipped.AccumulatedUSD != 15_000_000 || flipped.Count != 1 {
		t.Fatalf("flipped accumulation must not merge the old side: %+v", flipped)
	}

	state := d.State(base.Add(6 * time.Second).UnixMilli())
	if !state.Active || state.Side != model.SideShort {
		t.Fatalf("state should track the new accumulation: %+v", state)
	}
}

func TestStaleAccumulationResets(t *testing.T) {
	d := NewDetector(10_000_000, 300*time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d.Observe(liq(model.ExchangeBinance, model.SideLong, 8_000_000, base))
	late := d.Observe(liq(model.ExchangeBinance, model.SideLong, 5_000_000, base.Add(301*time.Second)))
	if late != nil {
		t.Fatalf("stale accumulation must not carry forward: %+v", late)
	}

	state := d.State(base.Add(302 * time.Second).UnixMilli())
	if !state.Active || state.AccumulatedUSD != 5_000_000 || state.Count != 1 {
		t.Fatalf("expected fresh accumulation after reset: %+v", state)
	}
	if state.StartTimeMs != base.Add(301*time.Second).UnixMilli() {
		t.Fatalf("fresh accumulation should start at the late event: %+v", state)
	}
}

func TestStateExpiresAfterWindow(t *testing.T) {
	d := NewDetector(10_000_000, 300*time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d.Observe(liq(model.ExchangeBinance, model.SideLong, 8_000_000, base))
	if state := d.State(base.Add(10 * time.Second).UnixMilli()); !state.Active {
		t.Fatalf("expected live accumulation, got %+v", state)
	}
	if state := d.State(base.Add(400 * time.Second).UnixMilli()); state.Active {
		t.Fatalf("expected expired accumulation, got %+v", state)
	}
}
