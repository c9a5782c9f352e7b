package aggregate

import (
	"math"
	"sort"
	"time"

	"orderflow/internal/model"
	"orderflow/logger"
)

const (
	dominanceGatePct  = 10
	strengthModerate  = 10
	strengthStrong    = 25
	strengthExtreme   = 40
	sessionMinGapMs   = 3_600_000
	defaultPressurePc = 50
)

// Aggregator turns the engine's trade flow into the per-tick metrics: the
// CVD series, market pressure over the trade window and the per-venue flow
// breakdown. It is owned by the engine goroutine and is not safe for
// concurrent use.
type Aggregator struct {
	resetHour int

	// volumes observed since the previous tick
	tickBuy  float64
	tickSell float64

	cumulative  float64
	lastResetMs int64

	log *logger.Log
}

// NewAggregator builds an aggregator whose CVD session starts at start and
// rebases at the given UTC hour. Hours outside 0..23 fall back to midnight.
func NewAggregator(resetHourUTC int, start time.Time) *Aggregator {
	if resetHourUTC < 0 || resetHourUTC > 23 {
		resetHourUTC = 0
	}
	return &Aggregator{
		resetHour:   resetHourUTC,
		lastResetMs: start.UnixMilli(),
		log:         logger.GetLogger(),
	}
}

// ObserveTrade adds a normalized trade to the current tick bucket.
func (a *Aggregator) ObserveTrade(t model.Trade) {
	n := a.clampNotional(t)
	switch t.Side {
	case model.SideBuy:
		a.tickBuy += n
	case model.SideSell:
		a.tickSell += n
	}
}

// Tick closes the current bucket and derives one CVD sample plus the pressure
// and flow views over the supplied window trades. Ticks with no observed
// trades produce a zero delta and leave the cumulative series untouched.
func (a *Aggregator) Tick(now time.Time, windowTrades []model.Trade) (model.CVDSample, model.MarketPressure, []model.ExchangeFlow) {
	a.maybeRebase(now)

	buy, sell := a.tickBuy, a.tickSell
	a.tickBuy, a.tickSell = 0, 0
	delta := buy - sell
	a.cumulative += delta

	sample := model.CVDSample{
		TimestampMs:     now.UnixMilli(),
		BuyVolume:       buy,
		SellVolume:      sell,
		Delta:           delta,
		CumulativeDelta: a.cumulative,
	}
	return sample, a.pressure(windowTrades), a.flows(windowTrades)
}

// CumulativeDelta reports the running session delta.
func (a *Aggregator) CumulativeDelta() float64 {
	return a.cumulative
}

// maybeRebase zeroes the cumulative series when the wall clock enters the
// configured UTC hour. The one hour minimum gap keeps the rebase from firing
// twice inside the same hour; a process started exactly at the boundary skips
// that day's rebase, which is the documented behavior.
func (a *Aggregator) maybeRebase(now time.Time) {
	nowMs := now.UnixMilli()
	if now.UTC().Hour() != a.resetHour {
		return
	}
	if nowMs-a.lastResetMs < sessionMinGapMs {
		return
	}
	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"reset_hour_utc":   a.resetHour,
		"closed_session":   a.cumulative,
		"session_start_ms": a.lastResetMs,
	}).Info("cvd session rebased")
	a.cumulative = 0
	a.lastResetMs = nowMs
}

func (a *Aggregator) pressure(trades []model.Trade) model.MarketPressure {
	var buy, sell float64
	for _, t := range trades {
		n := a.clampNotional(t)
		switch t.Side {
		case model.SideBuy:
			buy += n
		case model.SideSell:
			sell += n
		}
	}

	buyPct, sellPct := float64(defaultPressurePc), float64(defaultPressurePc)
	if total := buy + sell; total > 0 {
		buyPct = buy / total * 100
		sellPct = sell / total * 100
	}
	net := buyPct - sellPct

	dominant := model.DominantNeutral
	switch {
	case net > dominanceGatePct:
		dominant = model.DominantBuy
	case net < -dominanceGatePct:
		dominant = model.DominantSell
	}

	abs := math.Abs(net)
	strength := model.StrengthWeak
	switch {
	case abs > strengthExtreme:
		strength = model.StrengthExtreme
	case abs > strengthStrong:
		strength = model.StrengthStrong
	case abs > strengthModerate:
		strength = model.StrengthModerate
	}

	return model.MarketPressure{
		BuyPressurePct:  buyPct,
		SellPressurePct: sellPct,
		NetPressurePct:  net,
		DominantSide:    dominant,
		Strength:        strength,
	}
}

func (a *Aggregator) flows(trades []model.Trade) []model.ExchangeFlow {
	type sums struct {
		buy  float64
		sell float64
	}
	perVenue := make(map[string]*sums)
	var total float64
	for _, t := range trades {
		n := a.clampNotional(t)
		s := perVenue[t.Exchange]
		if s == nil {
			s = &sums{}
			perVenue[t.Exchange] = s
		}
		switch t.Side {
		case model.SideBuy:
			s.buy += n
		case model.SideSell:
			s.sell += n
		}
		total += n
	}

	flows := make([]model.ExchangeFlow, 0, len(perVenue))
	for exchange, s := range perVenue {
		dominance := 0.0
		if total > 0 {
			dominance = (s.buy + s.sell) / total * 100
		}
		flows = append(flows, model.ExchangeFlow{
			Exchange:     exchange,
			BuyVolume:    s.buy,
			SellVolume:   s.sell,
			NetFlow:      s.buy - s.sell,
			DominancePct: dominance,
		})
	}

	sort.Slice(flows, func(i, j int) bool {
		if flows[i].DominancePct != flows[j].DominancePct {
			return flows[i].DominancePct > flows[j].DominancePct
		}
		return flows[i].Exchange < flows[j].Exchange
	})
	return flows
}

// clampNotional enforces the invariant that volumes are never negative.
// The normalizers reject non-positive values, so a hit here is an upstream
// defect.
func (a *Aggregator) clampNotional(t model.Trade) float64 {
	if t.Notional < 0 {
		a.log.WithComponent("aggregator").WithFields(logger.Fields{
			"exchange": t.Exchange,
			"symbol":   t.Symbol,
			"notional": t.Notional,
		}).Warn("negative trade notional clamped to zero")
		return 0
	}
	return t.Notional
}

// WindowTotals sums window notional by side for snapshot totals.
func WindowTotals(trades []model.Trade) (buy, sell float64) {
	for _, t := range trades {
		if t.Notional < 0 {
			continue
		}
		switch t.Side {
		case model.SideBuy:
			buy += t.Notional
		case model.SideSell:
			sell += t.Notional
		}
	}
	return buy, sell
}
