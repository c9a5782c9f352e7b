package window

import (
	"time"

	"orderflow/internal/model"
)

const (
	DefaultTradeRetention       = 60 * time.Second
	DefaultLiquidationRetention = 300 * time.Second
)

// Store keeps the rolling trade and liquidation windows. Every insert sweeps
// expired entries from the front, so the retained slices stay bounded by the
// horizons rather than by total events seen. The store is owned by the engine
// goroutine and is not safe for concurrent use.
type Store struct {
	tradeHorizonMs int64
	liqHorizonMs   int64

	trades []model.Trade
	liqs   []model.Liquidation

	timeNow func() time.Time
}

// NewStore builds a store with the given retention horizons. Non-positive
// horizons fall back to the defaults.
func NewStore(tradeRetention, liqRetention time.Duration) *Store {
	if tradeRetention <= 0 {
		tradeRetention = DefaultTradeRetention
	}
	if liqRetention <= 0 {
		liqRetention = DefaultLiquidationRetention
	}
	return &Store{
		tradeHorizonMs: tradeRetention.Milliseconds(),
		liqHorizonMs:   liqRetention.Milliseconds(),
		timeNow:        time.Now,
	}
}

// RecordTrade appends a trade and evicts entries past the trade horizon.
func (s *Store) RecordTrade(t model.Trade) {
	s.trades = append(s.trades, t)
	cutoff := s.timeNow().UnixMilli() - s.tradeHorizonMs
	i := 0
	for i < len(s.trades) && s.trades[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		s.trades = s.trades[i:]
	}
}

// RecordLiquidation appends a liquidation and evicts entries past the
// liquidation horizon.
func (s *Store) RecordLiquidation(l model.Liquidation) {
	s.liqs = append(s.liqs, l)
	cutoff := s.timeNow().UnixMilli() - s.liqHorizonMs
	i := 0
	for i < len(s.liqs) && s.liqs[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		s.liqs = s.liqs[i:]
	}
}

// TradesSince returns copies of the retained trades with timestamps at or
// after the epoch-ms cutoff. Entries arrive in venue order, not strictly in
// time order, so reads filter on timestamp rather than trusting the sweep.
func (s *Store) TradesSince(sinceMs int64) []model.Trade {
	var out []model.Trade
	for _, t := range s.trades {
		if t.TimestampMs >= sinceMs {
			out = append(out, t)
		}
	}
	return out
}

// LiquidationsSince returns copies of the retained liquidations with
// timestamps at or after the epoch-ms cutoff.
func (s *Store) LiquidationsSince(sinceMs int64) []model.Liquidation {
	var out []model.Liquidation
	for _, l := range s.liqs {
		if l.TimestampMs >= sinceMs {
			out = append(out, l)
		}
	}
	return out
}

// TradeCount reports how many trades are currently retained.
func (s *Store) TradeCount() int {
	return len(s.trades)
}

// LiquidationCount reports how many liquidations are currently retained.
func (s *Store) LiquidationCount() int {
	return len(s.liqs)
}
