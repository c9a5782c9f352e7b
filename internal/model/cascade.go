package model

// CascadeEvent reports a burst of same-side liquidations whose accumulated
// notional crossed the cascade threshold. Escalations of a still-running
// cascade reuse the ID with a higher severity.
type CascadeEvent struct {
	ID             string          `json:"id"`
	Side           LiquidationSide `json:"side"` // long/short
	AccumulatedUSD float64         `json:"accumulated_usd"`
	Severity       CascadeSeverity `json:"severity"`
	Exchanges      []string        `json:"exchanges"`
	Count          int             `json:"count"`
	StartTimeMs    int64           `json:"start_time_ms"`
	TimestampMs    int64           `json:"timestamp_ms"`
}

// CascadeState is the live accumulation exposed in snapshots, present even
// before the threshold is crossed.
type CascadeState struct {
	Active         bool            `json:"active"`
	Side           LiquidationSide `json:"side,omitempty"`
	AccumulatedUSD float64         `json:"accumulated_usd"`
	Count          int             `json:"count"`
	StartTimeMs    int64           `json:"start_time_ms,omitempty"`
}
