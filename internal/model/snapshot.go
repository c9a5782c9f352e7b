package model

// SourceStatus describes one upstream stream connection as of the snapshot.
type SourceStatus struct {
	Exchange    string `json:"exchange"`
	Channel     string `json:"channel"` // trade/liquidation
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	ConnectedMs int64  `json:"connected_ms,omitempty"`
	NextRetryMs int64  `json:"next_retry_ms,omitempty"`
}

// LiquidationStats aggregates forced closures over the liquidation retention
// window plus lifetime counters for the whole session.
type LiquidationStats struct {
	LongCount     int     `json:"long_count"`
	ShortCount    int     `json:"short_count"`
	LongUSD       float64 `json:"long_usd"`
	ShortUSD      float64 `json:"short_usd"`
	TotalUSD      float64 `json:"total_usd"`
	LifetimeCount int64   `json:"lifetime_count"`
	LifetimeUSD   float64 `json:"lifetime_usd"`
	CascadeCount  int64   `json:"cascade_count"`
}

// Snapshot is the immutable per-second view handed to subscribers. Slices are
// freshly built for every snapshot and must not be mutated by consumers.
type Snapshot struct {
	TimestampMs int64  `json:"timestamp_ms"`
	SessionID   string `json:"session_id"`
	Symbol      string `json:"symbol"`

	// Totals over the trade retention window.
	BuyVolume   float64 `json:"buy_volume"`
	SellVolume  float64 `json:"sell_volume"`
	TotalVolume float64 `json:"total_volume"`
	TradeCount  int     `json:"trade_count"`

	CVD        CVDSample   `json:"cvd"`
	CVDHistory []CVDSample `json:"cvd_history"`

	Pressure MarketPressure `json:"pressure"`
	Flows    []ExchangeFlow `json:"flows"`

	Liquidations       LiquidationStats `json:"liquidations"`
	RecentLiquidations []Liquidation    `json:"recent_liquidations"`
	RecentLargeTrades  []Trade          `json:"recent_large_trades"`

	Cascade CascadeState   `json:"cascade"`
	Sources []SourceStatus `json:"sources"`
}
