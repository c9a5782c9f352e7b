package model

// Trade is a normalized trade from any venue. Timestamps are epoch
// milliseconds and Notional is Price*Amount in USD terms.
type Trade struct {
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Amount      float64   `json:"amount"`
	Side        TradeSide `json:"side"` // buy/sell, taker side
	Notional    float64   `json:"notional"`
	TimestampMs int64     `json:"timestamp_ms"`
}
