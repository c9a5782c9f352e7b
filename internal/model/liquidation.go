package model

// Liquidation is a normalized forced closure from any venue. Side is the
// position that was liquidated, not the direction of the forced order.
type Liquidation struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Price       float64         `json:"price"`
	Amount      float64         `json:"amount"`
	Side        LiquidationSide `json:"side"` // long/short
	Notional    float64         `json:"notional"`
	TimestampMs int64           `json:"timestamp_ms"`
}
