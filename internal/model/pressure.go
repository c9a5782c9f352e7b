package model

// MarketPressure summarizes buy/sell dominance over the trade retention
// window. Percentages are notional-weighted and sum to 100 when any volume
// exists; both default to 50 on an empty window.
type MarketPressure struct {
	BuyPressurePct  float64          `json:"buy_pressure_pct"`
	SellPressurePct float64          `json:"sell_pressure_pct"`
	NetPressurePct  float64          `json:"net_pressure_pct"`
	DominantSide    DominantSide     `json:"dominant_side"`
	Strength        PressureStrength `json:"strength"`
}
