package model

// ExchangeFlow is the per-venue breakdown of window volume. DominancePct is
// the venue share of total notional across all venues in the window.
type ExchangeFlow struct {
	Exchange     string  `json:"exchange"`
	BuyVolume    float64 `json:"buy_volume"`
	SellVolume   float64 `json:"sell_volume"`
	NetFlow      float64 `json:"net_flow"`
	DominancePct float64 `json:"dominance_pct"`
}
