package model

// CVDSample is one tick of the cumulative volume delta series. BuyVolume and
// SellVolume cover trades observed since the previous tick, Delta is their
// difference and CumulativeDelta runs since the last session reset.
type CVDSample struct {
	TimestampMs     int64   `json:"timestamp_ms"`
	BuyVolume       float64 `json:"buy_volume"`
	SellVolume      float64 `json:"sell_volume"`
	Delta           float64 `json:"delta"`
	CumulativeDelta float64 `json:"cumulative_delta"`
}
