package model

import "time"

// RawTradeMessage carries a trade payload exactly as it arrived from an
// exchange stream, together with routing metadata for the normalizer.
type RawTradeMessage struct {
	Exchange  string
	Symbol    string
	Data      []byte
	Timestamp time.Time
}

// RawLiquidationMessage carries a liquidation payload exactly as it arrived
// from an exchange stream, together with routing metadata for the normalizer.
type RawLiquidationMessage struct {
	Exchange  string
	Symbol    string
	Data      []byte
	Timestamp time.Time
}
