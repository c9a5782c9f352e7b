package model

// Exchange identifiers shared by readers, normalizers and aggregates.
const (
	ExchangeBinance = "binance"
	ExchangeBybit   = "bybit"
	ExchangeOKX     = "okx"
	ExchangeKucoin  = "kucoin"
)

// TradeSide is the canonical taker side of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// LiquidationSide denotes which position type was force-closed.
// A forced sell closes a long.
type LiquidationSide string

const (
	SideLong  LiquidationSide = "long"
	SideShort LiquidationSide = "short"
)

// DominantSide labels the winning side of the pressure window.
type DominantSide string

const (
	DominantBuy     DominantSide = "buy"
	DominantSell    DominantSide = "sell"
	DominantNeutral DominantSide = "neutral"
)

// PressureStrength buckets the absolute net pressure percentage.
type PressureStrength string

const (
	StrengthWeak     PressureStrength = "weak"
	StrengthModerate PressureStrength = "moderate"
	StrengthStrong   PressureStrength = "strong"
	StrengthExtreme  PressureStrength = "extreme"
)

// CascadeSeverity grades a liquidation cascade by accumulated notional.
type CascadeSeverity string

const (
	SeverityMinor    CascadeSeverity = "minor"
	SeverityModerate CascadeSeverity = "moderate"
	SeverityMajor    CascadeSeverity = "major"
	SeverityExtreme  CascadeSeverity = "extreme"
)

// SeverityRank orders severities so escalations can be compared.
func SeverityRank(s CascadeSeverity) int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeverityMajor:
		return 3
	case SeverityExtreme:
		return 4
	default:
		return 0
	}
}
