package symbols

import "strings"

// Canonical converts exchange-native contract names to the common spot-style
// form used across the engine.
//
//	binance BTCUSDT       -> BTCUSDT
//	bybit   BTCUSDT       -> BTCUSDT
//	okx     BTC-USDT-SWAP -> BTCUSDT
//	kucoin  XBTUSDTM      -> BTCUSDT
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "kucoin":
		return fromKucoin(sym)
	case "okx":
		return fromOkx(sym)
	}
	// binance and bybit already use the desired format
	return sym
}

// fromKucoin strips the futures contract decoration (dashes, trailing M) and
// maps the XBT index name onto BTC.
func fromKucoin(sym string) string {
	sym = strings.TrimSuffix(strings.ReplaceAll(sym, "-", ""), "M")
	if rest, ok := strings.CutPrefix(sym, "XBT"); ok {
		return "BTC" + rest
	}
	return sym
}

// fromOkx drops the -SWAP suffix of perpetual instruments and joins the
// base and quote currencies.
func fromOkx(sym string) string {
	return strings.ReplaceAll(strings.TrimSuffix(sym, "-SWAP"), "-", "")
}
