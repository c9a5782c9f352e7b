package processor

import (
	"context"
	"testing"
	"time"

	liqchannel "orderflow/internal/channel/liq"
	"orderflow/internal/model"
)

func TestDecodeBinanceLiquidation(t *testing.T) {
	raw := model.RawLiquidationMessage{
		Exchange: model.ExchangeBinance,
		Symbol:   "BTCUSDT",
		Data: []byte(`{"e":"forceOrder","E":1700000000100,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","f":"IOC",` +
			`"q":"0.5","p":"63900","ap":"63950","X":"FILLED","l":"0.5","z":"0.5","T":1700000000090}}`),
		Timestamp: time.UnixMilli(1700000000200).UTC(),
	}

	liqs, err := decodeBinanceLiquidation(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	liq := liqs[0]
	// A forced sell closes a long position.
	if liq.Side != model.SideLong {
		t.Fatalf("expected long, got %s", liq.Side)
	}
	if liq.Price != 63950 {
		t.Fatalf("expected average fill price preferred, got %f", liq.Price)
	}
	if liq.Amount != 0.5 {
		t.Fatalf("expected amount 0.5, got %f", liq.Amount)
	}
	if liq.TimestampMs != 1700000000090 {
		t.Fatalf("expected trade time from T, got %d", liq.TimestampMs)
	}
}

func TestDecodeBybitLiquidations(t *testing.T) {
	raw := model.RawLiquidationMessage{
		Exchange: model.ExchangeBybit,
		Data: []byte(`{"topic":"allLiquidation.BTCUSDT","type":"snapshot","ts":1700000001000,"data":[` +
			`{"T":1700000000800,"s":"BTCUSDT","S":"Buy","v":"2","p":"64500"},` +
			`{"T":1700000000900,"s":"BTCUSDT","S":"Sell","v":"1","p":"64400"}]}`),
	}

	liqs, err := decodeBybitLiquidations(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(liqs) != 2 {
		t.Fatalf("expected 2 liquidations, got %d", len(liqs))
	}
	// A forced buy closes a short, a forced sell closes a long.
	if liqs[0].Side != model.SideShort {
		t.Fatalf("expected short, got %s", liqs[0].Side)
	}
	if liqs[1].Side != model.SideLong {
		t.Fatalf("expected long, got %s", liqs[1].Side)
	}
	if !almostEqual(liqs[0].Notional, 129000) {
		t.Fatalf("expected notional 129000, got %f", liqs[0].Notional)
	}
}

func TestDecodeOkxLiquidations(t *testing.T) {
	raw := model.RawLiquidationMessage{
		Exchange: model.ExchangeOKX,
		Data: []byte(`{"arg":{"channel":"liquidation-orders","instType":"SWAP"},"data":[` +
			`{"instId":"BTC-USDT-SWAP","instType":"SWAP","details":[` +
			`{"posSide":"long","side":"sell","sz":"250","bkPx":"63800","ts":"1700000000700"},` +
			`{"posSide":"short","side":"buy","sz":"50","bkPx":"64200","ts":"1700000000750"}]}]}`),
		Timestamp: time.UnixMilli(1700000000900).UTC(),
	}

	liqs, err := decodeOkxLiquidations(raw, 0.01)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(liqs) != 2 {
		t.Fatalf("expected 2 liquidations, got %d", len(liqs))
	}
	if liqs[0].Side != model.SideLong || liqs[1].Side != model.SideShort {
		t.Fatalf("expected posSide mapping, got %s and %s", liqs[0].Side, liqs[1].Side)
	}
	if liqs[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected canonical symbol, got %s", liqs[0].Symbol)
	}
	// 250 contracts at 0.01 BTC each
	if !almostEqual(liqs[0].Amount, 2.5) {
		t.Fatalf("expected amount 2.5, got %f", liqs[0].Amount)
	}
	if liqs[0].Price != 63800 {
		t.Fatalf("expected bankruptcy price, got %f", liqs[0].Price)
	}
}

func TestDecodeKucoinLiquidation(t *testing.T) {
	raw := model.RawLiquidationMessage{
		Exchange: model.ExchangeKucoin,
		Symbol:   "XBTUSDTM",
		Data: []byte(`{"topic":"/contractMarket/execution:XBTUSDTM","subject":"liquidationMatch","data":` +
			`{"symbol":"XBTUSDTM","sequence":44,"side":"sell","size":500,"price":"63750","ts":1700000000600}}`),
		Timestamp: time.UnixMilli(1700000000700).UTC(),
	}

	liqs, err := decodeKucoinLiquidation(raw, 0.001)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	liq := liqs[0]
	if liq.Side != model.SideLong {
		t.Fatalf("forced sell closes a long, got %s", liq.Side)
	}
	if liq.Symbol != "BTCUSDT" {
		t.Fatalf("expected canonical symbol, got %s", liq.Symbol)
	}
	// 500 lots at 0.001 BTC each
	if !almostEqual(liq.Amount, 0.5) {
		t.Fatalf("expected amount 0.5, got %f", liq.Amount)
	}
}

func TestLiquidationProcessorDropsMalformedPayload(t *testing.T) {
	cfg := processorConfig()
	ch := liqchannel.NewChannels(4)
	out := make(chan model.Liquidation, 4)
	p := NewLiquidationProcessor(cfg, ch, out)
	p.ctx = context.Background()

	p.handleMessage(model.RawLiquidationMessage{
		Exchange: model.ExchangeBybit,
		Data:     []byte(`{"data":"not an array"}`),
	})

	if got := p.decodeFailures.Load(); got != 1 {
		t.Fatalf("expected 1 decode failure, got %d", got)
	}
	select {
	case liq := <-out:
		t.Fatalf("malformed payload must not produce a liquidation: %+v", liq)
	default:
	}
}

func TestLiquidationProcessorEndToEnd(t *testing.T) {
	cfg := processorConfig()
	ch := liqchannel.NewChannels(4)
	out := make(chan model.Liquidation, 4)
	p := NewLiquidationProcessor(cfg, ch, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok := ch.SendRaw(ctx, model.RawLiquidationMessage{
		Exchange:  model.ExchangeBinance,
		Symbol:    "BTCUSDT",
		Data:      []byte(`{"E":1700000000100,"o":{"s":"BTCUSDT","S":"BUY","q":"1","p":"64500","T":1700000000090}}`),
		Timestamp: time.Now(),
	})
	if !ok {
		t.Fatal("send raw failed")
	}

	select {
	case liq := <-out:
		if liq.Side != model.SideShort {
			t.Fatalf("forced buy closes a short, got %s", liq.Side)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for normalized liquidation")
	}

	cancel()
	p.Stop()
}

func TestKucoinTimestampMs(t *testing.T) {
	fallback := time.UnixMilli(42).UTC()
	tests := []struct {
		in   int64
		want int64
	}{
		{0, 42},
		{1700000000, 1700000000000},
		{1700000000500, 1700000000500},
		{1700000000500000000, 1700000000500},
	}
	for _, tt := range tests {
		if got := kucoinTimestampMs(tt.in, fallback); got != tt.want {
			t.Errorf("kucoinTimestampMs(%d)=%d want %d", tt.in, got, tt.want)
		}
	}
}
