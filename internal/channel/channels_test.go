package channel

import (
	"testing"

	"orderflow/internal/model"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	if c.Trade == nil || c.Liq == nil {
		t.Fatalf("expected non-nil sub channels")
	}
	c.Close()
}

func TestChannelManagerRoundTrip(t *testing.T) {
	m := NewChannelManager(1, 1)
	defer m.Close()

	m.TradeWriter() <- model.Trade{Exchange: model.ExchangeBinance, Price: 50000}
	got := <-m.TradeReader()
	if got.Exchange != model.ExchangeBinance || got.Price != 50000 {
		t.Fatalf("unexpected trade from manager: %+v", got)
	}

	m.LiquidationWriter() <- model.Liquidation{Side: model.SideLong}
	liq := <-m.LiquidationReader()
	if liq.Side != model.SideLong {
		t.Fatalf("unexpected liquidation side: %s", liq.Side)
	}
}
