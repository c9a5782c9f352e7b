package kucoin

import (
	"context"
	"testing"
	"time"

	appconfig "orderflow/config"
	liqchannel "orderflow/internal/channel/liq"
	tradechannel "orderflow/internal/channel/trade"
	"orderflow/internal/conn"
)

func TestNewReader(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	mgr := conn.NewManager(cfg)
	defer mgr.Shutdown()

	r := Kucoin_EXEC_NewReader(cfg, tradechannel.NewChannels(1), liqchannel.NewChannels(1), mgr, []string{"XBTUSDTM"})
	if r == nil {
		t.Fatal("Kucoin_EXEC_NewReader returned nil")
	}
}

func TestStartRejectsFullyDisabledConfig(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Source.Kucoin.Future.Trade.Enabled = false
	cfg.Source.Kucoin.Future.Liquidation.Enabled = false
	mgr := conn.NewManager(cfg)
	defer mgr.Shutdown()

	r := Kucoin_EXEC_NewReader(cfg, tradechannel.NewChannels(1), liqchannel.NewChannels(1), mgr, nil)
	if err := r.Kucoin_EXEC_Start(context.Background()); err == nil {
		t.Fatal("expected error when both execution streams are disabled")
	}
}

func TestStartMergesSymbolsFromBothStreams(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Source.Kucoin.Future.Trade.Symbols = []string{"XBTUSDTM"}
	cfg.Source.Kucoin.Future.Liquidation.Symbols = []string{"ETHUSDTM", "xbtusdtm"}
	mgr := conn.NewManager(cfg)
	defer mgr.Shutdown()

	// a cancelled context keeps the manager from ever dialing out
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := Kucoin_EXEC_NewReader(cfg, tradechannel.NewChannels(1), liqchannel.NewChannels(1), mgr, nil)
	if err := r.Kucoin_EXEC_Start(ctx); err != nil {
		t.Fatalf("Kucoin_EXEC_Start failed: %v", err)
	}

	if len(r.symbols) != 2 {
		t.Fatalf("expected 2 deduplicated symbols, got %v", r.symbols)
	}
	for _, want := range []string{"XBTUSDTM", "ETHUSDTM"} {
		if _, ok := r.symbolSet[want]; !ok {
			t.Fatalf("symbol set missing %s: %v", want, r.symbolSet)
		}
	}
}

func TestKucoinTimestampToTime(t *testing.T) {
	cases := []struct {
		name string
		ts   int64
		want time.Time
	}{
		{"seconds", 1_700_000_000, time.Unix(1_700_000_000, 0).UTC()},
		{"millis", 1_700_000_000_123, time.UnixMilli(1_700_000_000_123).UTC()},
		{"nanos", 1_700_000_000_123_456_789, time.Unix(0, 1_700_000_000_123_456_789).UTC()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := kucoinTimestampToTime(tc.ts); !got.Equal(tc.want) {
				t.Fatalf("kucoinTimestampToTime(%d) = %v, want %v", tc.ts, got, tc.want)
			}
		})
	}
}
