package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appconfig "orderflow/config"
	tradechannel "orderflow/internal/channel/trade"
	"orderflow/internal/conn"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/logger"

	futures "github.com/adshao/go-binance/v2/futures"
)

// Binance_TRADE_Reader streams aggregated trades from the Binance futures
// websocket API and forwards raw payloads to the trade channel. Connection
// supervision and backoff live in the connection manager.
type Binance_TRADE_Reader struct {
	config   *appconfig.Config
	channels *tradechannel.Channels
	manager  *conn.Manager
	log      *logger.Log
	symbols  []string
}

// Binance_TRADE_NewReader constructs a new aggregated trade reader.
func Binance_TRADE_NewReader(cfg *appconfig.Config, ch *tradechannel.Channels, mgr *conn.Manager, symbols []string) *Binance_TRADE_Reader {
	return &Binance_TRADE_Reader{
		config:   cfg,
		channels: ch,
		manager:  mgr,
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Binance_TRADE_Start registers the stream with the connection manager.
func (r *Binance_TRADE_Reader) Binance_TRADE_Start(ctx context.Context) error {
	cfg := r.config.Source.Binance.Future.Trade
	log := r.log.WithComponent("binance_trade_reader").WithFields(logger.Fields{"operation": "Binance_TRADE_Start"})

	if !cfg.Enabled {
		log.Warn("binance trade stream disabled in config")
		return fmt.Errorf("binance trade stream disabled")
	}
	if len(r.symbols) == 0 {
		r.symbols = cfg.Symbols
	}
	if len(r.symbols) == 0 {
		log.Warn("binance trade reader needs at least one symbol")
		return fmt.Errorf("binance trade reader needs at least one symbol")
	}

	log.WithFields(logger.Fields{"symbols": strings.Join(r.symbols, ",")}).Info("starting binance trade reader")
	return r.manager.Connect(ctx, conn.Spec{
		Exchange: model.ExchangeBinance,
		Stream:   "trade",
		Run:      r.run,
	})
}

// Binance_TRADE_Stop cancels the supervised stream.
func (r *Binance_TRADE_Reader) Binance_TRADE_Stop() {
	r.manager.Disconnect(model.ExchangeBinance, "trade")
}

// run holds one streaming session: a websocket subscription per symbol. If
// any symbol stream dies the whole session is torn down and the manager
// schedules the retry.
func (r *Binance_TRADE_Reader) run(ctx context.Context, opened func()) error {
	log := r.log.WithComponent("binance_trade_reader")

	handler := func(event *futures.WsAggTradeEvent) {
		payload, err := json.Marshal(event)
		if err != nil {
			log.WithError(err).Warn("could not marshal agg trade event")
			return
		}

		msg := model.RawTradeMessage{
			Exchange:  model.ExchangeBinance,
			Symbol:    strings.ToUpper(event.Symbol),
			Data:      payload,
			Timestamp: time.UnixMilli(event.Time).UTC(),
		}

		if r.channels.SendRaw(ctx, msg) {
			logger.IncrementTradeRead(len(payload))
		} else if ctx.Err() == nil {
			metrics.EmitDropMetric(r.log, metrics.DropMetricTradeRaw, model.ExchangeBinance, "trade", msg.Symbol, "raw")
			log.Warn("dropping trade, raw channel full")
		}
	}

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("binance trade stream error")
		}
	}

	stops := make([]chan struct{}, 0, len(r.symbols))
	dones := make([]chan struct{}, 0, len(r.symbols))
	failed := make(chan struct{}, len(r.symbols))

	stopAll := func() {
		for _, stopC := range stops {
			close(stopC)
		}
		for _, doneC := range dones {
			<-doneC
		}
	}

	for _, symbol := range r.symbols {
		doneC, stopC, err := futures.WsAggTradeServe(strings.ToUpper(symbol), handler, errHandler)
		if err != nil {
			stopAll()
			return fmt.Errorf("subscribe %s agg trades: %w", symbol, err)
		}
		stops = append(stops, stopC)
		dones = append(dones, doneC)
		go func(done chan struct{}) {
			<-done
			select {
			case failed <- struct{}{}:
			default:
			}
		}(doneC)
	}

	opened()
	log.WithFields(logger.Fields{"symbols": strings.Join(r.symbols, ",")}).Info("binance agg trade streams subscribed")

	select {
	case <-ctx.Done():
		stopAll()
		return ctx.Err()
	case <-failed:
		stopAll()
		return fmt.Errorf("binance agg trade stream closed")
	}
}
