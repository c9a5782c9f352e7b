package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appconfig "orderflow/config"
	liqchannel "orderflow/internal/channel/liq"
	"orderflow/internal/conn"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/logger"

	futures "github.com/adshao/go-binance/v2/futures"
)

// Binance_LIQ_Reader streams forced liquidation orders from the Binance
// futures websocket API and forwards raw payloads to the liquidation channel.
type Binance_LIQ_Reader struct {
	config   *appconfig.Config
	channels *liqchannel.Channels
	manager  *conn.Manager
	log      *logger.Log
	symbols  []string
}

// Binance_LIQ_NewReader constructs a new liquidation reader.
func Binance_LIQ_NewReader(cfg *appconfig.Config, ch *liqchannel.Channels, mgr *conn.Manager, symbols []string) *Binance_LIQ_Reader {
	return &Binance_LIQ_Reader{
		config:   cfg,
		channels: ch,
		manager:  mgr,
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Binance_LIQ_Start registers the stream with the connection manager.
func (r *Binance_LIQ_Reader) Binance_LIQ_Start(ctx context.Context) error {
	cfg := r.config.Source.Binance.Future.Liquidation
	log := r.log.WithComponent("binance_liq_reader").WithFields(logger.Fields{"operation": "Binance_LIQ_Start"})

	if !cfg.Enabled {
		log.Warn("binance liquidation stream disabled in config")
		return fmt.Errorf("binance liquidation stream disabled")
	}
	if len(r.symbols) == 0 {
		r.symbols = cfg.Symbols
	}
	if len(r.symbols) == 0 {
		log.Warn("binance liquidation reader needs at least one symbol")
		return fmt.Errorf("binance liquidation reader needs at least one symbol")
	}

	log.WithFields(logger.Fields{"symbols": strings.Join(r.symbols, ",")}).Info("starting binance liquidation reader")
	return r.manager.Connect(ctx, conn.Spec{
		Exchange: model.ExchangeBinance,
		Stream:   "liquidation",
		Run:      r.run,
	})
}

// Binance_LIQ_Stop cancels the supervised stream.
func (r *Binance_LIQ_Reader) Binance_LIQ_Stop() {
	r.manager.Disconnect(model.ExchangeBinance, "liquidation")
}

func (r *Binance_LIQ_Reader) run(ctx context.Context, opened func()) error {
	log := r.log.WithComponent("binance_liq_reader")

	handler := func(event *futures.WsLiquidationOrderEvent) {
		payload, err := json.Marshal(event)
		if err != nil {
			log.WithError(err).Warn("could not marshal liquidation event")
			return
		}

		msg := model.RawLiquidationMessage{
			Exchange:  model.ExchangeBinance,
			Symbol:    strings.ToUpper(event.LiquidationOrder.Symbol),
			Data:      payload,
			Timestamp: time.UnixMilli(event.Time).UTC(),
		}

		if r.channels.SendRaw(ctx, msg) {
			logger.IncrementLiquidationRead(len(payload))
		} else if ctx.Err() == nil {
			metrics.EmitDropMetric(r.log, metrics.DropMetricLiquidationRaw, model.ExchangeBinance, "liquidation", msg.Symbol, "raw")
			log.Warn("dropping liquidation, raw channel full")
		}
	}

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("binance liquidation stream error")
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
		doneC, stopC, err := futures.WsLiquidationOrderServe(strings.ToUpper(symbol), handler, errHandler)
		if err != nil {
			stopAll()
			return fmt.Errorf("subscribe %s force orders: %w", symbol, err)
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
	log.WithFields(logger.Fields{"symbols": strings.Join(r.symbols, ",")}).Info("binance force order streams subscribed")

	select {
	case <-ctx.Done():
		stopAll()
		return ctx.Err()
	case <-failed:
		stopAll()
		return fmt.Errorf("binance force order stream closed")
	}
}
