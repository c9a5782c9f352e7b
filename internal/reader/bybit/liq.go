package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	appconfig "orderflow/config"
	liqchannel "orderflow/internal/channel/liq"
	"orderflow/internal/conn"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/logger"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

// Bybit_LIQ_Reader streams liquidation orders from the Bybit v5 linear
// websocket through the shared connection manager.
type Bybit_LIQ_Reader struct {
	config   *appconfig.Config
	channels *liqchannel.Channels
	manager  *conn.Manager
	log      *logger.Log
	symbols  []string
}

// Bybit_LIQ_NewReader constructs a new Bybit liquidation reader.
func Bybit_LIQ_NewReader(cfg *appconfig.Config, ch *liqchannel.Channels, mgr *conn.Manager, symbols []string) *Bybit_LIQ_Reader {
	return &Bybit_LIQ_Reader{
		config:   cfg,
		channels: ch,
		manager:  mgr,
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Bybit_LIQ_Start registers the liquidation stream with the connection manager.
func (r *Bybit_LIQ_Reader) Bybit_LIQ_Start(ctx context.Context) error {
	cfg := r.config.Source.Bybit.Future.Liquidation
	log := r.log.WithComponent("bybit_liq_reader").WithFields(logger.Fields{
		"operation": "Bybit_LIQ_Start",
	})

	if !cfg.Enabled {
		log.Warn("bybit liquidation stream disabled in config")
		return fmt.Errorf("bybit liquidation stream disabled")
	}
	if len(r.symbols) == 0 {
		r.symbols = cfg.Symbols
	}
	if len(r.symbols) == 0 {
		log.Warn("bybit liquidation reader needs at least one symbol")
		return fmt.Errorf("bybit liquidation reader needs at least one symbol")
	}

	return r.manager.Connect(ctx, conn.Spec{
		Exchange: model.ExchangeBybit,
		Stream:   "liquidation",
		Run:      r.run,
	})
}

// Bybit_LIQ_Stop detaches the liquidation stream from the connection manager.
func (r *Bybit_LIQ_Reader) Bybit_LIQ_Stop() {
	r.manager.Disconnect(model.ExchangeBybit, "liquidation")
}

// run holds one websocket session subscribed to allLiquidation topics for
// every configured symbol. A silent stream trips the watchdog and the session
// ends with an error for the manager to schedule the retry.
func (r *Bybit_LIQ_Reader) run(ctx context.Context, opened func()) error {
	log := r.log.WithComponent("bybit_liq_reader").WithFields(logger.Fields{
		"symbols": strings.Join(r.symbols, ","),
		"worker":  "liquidation_stream",
	})

	cfg := r.config.Source.Bybit.Future.Liquidation
	wsURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if wsURL == "" {
		wsURL = defaultLinearURL
	}

	topics := make([]string, 0, len(r.symbols))
	for _, sym := range r.symbols {
		symbol := strings.ToUpper(strings.TrimSpace(sym))
		if symbol == "" {
			continue
		}
		topics = append(topics, fmt.Sprintf("allLiquidation.%s", symbol))
	}

	var lastMsgMs int64
	atomic.StoreInt64(&lastMsgMs, time.Now().UnixMilli())

	handler := func(message string) error {
		atomic.StoreInt64(&lastMsgMs, time.Now().UnixMilli())
		return r.handleMessage(ctx, message, log)
	}

	ws := bybit.NewBybitPublicWebSocket(wsURL, handler)
	if ws == nil {
		return fmt.Errorf("bybit websocket client construction failed")
	}
	if ws.Connect() == nil {
		return fmt.Errorf("connect bybit liquidation websocket failed")
	}
	if _, err := ws.SendSubscription(topics); err != nil {
		ws.Disconnect()
		return fmt.Errorf("subscribe bybit liquidation topics: %w", err)
	}

	log.Info("bybit liquidation streams subscribed")
	opened()

	watch := time.NewTicker(watchdogInterval)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.Disconnect()
			log.Info("bybit liquidation stream closed")
			return ctx.Err()
		case <-watch.C:
			silent := time.Since(time.UnixMilli(atomic.LoadInt64(&lastMsgMs)))
			if silent > staleAfter {
				ws.Disconnect()
				return fmt.Errorf("bybit liquidation stream silent for %s", silent.Truncate(time.Second))
			}
		}
	}
}

func (r *Bybit_LIQ_Reader) handleMessage(ctx context.Context, message string, log *logger.Entry) error {
	var ack struct {
		Op      string `json:"op"`
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal([]byte(message), &ack); err == nil && ack.Op != "" {
		if !ack.Success {
			log.WithFields(logger.Fields{
				"op":      ack.Op,
				"message": ack.RetMsg,
			}).Warn("bybit subscription acknowledgement failure")
		}
		return nil
	}

	var probe struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(message), &probe); err != nil {
		log.WithError(err).Debug("skipping undecodable bybit frame")
		return nil
	}
	if !strings.HasPrefix(probe.Topic, "allLiquidation.") {
		return nil
	}
	symbol := strings.TrimPrefix(probe.Topic, "allLiquidation.")

	msg := model.RawLiquidationMessage{
		Exchange:  model.ExchangeBybit,
		Symbol:    strings.ToUpper(symbol),
		Data:      []byte(message),
		Timestamp: time.Now().UTC(),
	}

	if r.channels.SendRaw(ctx, msg) {
		logger.IncrementLiquidationRead(len(message))
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else {
		metrics.EmitDropMetric(r.log, metrics.DropMetricLiquidationRaw, model.ExchangeBybit, "liquidation", msg.Symbol, "raw")
		log.Warn("dropping liquidation, raw channel full")
	}
	return nil
}
