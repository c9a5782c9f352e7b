package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	appconfig "orderflow/config"
	tradechannel "orderflow/internal/channel/trade"
	"orderflow/internal/conn"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/logger"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

const (
	defaultLinearURL = "wss://stream.bybit.com/v5/public/linear"
	watchdogInterval = 15 * time.Second
	staleAfter       = 45 * time.Second
)

// Bybit_TRADE_Reader streams public trades from the Bybit v5 linear websocket
// through the shared connection manager.
type Bybit_TRADE_Reader struct {
	config   *appconfig.Config
	channels *tradechannel.Channels
	manager  *conn.Manager
	log      *logger.Log
	symbols  []string
}

// Bybit_TRADE_NewReader constructs a new Bybit trade reader.
func Bybit_TRADE_NewReader(cfg *appconfig.Config, ch *tradechannel.Channels, mgr *conn.Manager, symbols []string) *Bybit_TRADE_Reader {
	return &Bybit_TRADE_Reader{
		config:   cfg,
		channels: ch,
		manager:  mgr,
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Bybit_TRADE_Start registers the trade stream with the connection manager.
func (r *Bybit_TRADE_Reader) Bybit_TRADE_Start(ctx context.Context) error {
	cfg := r.config.Source.Bybit.Future.Trade
	log := r.log.WithComponent("bybit_trade_reader").WithFields(logger.Fields{
		"operation": "Bybit_TRADE_Start",
	})

	if !cfg.Enabled {
		log.Warn("bybit trade stream disabled in config")
		return fmt.Errorf("bybit trade stream disabled")
	}
	if len(r.symbols) == 0 {
		r.symbols = cfg.Symbols
	}
	if len(r.symbols) == 0 {
		log.Warn("bybit trade reader needs at least one symbol")
		return fmt.Errorf("bybit trade reader needs at least one symbol")
	}

	return r.manager.Connect(ctx, conn.Spec{
		Exchange: model.ExchangeBybit,
		Stream:   "trade",
		Run:      r.run,
	})
}

// Bybit_TRADE_Stop detaches the trade stream from the connection manager.
func (r *Bybit_TRADE_Reader) Bybit_TRADE_Stop() {
	r.manager.Disconnect(model.ExchangeBybit, "trade")
}

// run holds one websocket session subscribed to publicTrade topics for every
// configured symbol. The SDK reconnects nothing on its own, so a silent stream
// trips the watchdog and the session ends with an error for the manager to
// schedule the retry.
func (r *Bybit_TRADE_Reader) run(ctx context.Context, opened func()) error {
	log := r.log.WithComponent("bybit_trade_reader").WithFields(logger.Fields{
		"symbols": strings.Join(r.symbols, ","),
		"worker":  "trade_stream",
	})

	cfg := r.config.Source.Bybit.Future.Trade
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
		topics = append(topics, fmt.Sprintf("publicTrade.%s", symbol))
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
		return fmt.Errorf("connect bybit trade websocket failed")
	}
	if _, err := ws.SendSubscription(topics); err != nil {
		ws.Disconnect()
		return fmt.Errorf("subscribe bybit trade topics: %w", err)
	}

	log.Info("bybit trade streams subscribed")
	opened()

	watch := time.NewTicker(watchdogInterval)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.Disconnect()
			log.Info("bybit trade stream closed")
			return ctx.Err()
		case <-watch.C:
			silent := time.Since(time.UnixMilli(atomic.LoadInt64(&lastMsgMs)))
			if silent > staleAfter {
				ws.Disconnect()
				return fmt.Errorf("bybit trade stream silent for %s", silent.Truncate(time.Second))
			}
		}
	}
}

func (r *Bybit_TRADE_Reader) handleMessage(ctx context.Context, message string, log *logger.Entry) error {
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
	if !strings.HasPrefix(probe.Topic, "publicTrade.") {
		return nil
	}
	symbol := strings.TrimPrefix(probe.Topic, "publicTrade.")

	msg := model.RawTradeMessage{
		Exchange:  model.ExchangeBybit,
		Symbol:    strings.ToUpper(symbol),
		Data:      []byte(message),
		Timestamp: time.Now().UTC(),
	}

	if r.channels.SendRaw(ctx, msg) {
		logger.IncrementTradeRead(len(message))
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else {
		metrics.EmitDropMetric(r.log, metrics.DropMetricTradeRaw, model.ExchangeBybit, "trade", msg.Symbol, "raw")
		log.Warn("dropping trade, raw channel full")
	}
	return nil
}
