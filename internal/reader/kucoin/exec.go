package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appconfig "orderflow/config"
	liqchannel "orderflow/internal/channel/liq"
	tradechannel "orderflow/internal/channel/trade"
	"orderflow/internal/conn"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/logger"

	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
)

// Kucoin_EXEC_Reader streams the KuCoin futures execution feed through the
// shared connection manager. KuCoin publishes ordinary fills and liquidation
// fills on the same match topic and marks liquidations via the subject field,
// so one reader feeds both raw channels.
type Kucoin_EXEC_Reader struct {
	config    *appconfig.Config
	trades    *tradechannel.Channels
	liqs      *liqchannel.Channels
	manager   *conn.Manager
	log       *logger.Log
	symbols   []string
	symbolSet map[string]struct{}
	tradeOn   bool
	liqOn     bool
}

// Kucoin_EXEC_NewReader constructs a new KuCoin execution reader.
func Kucoin_EXEC_NewReader(cfg *appconfig.Config, tradeCh *tradechannel.Channels, liqCh *liqchannel.Channels, mgr *conn.Manager, symbols []string) *Kucoin_EXEC_Reader {
	return &Kucoin_EXEC_Reader{
		config:  cfg,
		trades:  tradeCh,
		liqs:    liqCh,
		manager: mgr,
		log:     logger.GetLogger(),
		symbols: symbols,
	}
}

// Kucoin_EXEC_Start registers the execution stream with the connection manager.
func (r *Kucoin_EXEC_Reader) Kucoin_EXEC_Start(ctx context.Context) error {
	tradeCfg := r.config.Source.Kucoin.Future.Trade
	liqCfg := r.config.Source.Kucoin.Future.Liquidation
	log := r.log.WithComponent("kucoin_exec_reader").WithFields(logger.Fields{
		"operation": "Kucoin_EXEC_Start",
	})

	r.tradeOn = tradeCfg.Enabled
	r.liqOn = liqCfg.Enabled
	if !r.tradeOn && !r.liqOn {
		log.Warn("kucoin execution streams disabled in config")
		return fmt.Errorf("kucoin execution streams disabled")
	}

	if len(r.symbols) == 0 {
		seen := make(map[string]struct{})
		for _, sym := range append(append([]string(nil), tradeCfg.Symbols...), liqCfg.Symbols...) {
			symbol := strings.ToUpper(strings.TrimSpace(sym))
			if symbol == "" {
				continue
			}
			if _, ok := seen[symbol]; ok {
				continue
			}
			seen[symbol] = struct{}{}
			r.symbols = append(r.symbols, symbol)
		}
	}
	if len(r.symbols) == 0 {
		log.Warn("kucoin execution reader needs at least one symbol")
		return fmt.Errorf("kucoin execution reader needs at least one symbol")
	}

	r.symbolSet = make(map[string]struct{}, len(r.symbols))
	for _, sym := range r.symbols {
		r.symbolSet[strings.ToUpper(sym)] = struct{}{}
	}

	return r.manager.Connect(ctx, conn.Spec{
		Exchange: model.ExchangeKucoin,
		Stream:   "execution",
		Run:      r.run,
	})
}

// Kucoin_EXEC_Stop detaches the execution stream from the connection manager.
func (r *Kucoin_EXEC_Reader) Kucoin_EXEC_Stop() {
	r.manager.Disconnect(model.ExchangeKucoin, "execution")
}

// streamConfig picks the stream block that supplies endpoint and buffer
// settings. Both blocks point at the same public websocket.
func (r *Kucoin_EXEC_Reader) streamConfig() appconfig.KucoinStreamConfig {
	if r.tradeOn {
		return r.config.Source.Kucoin.Future.Trade
	}
	return r.config.Source.Kucoin.Future.Liquidation
}

// run holds one SDK websocket session with an execution subscription per
// symbol. The SDK handles pings internally; a client failure surfaces through
// the event callback and ends the session with an error so the manager can
// schedule the retry.
func (r *Kucoin_EXEC_Reader) run(ctx context.Context, opened func()) error {
	log := r.log.WithComponent("kucoin_exec_reader").WithFields(logger.Fields{
		"symbols": strings.Join(r.symbols, ","),
		"worker":  "execution_stream",
	})

	cfg := r.streamConfig()
	failC := make(chan string, 1)

	wsOptionBuilder := types.NewWebSocketClientOptionBuilder()
	if cfg.ReadBufferBytes > 0 {
		wsOptionBuilder.WithReadBufferBytes(cfg.ReadBufferBytes)
	}
	if cfg.ReadMessageBuffer > 0 {
		wsOptionBuilder.WithReadMessageBuffer(cfg.ReadMessageBuffer)
	}
	wsOptionBuilder.WithEventCallback(func(event types.WebSocketEvent, msg string) {
		if event == types.EventErrorReceived || event == types.EventClientFail {
			log.WithFields(logger.Fields{"event": event.String(), "message": msg}).Warn("kucoin websocket event")
		}
		if event == types.EventClientFail {
			select {
			case failC <- msg:
			default:
			}
		}
	})

	clientOption := types.NewClientOptionBuilder().
		WithFuturesEndpoint(cfg.Endpoint).
		WithWebSocketClientOption(wsOptionBuilder.Build()).
		Build()

	client := api.NewClient(clientOption)
	ws := client.WsService().NewFuturesPublicWS()
	if ws == nil {
		return fmt.Errorf("failed to create kucoin futures websocket client")
	}
	if err := ws.Start(); err != nil {
		return fmt.Errorf("failed to start kucoin websocket service: %w", err)
	}

	subscriptions := make([]string, 0, len(r.symbols))
	for _, sym := range r.symbols {
		symbol := sym
		id, err := ws.Execution(symbol, func(topic, subject string, data *futurespublic.ExecutionEvent) error {
			return r.handleExecution(ctx, topic, subject, data)
		})
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("failed to subscribe to kucoin execution stream")
			continue
		}
		subscriptions = append(subscriptions, id)
	}
	if len(subscriptions) == 0 {
		ws.Stop()
		return fmt.Errorf("no kucoin execution subscriptions established")
	}

	log.Info("kucoin execution streams subscribed")
	opened()

	teardown := func() {
		for _, id := range subscriptions {
			ws.UnSubscribe(id)
		}
		ws.Stop()
	}

	select {
	case <-ctx.Done():
		teardown()
		log.Info("kucoin execution stream closed")
		return ctx.Err()
	case msg := <-failC:
		teardown()
		return fmt.Errorf("kucoin websocket client failed: %s", msg)
	}
}

func (r *Kucoin_EXEC_Reader) handleExecution(ctx context.Context, topic, subject string, data *futurespublic.ExecutionEvent) error {
	if data == nil {
		return nil
	}

	symbol := strings.ToUpper(data.Symbol)
	if len(r.symbolSet) > 0 {
		if _, ok := r.symbolSet[symbol]; !ok {
			return nil
		}
	}

	// KuCoin marks liquidation executions via the subject field.
	isLiquidation := strings.Contains(strings.ToLower(subject), "liquid")
	if isLiquidation && !r.liqOn {
		return nil
	}
	if !isLiquidation && !r.tradeOn {
		return nil
	}

	clone := *data
	clone.CommonResponse = nil

	payload := struct {
		Topic   string                       `json:"topic"`
		Subject string                       `json:"subject"`
		Data    futurespublic.ExecutionEvent `json:"data"`
	}{
		Topic:   topic,
		Subject: subject,
		Data:    clone,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.WithComponent("kucoin_exec_reader").WithError(err).Warn("could not marshal kucoin execution event")
		return nil
	}

	ts := kucoinTimestampToTime(data.Ts)
	if isLiquidation {
		msg := model.RawLiquidationMessage{
			Exchange:  model.ExchangeKucoin,
			Symbol:    symbol,
			Data:      raw,
			Timestamp: ts,
		}
		if r.liqs.SendRaw(ctx, msg) {
			logger.IncrementLiquidationRead(len(raw))
		} else if ctx.Err() == nil {
			metrics.EmitDropMetric(r.log, metrics.DropMetricLiquidationRaw, model.ExchangeKucoin, "liquidation", symbol, "raw")
			r.log.WithComponent("kucoin_exec_reader").WithFields(logger.Fields{"symbol": symbol}).Warn("dropping liquidation, raw channel full")
		}
		return nil
	}

	msg := model.RawTradeMessage{
		Exchange:  model.ExchangeKucoin,
		Symbol:    symbol,
		Data:      raw,
		Timestamp: ts,
	}
	if r.trades.SendRaw(ctx, msg) {
		logger.IncrementTradeRead(len(raw))
	} else if ctx.Err() == nil {
		metrics.EmitDropMetric(r.log, metrics.DropMetricTradeRaw, model.ExchangeKucoin, "trade", symbol, "raw")
		r.log.WithComponent("kucoin_exec_reader").WithFields(logger.Fields{"symbol": symbol}).Warn("dropping trade, raw channel full")
	}
	return nil
}

func kucoinTimestampToTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Now().UTC()
	case ts < 1_000_000_000_000:
		return time.Unix(ts, 0).UTC()
	case ts < 1_000_000_000_000_000:
		return time.UnixMilli(ts).UTC()
	default:
		return time.Unix(0, ts).UTC()
	}
}
