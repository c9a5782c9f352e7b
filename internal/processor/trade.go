package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "orderflow/config"
	tradechannel "orderflow/internal/channel/trade"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/symbols"
	"orderflow/logger"
)

// metricsReportInterval spaces the periodic throughput reports.
const metricsReportInterval = time.Minute

// TradeProcessor drains raw trade payloads, decodes them into canonical
// trades and hands them to the engine. Malformed payloads are counted and
// dropped, never propagated.
type TradeProcessor struct {
	config   *appconfig.Config
	channels *tradechannel.Channels
	out      chan<- model.Trade
	ctx      context.Context
	wg       sync.WaitGroup
	running  atomic.Bool
	log      *logger.Log

	symbols       map[string]struct{}
	filterSymbols bool
	decodeWarn    *rate.Limiter

	processed      atomic.Int64
	decodeFailures atomic.Int64
	largeTrades    atomic.Int64
}

// NewTradeProcessor wires the processor between the raw trade channel and the
// engine's normalized input. The symbol filter is the union of all enabled
// trade streams, mapped to canonical form.
func NewTradeProcessor(cfg *appconfig.Config, ch *tradechannel.Channels, out chan<- model.Trade) *TradeProcessor {
	symSet := make(map[string]struct{})
	track := func(exchange string, stream bool, syms []string) {
		if !stream {
			return
		}
		for _, s := range syms {
			symSet[symbols.Canonical(exchange, s)] = struct{}{}
		}
	}
	track(model.ExchangeBinance, cfg.Source.Binance.Future.Trade.Enabled, cfg.Source.Binance.Future.Trade.Symbols)
	track(model.ExchangeBybit, cfg.Source.Bybit.Future.Trade.Enabled, cfg.Source.Bybit.Future.Trade.Symbols)
	track(model.ExchangeKucoin, cfg.Source.Kucoin.Future.Trade.Enabled, cfg.Source.Kucoin.Future.Trade.Symbols)
	track(model.ExchangeOKX, cfg.Source.Okx.Future.Trade.Enabled, cfg.Source.Okx.Future.Trade.Symbols)

	warnInterval := time.Duration(cfg.Processor.WarnIntervalMs) * time.Millisecond
	if warnInterval <= 0 {
		warnInterval = time.Second
	}

	return &TradeProcessor{
		config:        cfg,
		channels:      ch,
		out:           out,
		log:           logger.GetLogger(),
		symbols:       symSet,
		filterSymbols: len(symSet) > 0,
		decodeWarn:    rate.NewLimiter(rate.Every(warnInterval), 1),
	}
}

// Start launches the worker pool and the metrics reporter. Starting twice is
// an error.
func (p *TradeProcessor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("trade processor already running")
	}
	p.ctx = ctx

	workers := p.config.Processor.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.reporter()

	p.log.WithComponent("trade_processor").WithFields(logger.Fields{
		"workers": workers,
	}).Info("trade processor started")
	return nil
}

// Stop waits for the workers to wind down. Cancel the Start context first,
// otherwise the workers keep draining the raw channel.
func (p *TradeProcessor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.wg.Wait()
	p.log.WithComponent("trade_processor").Info("trade processor stopped")
}

func (p *TradeProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			p.handleMessage(msg)
		}
	}
}

func (p *TradeProcessor) reporter() {
	defer p.wg.Done()
	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportTradeProcessorMetrics(p.log, metrics.TradeProcessorMetrics{
				MessagesProcessed: p.processed.Load(),
				DecodeFailures:    p.decodeFailures.Load(),
				LargeTrades:       p.largeTrades.Load(),
				RawChannelLen:     len(p.channels.Raw),
				RawChannelCap:     cap(p.channels.Raw),
			})
		}
	}
}

func (p *TradeProcessor) handleMessage(raw model.RawTradeMessage) {
	var (
		trades []model.Trade
		err    error
	)

	switch raw.Exchange {
	case model.ExchangeBinance:
		trades, err = decodeBinanceTrade(raw)
	case model.ExchangeBybit:
		trades, err = decodeBybitTrades(raw)
	case model.ExchangeKucoin:
		trades, err = decodeKucoinTrade(raw, p.config.Source.Kucoin.Future.Trade.ContractSize)
	case model.ExchangeOKX:
		trades, err = decodeOkxTrades(raw, p.config.Source.Okx.Future.Trade.ContractSize)
	default:
		p.log.WithComponent("trade_processor").WithFields(logger.Fields{
			"exchange": raw.Exchange,
		}).Debug("unsupported trade exchange, dropping message")
		return
	}

	if err != nil {
		p.decodeFailures.Add(1)
		metrics.IncrementDecodeFailure(raw.Exchange, "trade")
		if p.decodeWarn.Allow() {
			p.log.WithComponent("trade_processor").WithError(err).WithFields(logger.Fields{
				"exchange": raw.Exchange,
				"symbol":   raw.Symbol,
			}).Warn("dropping undecodable trade payload")
		}
		return
	}

	for _, trade := range trades {
		if p.filterSymbols {
			if _, ok := p.symbols[trade.Symbol]; !ok {
				continue
			}
		}
		p.forward(trade)
	}
}

func (p *TradeProcessor) forward(trade model.Trade) {
	p.processed.Add(1)
	metrics.IncrementTrade(trade.Exchange)
	if p.config.Engine.LargeTradeUSD > 0 && trade.Notional > p.config.Engine.LargeTradeUSD {
		p.largeTrades.Add(1)
	}

	select {
	case p.out <- trade:
	case <-p.ctx.Done():
	default:
		metrics.EmitDropMetric(p.log, metrics.DropMetricTradeNorm, trade.Exchange, "trade", trade.Symbol, "norm")
	}
}

func decodeBinanceTrade(raw model.RawTradeMessage) ([]model.Trade, error) {
	var evt struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
		Maker     bool   `json:"m"`
	}
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal binance agg trade: %w", err)
	}

	price := parseFloat(evt.Price)
	amount := parseFloat(evt.Quantity)
	if price <= 0 || amount <= 0 {
		return nil, fmt.Errorf("binance agg trade without price or quantity")
	}

	// m=true means the buyer was the maker, so the taker sold.
	side := model.SideBuy
	if evt.Maker {
		side = model.SideSell
	}

	ts := evt.TradeTime
	if ts == 0 {
		ts = evt.EventTime
	}
	if ts == 0 {
		ts = raw.Timestamp.UnixMilli()
	}

	return []model.Trade{{
		Exchange:    model.ExchangeBinance,
		Symbol:      symbols.Canonical(model.ExchangeBinance, evt.Symbol),
		Price:       price,
		Amount:      amount,
		Side:        side,
		Notional:    price * amount,
		TimestampMs: ts,
	}}, nil
}

func decodeBybitTrades(raw model.RawTradeMessage) ([]model.Trade, error) {
	var frame struct {
		Topic string `json:"topic"`
		Ts    int64  `json:"ts"`
		Data  []struct {
			TradeTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			Volume    string `json:"v"`
			Price     string `json:"p"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal bybit trade frame: %w", err)
	}
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("bybit trade frame without entries")
	}

	trades := make([]model.Trade, 0, len(frame.Data))
	for _, entry := range frame.Data {
		price := parseFloat(entry.Price)
		amount := parseFloat(entry.Volume)
		side, ok := tradeSideFromString(entry.Side)
		if price <= 0 || amount <= 0 || !ok {
			continue
		}
		ts := entry.TradeTime
		if ts == 0 {
			ts = frame.Ts
		}
		if ts == 0 {
			ts = raw.Timestamp.UnixMilli()
		}
		trades = append(trades, model.Trade{
			Exchange:    model.ExchangeBybit,
			Symbol:      symbols.Canonical(model.ExchangeBybit, entry.Symbol),
			Price:       price,
			Amount:      amount,
			Side:        side,
			Notional:    price * amount,
			TimestampMs: ts,
		})
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("bybit trade frame with no valid entries")
	}
	return trades, nil
}

func decodeOkxTrades(raw model.RawTradeMessage, contractSize float64) ([]model.Trade, error) {
	var frame struct {
		Data []struct {
			InstID string `json:"instId"`
			Price  string `json:"px"`
			Size   string `json:"sz"`
			Side   string `json:"side"`
			Ts     string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal okx trade frame: %w", err)
	}
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("okx trade frame without entries")
	}
	if contractSize <= 0 {
		contractSize = 1
	}

	trades := make([]model.Trade, 0, len(frame.Data))
	for _, entry := range frame.Data {
		price := parseFloat(entry.Price)
		amount := parseFloat(entry.Size) * contractSize
		side, ok := tradeSideFromString(entry.Side)
		if price <= 0 || amount <= 0 || !ok {
			continue
		}
		ts := parseInt64(entry.Ts)
		if ts == 0 {
			ts = raw.Timestamp.UnixMilli()
		}
		trades = append(trades, model.Trade{
			Exchange:    model.ExchangeOKX,
			Symbol:      symbols.Canonical(model.ExchangeOKX, entry.InstID),
			Price:       price,
			Amount:      amount,
			Side:        side,
			Notional:    price * amount,
			TimestampMs: ts,
		})
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("okx trade frame with no valid entries")
	}
	return trades, nil
}

func decodeKucoinTrade(raw model.RawTradeMessage, contractSize float64) ([]model.Trade, error) {
	var frame struct {
		Subject string `json:"subject"`
		Data    struct {
			Symbol string `json:"symbol"`
			Side   string `json:"side"`
			Size   int32  `json:"size"`
			Price  string `json:"price"`
			Ts     int64  `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal kucoin execution: %w", err)
	}
	if contractSize <= 0 {
		contractSize = 1
	}

	price := parseFloat(frame.Data.Price)
	amount := float64(frame.Data.Size) * contractSize
	side, ok := tradeSideFromString(frame.Data.Side)
	if price <= 0 || amount <= 0 || !ok {
		return nil, fmt.Errorf("kucoin execution without price, size or side")
	}

	return []model.Trade{{
		Exchange:    model.ExchangeKucoin,
		Symbol:      symbols.Canonical(model.ExchangeKucoin, frame.Data.Symbol),
		Price:       price,
		Amount:      amount,
		Side:        side,
		Notional:    price * amount,
		TimestampMs: kucoinTimestampMs(frame.Data.Ts, raw.Timestamp),
	}}, nil
}

// tradeSideFromString maps venue taker-side strings to the canonical side.
func tradeSideFromString(s string) (model.TradeSide, bool) {
	switch strings.ToLower(s) {
	case "buy":
		return model.SideBuy, true
	case "sell":
		return model.SideSell, true
	default:
		return "", false
	}
}
