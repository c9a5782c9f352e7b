package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "orderflow/config"
	liqchannel "orderflow/internal/channel/liq"
	metrics "orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/symbols"
	"orderflow/logger"
)

// LiquidationProcessor drains raw liquidation payloads, decodes them into
// canonical liquidations and hands them to the engine.
type LiquidationProcessor struct {
	config   *appconfig.Config
	channels *liqchannel.Channels
	out      chan<- model.Liquidation
	ctx      context.Context
	wg       sync.WaitGroup
	running  atomic.Bool
	log      *logger.Log

	symbols       map[string]struct{}
	filterSymbols bool
	decodeWarn    *rate.Limiter

	processed      atomic.Int64
	decodeFailures atomic.Int64
}

// NewLiquidationProcessor wires the processor between the raw liquidation
// channel and the engine's normalized input.
func NewLiquidationProcessor(cfg *appconfig.Config, ch *liqchannel.Channels, out chan<- model.Liquidation) *LiquidationProcessor {
	symSet := make(map[string]struct{})
	track := func(exchange string, stream bool, syms []string) {
		if !stream {
			return
		}
		for _, s := range syms {
			symSet[symbols.Canonical(exchange, s)] = struct{}{}
		}
	}
	track(model.ExchangeBinance, cfg.Source.Binance.Future.Liquidation.Enabled, cfg.Source.Binance.Future.Liquidation.Symbols)
	track(model.ExchangeBybit, cfg.Source.Bybit.Future.Liquidation.Enabled, cfg.Source.Bybit.Future.Liquidation.Symbols)
	track(model.ExchangeKucoin, cfg.Source.Kucoin.Future.Liquidation.Enabled, cfg.Source.Kucoin.Future.Liquidation.Symbols)
	track(model.ExchangeOKX, cfg.Source.Okx.Future.Liquidation.Enabled, cfg.Source.Okx.Future.Liquidation.Symbols)

	warnInterval := time.Duration(cfg.Processor.WarnIntervalMs) * time.Millisecond
	if warnInterval <= 0 {
		warnInterval = time.Second
	}

	return &LiquidationProcessor{
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
func (p *LiquidationProcessor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("liquidation processor already running")
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

	p.log.WithComponent("liq_processor").WithFields(logger.Fields{
		"workers": workers,
	}).Info("liquidation processor started")
	return nil
}

// Stop waits for the workers to wind down. Cancel the Start context first,
// otherwise the workers keep draining the raw channel.
func (p *LiquidationProcessor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.wg.Wait()
	p.log.WithComponent("liq_processor").Info("liquidation processor stopped")
}

func (p *LiquidationProcessor) worker() {
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

func (p *LiquidationProcessor) reporter() {
	defer p.wg.Done()
	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportLiqProcessorMetrics(p.log, metrics.LiqProcessorMetrics{
				MessagesProcessed: p.processed.Load(),
				DecodeFailures:    p.decodeFailures.Load(),
				RawChannelLen:     len(p.channels.Raw),
				RawChannelCap:     cap(p.channels.Raw),
			})
		}
	}
}

func (p *LiquidationProcessor) handleMessage(raw model.RawLiquidationMessage) {
	var (
		liqs []model.Liquidation
		err  error
	)

	switch raw.Exchange {
	case model.ExchangeBinance:
		liqs, err = decodeBinanceLiquidation(raw)
	case model.ExchangeBybit:
		liqs, err = decodeBybitLiquidations(raw)
	case model.ExchangeKucoin:
		liqs, err = decodeKucoinLiquidation(raw, p.config.Source.Kucoin.Future.Liquidation.ContractSize)
	case model.ExchangeOKX:
		liqs, err = decodeOkxLiquidations(raw, p.config.Source.Okx.Future.Liquidation.ContractSize)
	default:
		p.log.WithComponent("liq_processor").WithFields(logger.Fields{
			"exchange": raw.Exchange,
		}).Debug("unsupported liquidation exchange, dropping message")
		return
	}

	if err != nil {
		p.decodeFailures.Add(1)
		metrics.IncrementDecodeFailure(raw.Exchange, "liquidation")
		if p.decodeWarn.Allow() {
			p.log.WithComponent("liq_processor").WithError(err).WithFields(logger.Fields{
				"exchange": raw.Exchange,
				"symbol":   raw.Symbol,
			}).Warn("dropping undecodable liquidation payload")
		}
		return
	}

	for _, liq := range liqs {
		if p.filterSymbols {
			if _, ok := p.symbols[liq.Symbol]; !ok {
				continue
			}
		}
		p.forward(liq)
	}
}

func (p *LiquidationProcessor) forward(liq model.Liquidation) {
	p.processed.Add(1)
	metrics.IncrementLiquidation(liq.Exchange, string(liq.Side))

	select {
	case p.out <- liq:
	case <-p.ctx.Done():
	default:
		metrics.EmitDropMetric(p.log, metrics.DropMetricLiquidationNorm, liq.Exchange, "liquidation", liq.Symbol, "norm")
	}
}

func decodeBinanceLiquidation(raw model.RawLiquidationMessage) ([]model.Liquidation, error) {
	var evt struct {
		EventTime int64 `json:"E"`
		Order     struct {
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			Quantity  string `json:"q"`
			Price     string `json:"p"`
			AvgPrice  string `json:"ap"`
			TradeTime int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil, fmt.Errorf("unmarshal binance force order: %w", err)
	}

	price := parseFloat(evt.Order.AvgPrice)
	if price == 0 {
		price = parseFloat(evt.Order.Price)
	}
	amount := parseFloat(evt.Order.Quantity)
	side, ok := liquidationSideFromOrder(evt.Order.Side)
	if price <= 0 || amount <= 0 || !ok {
		return nil, fmt.Errorf("binance force order without price, quantity or side")
	}

	ts := evt.Order.TradeTime
	if ts == 0 {
		ts = evt.EventTime
	}
	if ts == 0 {
		ts = raw.Timestamp.UnixMilli()
	}

	return []model.Liquidation{{
		Exchange:    model.ExchangeBinance,
		Symbol:      symbols.Canonical(model.ExchangeBinance, evt.Order.Symbol),
		Price:       price,
		Amount:      amount,
		Side:        side,
		Notional:    price * amount,
		TimestampMs: ts,
	}}, nil
}

func decodeBybitLiquidations(raw model.RawLiquidationMessage) ([]model.Liquidation, error) {
	var frame struct {
		Topic string `json:"topic"`
		Ts    int64  `json:"ts"`
		Data  []struct {
			UpdatedTime int64  `json:"T"`
			Symbol      string `json:"s"`
			Side        string `json:"S"`
			Volume      string `json:"v"`
			Price       string `json:"p"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal bybit liquidation frame: %w", err)
	}
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("bybit liquidation frame without entries")
	}

	liqs := make([]model.Liquidation, 0, len(frame.Data))
	for _, entry := range frame.Data {
		price := parseFloat(entry.Price)
		amount := parseFloat(entry.Volume)
		side, ok := liquidationSideFromOrder(entry.Side)
		if price <= 0 || amount <= 0 || !ok {
			continue
		}
		ts := entry.UpdatedTime
		if ts == 0 {
			ts = frame.Ts
		}
		if ts == 0 {
			ts = raw.Timestamp.UnixMilli()
		}
		liqs = append(liqs, model.Liquidation{
			Exchange:    model.ExchangeBybit,
			Symbol:      symbols.Canonical(model.ExchangeBybit, entry.Symbol),
			Price:       price,
			Amount:      amount,
			Side:        side,
			Notional:    price * amount,
			TimestampMs: ts,
		})
	}
	if len(liqs) == 0 {
		return nil, fmt.Errorf("bybit liquidation frame with no valid entries")
	}
	return liqs, nil
}

func decodeOkxLiquidations(raw model.RawLiquidationMessage, contractSize float64) ([]model.Liquidation, error) {
	var frame struct {
		Data []struct {
			InstID  string `json:"instId"`
			Details []struct {
				PosSide string `json:"posSide"`
				Side    string `json:"side"`
				Size    string `json:"sz"`
				BkPx    string `json:"bkPx"`
				Ts      string `json:"ts"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal okx liquidation frame: %w", err)
	}
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("okx liquidation frame without entries")
	}
	if contractSize <= 0 {
		contractSize = 1
	}

	var liqs []model.Liquidation
	for _, entry := range frame.Data {
		sym := symbols.Canonical(model.ExchangeOKX, entry.InstID)
		for _, detail := range entry.Details {
			price := parseFloat(detail.BkPx)
			amount := parseFloat(detail.Size) * contractSize
			side, ok := liquidationSideFromPosition(detail.PosSide)
			if !ok {
				side, ok = liquidationSideFromOrder(detail.Side)
			}
			if price <= 0 || amount <= 0 || !ok {
				continue
			}
			ts := parseInt64(detail.Ts)
			if ts == 0 {
				ts = raw.Timestamp.UnixMilli()
			}
			liqs = append(liqs, model.Liquidation{
				Exchange:    model.ExchangeOKX,
				Symbol:      sym,
				Price:       price,
				Amount:      amount,
				Side:        side,
				Notional:    price * amount,
				TimestampMs: ts,
			})
		}
	}
	if len(liqs) == 0 {
		return nil, fmt.Errorf("okx liquidation frame with no valid entries")
	}
	return liqs, nil
}

func decodeKucoinLiquidation(raw model.RawLiquidationMessage, contractSize float64) ([]model.Liquidation, error) {
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
		return nil, fmt.Errorf("unmarshal kucoin liquidation: %w", err)
	}
	if contractSize <= 0 {
		contractSize = 1
	}

	price := parseFloat(frame.Data.Price)
	amount := float64(frame.Data.Size) * contractSize
	side, ok := liquidationSideFromOrder(frame.Data.Side)
	if price <= 0 || amount <= 0 || !ok {
		return nil, fmt.Errorf("kucoin liquidation without price, size or side")
	}

	return []model.Liquidation{{
		Exchange:    model.ExchangeKucoin,
		Symbol:      symbols.Canonical(model.ExchangeKucoin, frame.Data.Symbol),
		Price:       price,
		Amount:      amount,
		Side:        side,
		Notional:    price * amount,
		TimestampMs: kucoinTimestampMs(frame.Data.Ts, raw.Timestamp),
	}}, nil
}

// liquidationSideFromOrder maps a forced order direction to the position it
// closed. A forced sell closes a long, a forced buy closes a short.
func liquidationSideFromOrder(s string) (model.LiquidationSide, bool) {
	switch strings.ToLower(s) {
	case "sell":
		return model.SideLong, true
	case "buy":
		return model.SideShort, true
	default:
		return "", false
	}
}

// liquidationSideFromPosition maps venue position-side strings directly.
func liquidationSideFromPosition(s string) (model.LiquidationSide, bool) {
	switch strings.ToLower(s) {
	case "long":
		return model.SideLong, true
	case "short":
		return model.SideShort, true
	default:
		return "", false
	}
}

func parseFloat(v string) float64 {
	if v == "" {
		return 0
	}
	val, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return val
}

func parseInt64(v string) int64 {
	if v == "" {
		return 0
	}
	val, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return val
}

// kucoinTimestampMs normalises KuCoin timestamps, which arrive in seconds,
// milliseconds or nanoseconds depending on the stream.
func kucoinTimestampMs(ts int64, fallback time.Time) int64 {
	switch {
	case ts <= 0:
		return fallback.UnixMilli()
	case ts < 1_000_000_000_000:
		return ts * 1000
	case ts < 1_000_000_000_000_000:
		return ts
	default:
		return ts / 1_000_000
	}
}
