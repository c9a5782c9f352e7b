package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orderflow/config"
	"orderflow/internal/broadcast"
	"orderflow/internal/channel"
	"orderflow/internal/conn"
	"orderflow/internal/dashboard"
	"orderflow/internal/engine"
	"orderflow/internal/metrics"
	"orderflow/internal/processor"
	"orderflow/internal/reader/binance"
	"orderflow/internal/reader/bybit"
	"orderflow/internal/reader/kucoin"
	"orderflow/internal/reader/okx"
	signalgen "orderflow/internal/signal"
	"orderflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Optional .env for local runs; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("could not load .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "path to YAML configuration")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("could not load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("could not configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Orderflow.Name,
		"version":     cfg.Orderflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting orderflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		reportInterval := time.Duration(cfg.Logging.ReportIntervalSec) * time.Second
		if reportInterval <= 0 {
			reportInterval = 30 * time.Second
		}
		logger.StartReport(ctx, log, reportInterval)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Prometheus.Enabled {
		metrics.Init(cfg.Metrics.Prometheus.Address)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawTradeBuffer,
		cfg.Channels.RawLiqBuffer,
	)
	defer channels.Close()

	metrics.StartChannelSizeMetrics(ctx, channels, time.Duration(cfg.Metrics.ChannelSizeIntervalSec)*time.Second)

	// Normalized events ride their own channels so a slow engine tick never
	// backs up into the websocket readers.
	norm := channel.NewChannelManager(cfg.Channels.RawTradeBuffer, cfg.Channels.RawLiqBuffer)
	defer norm.Close()

	manager := conn.NewManager(cfg)

	tradeProcessor := processor.NewTradeProcessor(cfg, channels.Trade, norm.TradeWriter())
	liqProcessor := processor.NewLiquidationProcessor(cfg, channels.Liq, norm.LiquidationWriter())

	feed := broadcast.NewBroadcaster(cfg.Channels.SnapshotBuffer, cfg.Channels.EventBuffer)
	flowEngine := engine.NewEngine(cfg, norm.TradeReader(), norm.LiquidationReader(), feed, manager)

	var generator *signalgen.Generator
	if cfg.Signal.Enabled {
		generator = signalgen.NewGenerator(feed)
	} else {
		log.WithComponent("main").Info("signal generator disabled; skipping")
	}

	deps := dashboard.Deps{
		Snapshots: flowEngine,
		Statuses:  manager,
		Feed:      feed,
	}
	if generator != nil {
		deps.Signals = generator
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, deps)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}
	if dash == nil {
		log.WithComponent("main").Info("dashboard disabled; skipping")
	}

	binanceTradeReader := binance.Binance_TRADE_NewReader(cfg, channels.Trade, manager, cfg.Source.Binance.Future.Trade.Symbols)
	binanceLiqReader := binance.Binance_LIQ_NewReader(cfg, channels.Liq, manager, cfg.Source.Binance.Future.Liquidation.Symbols)
	bybitTradeReader := bybit.Bybit_TRADE_NewReader(cfg, channels.Trade, manager, cfg.Source.Bybit.Future.Trade.Symbols)
	bybitLiqReader := bybit.Bybit_LIQ_NewReader(cfg, channels.Liq, manager, cfg.Source.Bybit.Future.Liquidation.Symbols)
	okxTradeReader := okx.OKX_TRADE_NewReader(cfg, channels.Trade, manager, cfg.Source.Okx.Future.Trade.Symbols)
	okxLiqReader := okx.OKX_LIQ_NewReader(cfg, channels.Liq, manager)
	kucoinExecReader := kucoin.Kucoin_EXEC_NewReader(cfg, channels.Trade, channels.Liq, manager, nil)

	if err := tradeProcessor.Start(ctx); err != nil {
		log.WithError(err).Warn("trade processor failed to start")
	}
	if err := liqProcessor.Start(ctx); err != nil {
		log.WithError(err).Warn("liquidation processor failed to start")
	}
	if err := flowEngine.Start(ctx); err != nil {
		log.WithError(err).Warn("engine failed to start")
	}
	if generator != nil {
		if err := generator.Start(ctx); err != nil {
			log.WithError(err).Warn("signal generator failed to start")
		}
	}

	streams := []struct {
		enabled bool
		name    string
		start   func(context.Context) error
	}{
		{cfg.Source.Binance.Future.Trade.Enabled, "binance trade", binanceTradeReader.Binance_TRADE_Start},
		{cfg.Source.Binance.Future.Liquidation.Enabled, "binance liquidation", binanceLiqReader.Binance_LIQ_Start},
		{cfg.Source.Bybit.Future.Trade.Enabled, "bybit trade", bybitTradeReader.Bybit_TRADE_Start},
		{cfg.Source.Bybit.Future.Liquidation.Enabled, "bybit liquidation", bybitLiqReader.Bybit_LIQ_Start},
		{cfg.Source.Okx.Future.Trade.Enabled, "okx trade", okxTradeReader.OKX_TRADE_Start},
		{cfg.Source.Okx.Future.Liquidation.Enabled, "okx liquidation", okxLiqReader.OKX_LIQ_Start},
		{cfg.Source.Kucoin.Future.Trade.Enabled || cfg.Source.Kucoin.Future.Liquidation.Enabled, "kucoin execution", kucoinExecReader.Kucoin_EXEC_Start},
	}
	for _, s := range streams {
		if !s.enabled {
			continue
		}
		if err := s.start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"stream": s.name}).Warn("stream reader failed to start")
		}
	}

	var wg sync.WaitGroup

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Orderflow.Name); err != nil {
				log.WithError(err).Warn("dashboard server exited with error")
			}
		}()
	}

	log.Info("all pipeline stages running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("signal received, shutting down")

	cancel()

	log.Info("stopping stream readers")
	manager.Shutdown()

	log.Info("stopping trade processor")
	tradeProcessor.Stop()

	log.Info("stopping liquidation processor")
	liqProcessor.Stop()

	log.Info("stopping engine")
	flowEngine.Stop()

	if generator != nil {
		log.Info("stopping signal generator")
		generator.Stop()
	}

	log.Info("closing broadcast feed")
	feed.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timed out, exiting")
	}

	log.Info("orderflow stopped")
}
