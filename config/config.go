package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orderflow  OrderflowConfig  `yaml:"orderflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Engine     EngineConfig     `yaml:"engine"`
	Connection ConnectionConfig `yaml:"connection"`
	Source     SourceConfig     `yaml:"source"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Signal     SignalConfig     `yaml:"signal"`
}

type OrderflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level             string `yaml:"level"`
	Format            string `yaml:"format"`
	Output            string `yaml:"output"`
	MaxAge            int    `yaml:"max_age"`
	ReportIntervalSec int    `yaml:"report_interval_sec"`
}

type MetricsConfig struct {
	ChannelSize            bool             `yaml:"channel_size"`
	ChannelSizeIntervalSec int              `yaml:"channel_size_interval_sec"`
	Prometheus             PrometheusConfig `yaml:"prometheus"`
	CloudWatch             CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	RawTradeBuffer int `yaml:"raw_trade_buffer"`
	RawLiqBuffer   int `yaml:"raw_liq_buffer"`
	SnapshotBuffer int `yaml:"snapshot_buffer"`
	EventBuffer    int `yaml:"event_buffer"`
}

type ProcessorConfig struct {
	MaxWorkers     int `yaml:"max_workers"`
	WarnIntervalMs int `yaml:"warn_interval_ms"`
}

// EngineConfig carries the aggregation thresholds. Durations are plain
// integers with a unit suffix in the field name so they stay trivially
// expressible in YAML.
type EngineConfig struct {
	Symbol              string  `yaml:"symbol"`
	TickIntervalMs      int     `yaml:"tick_interval_ms"`
	TradeRetentionSec   int     `yaml:"trade_retention_sec"`
	LiqRetentionSec     int     `yaml:"liquidation_retention_sec"`
	CVDHistorySize      int     `yaml:"cvd_history_size"`
	LargeTradeUSD       float64 `yaml:"large_trade_usd"`
	CascadeThresholdUSD float64 `yaml:"cascade_threshold_usd"`
	CascadeWindowSec    int     `yaml:"cascade_window_sec"`
	SessionResetHourUTC int     `yaml:"session_reset_hour_utc"`
	RecentListSize      int     `yaml:"recent_list_size"`
}

type ConnectionConfig struct {
	BaseBackoffMs    int `yaml:"base_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
	MaxAttempts      int `yaml:"max_attempts"`
	StaleAfterSec    int `yaml:"stale_after_sec"`
	CheckIntervalSec int `yaml:"check_interval_sec"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Bybit   BybitSourceConfig   `yaml:"bybit"`
	Kucoin  KucoinSourceConfig  `yaml:"kucoin"`
	Okx     OkxSourceConfig     `yaml:"okx"`
}

type BinanceSourceConfig struct {
	Future BinanceFutureConfig `yaml:"future"`
}

type BybitSourceConfig struct {
	Future BybitFutureConfig `yaml:"future"`
}

type KucoinSourceConfig struct {
	Future KucoinFutureConfig `yaml:"future"`
}

type OkxSourceConfig struct {
	Future OkxFutureConfig `yaml:"future"`
}

type BinanceFutureConfig struct {
	Trade       BinanceStreamConfig `yaml:"trade"`
	Liquidation BinanceStreamConfig `yaml:"liquidation"`
}

type BybitFutureConfig struct {
	Trade       BybitStreamConfig `yaml:"trade"`
	Liquidation BybitStreamConfig `yaml:"liquidation"`
}

type KucoinFutureConfig struct {
	Trade       KucoinStreamConfig `yaml:"trade"`
	Liquidation KucoinStreamConfig `yaml:"liquidation"`
}

type OkxFutureConfig struct {
	Trade       OkxStreamConfig `yaml:"trade"`
	Liquidation OkxStreamConfig `yaml:"liquidation"`
}

// BinanceStreamConfig has no URL because the SDK manages its own endpoints.
type BinanceStreamConfig struct {
	Enabled bool     `yaml:"enabled"`
	Symbols []string `yaml:"symbols"`
}

type BybitStreamConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

type KucoinStreamConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Endpoint          string   `yaml:"endpoint"`
	Symbols           []string `yaml:"symbols"`
	ContractSize      float64  `yaml:"contract_size"`
	ReadBufferBytes   int      `yaml:"read_buffer_bytes"`
	ReadMessageBuffer int      `yaml:"read_message_buffer"`
}

type OkxStreamConfig struct {
	Enabled      bool     `yaml:"enabled"`
	URL          string   `yaml:"url"`
	Symbols      []string `yaml:"symbols"`
	ContractSize float64  `yaml:"contract_size"`
}

type DashboardConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Address           string `yaml:"address"`
	RefreshIntervalMs int    `yaml:"refresh_interval_ms"`
	LogHistory        int    `yaml:"log_history"`
	MetricsHistory    int    `yaml:"metrics_history"`
}

type SignalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the built-in defaults. LoadConfig unmarshals the YAML
// file on top of these, so absent keys keep their default value.
func DefaultConfig() *Config {
	return &Config{
		Orderflow: OrderflowConfig{
			Name:    "orderflow",
			Version: "dev",
		},
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "json",
			Output:            "stdout",
			ReportIntervalSec: 60,
		},
		Metrics: MetricsConfig{
			ChannelSize:            true,
			ChannelSizeIntervalSec: 15,
			Prometheus:             PrometheusConfig{Address: ":9100"},
			CloudWatch:             CloudWatchConfig{Namespace: "OrderFlow", Dashboard: "OrderFlow"},
		},
		Channels: ChannelsConfig{
			RawTradeBuffer: 10000,
			RawLiqBuffer:   1000,
			SnapshotBuffer: 16,
			EventBuffer:    256,
		},
		Processor: ProcessorConfig{
			MaxWorkers:     4,
			WarnIntervalMs: 1000,
		},
		Engine: EngineConfig{
			Symbol:              "BTCUSDT",
			TickIntervalMs:      1000,
			TradeRetentionSec:   60,
			LiqRetentionSec:     300,
			CVDHistorySize:      60,
			LargeTradeUSD:       500_000,
			CascadeThresholdUSD: 10_000_000,
			CascadeWindowSec:    300,
			SessionResetHourUTC: 0,
			RecentListSize:      10,
		},
		Connection: ConnectionConfig{
			BaseBackoffMs:    1000,
			MaxBackoffMs:     30000,
			MaxAttempts:      10,
			StaleAfterSec:    45,
			CheckIntervalSec: 15,
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{Future: BinanceFutureConfig{
				Trade:       BinanceStreamConfig{Enabled: true, Symbols: []string{"BTCUSDT"}},
				Liquidation: BinanceStreamConfig{Enabled: true, Symbols: []string{"BTCUSDT"}},
			}},
			Bybit: BybitSourceConfig{Future: BybitFutureConfig{
				Trade:       BybitStreamConfig{Enabled: true, URL: "wss://stream.bybit.com/v5/public/linear", Symbols: []string{"BTCUSDT"}},
				Liquidation: BybitStreamConfig{Enabled: true, URL: "wss://stream.bybit.com/v5/public/linear", Symbols: []string{"BTCUSDT"}},
			}},
			Kucoin: KucoinSourceConfig{Future: KucoinFutureConfig{
				Trade: KucoinStreamConfig{
					Enabled:           true,
					Endpoint:          "https://api-futures.kucoin.com",
					Symbols:           []string{"XBTUSDTM"},
					ContractSize:      0.001,
					ReadBufferBytes:   2048000,
					ReadMessageBuffer: 1024,
				},
				Liquidation: KucoinStreamConfig{
					Enabled:           true,
					Endpoint:          "https://api-futures.kucoin.com",
					Symbols:           []string{"XBTUSDTM"},
					ContractSize:      0.001,
					ReadBufferBytes:   2048000,
					ReadMessageBuffer: 1024,
				},
			}},
			Okx: OkxSourceConfig{Future: OkxFutureConfig{
				Trade:       OkxStreamConfig{Enabled: true, URL: "wss://ws.okx.com:8443/ws/v5/public", Symbols: []string{"BTC-USDT-SWAP"}, ContractSize: 0.01},
				Liquidation: OkxStreamConfig{Enabled: true, URL: "wss://ws.okx.com:8443/ws/v5/public", Symbols: []string{"BTC-USDT-SWAP"}, ContractSize: 0.01},
			}},
		},
		Dashboard: DashboardConfig{
			Enabled:           true,
			Address:           ":8080",
			RefreshIntervalMs: 5000,
			LogHistory:        500,
			MetricsHistory:    1000,
		},
		Signal: SignalConfig{
			Enabled: true,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override CloudWatch settings from environment variables if available
	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("CW_NAMESPACE"); v != "" {
			config.Metrics.CloudWatch.Namespace = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("DASHBOARD_ADDR"); v != "" {
		config.Dashboard.Address = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Orderflow.Name == "" {
		return fmt.Errorf("orderflow.name is required")
	}

	if cfg.Orderflow.Version == "" {
		return fmt.Errorf("orderflow.version is required")
	}

	// Debug logging at production message rates floods the output sink.
	if env := AppEnvironment(); IsProductionLike(env) && strings.EqualFold(cfg.Logging.Level, "debug") {
		return fmt.Errorf("logging.level debug is not allowed when APP_ENV is %s", env)
	}

	if cfg.Engine.Symbol == "" {
		return fmt.Errorf("engine.symbol is required")
	}

	if cfg.Engine.TickIntervalMs <= 0 {
		return fmt.Errorf("engine.tick_interval_ms must be greater than 0")
	}
	if cfg.Engine.TradeRetentionSec <= 0 {
		return fmt.Errorf("engine.trade_retention_sec must be greater than 0")
	}
	if cfg.Engine.LiqRetentionSec <= 0 {
		return fmt.Errorf("engine.liquidation_retention_sec must be greater than 0")
	}
	if cfg.Engine.CVDHistorySize <= 0 {
		return fmt.Errorf("engine.cvd_history_size must be greater than 0")
	}
	if cfg.Engine.LargeTradeUSD <= 0 {
		return fmt.Errorf("engine.large_trade_usd must be greater than 0")
	}
	if cfg.Engine.CascadeThresholdUSD <= 0 {
		return fmt.Errorf("engine.cascade_threshold_usd must be greater than 0")
	}
	if cfg.Engine.CascadeWindowSec <= 0 {
		return fmt.Errorf("engine.cascade_window_sec must be greater than 0")
	}
	if cfg.Engine.SessionResetHourUTC < 0 || cfg.Engine.SessionResetHourUTC > 23 {
		return fmt.Errorf("engine.session_reset_hour_utc must be between 0 and 23")
	}
	if cfg.Engine.RecentListSize <= 0 {
		return fmt.Errorf("engine.recent_list_size must be greater than 0")
	}

	if cfg.Connection.MaxAttempts <= 0 {
		return fmt.Errorf("connection.max_attempts must be greater than 0")
	}
	if cfg.Connection.BaseBackoffMs <= 0 {
		return fmt.Errorf("connection.base_backoff_ms must be greater than 0")
	}
	if cfg.Connection.MaxBackoffMs < cfg.Connection.BaseBackoffMs {
		return fmt.Errorf("connection.max_backoff_ms must be at least base_backoff_ms")
	}

	if cfg.Channels.RawTradeBuffer <= 0 {
		return fmt.Errorf("channels.raw_trade_buffer must be greater than 0")
	}
	if cfg.Channels.RawLiqBuffer <= 0 {
		return fmt.Errorf("channels.raw_liq_buffer must be greater than 0")
	}
	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}

	if err := validateSources(&cfg.Source); err != nil {
		return err
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	if cfg.Metrics.Prometheus.Enabled && cfg.Metrics.Prometheus.Address == "" {
		return fmt.Errorf("metrics.prometheus.address is required when prometheus is enabled")
	}

	return nil
}

func validateSources(src *SourceConfig) error {
	enabled := 0

	for _, s := range []struct {
		name string
		cfg  BinanceStreamConfig
	}{
		{"source.binance.future.trade", src.Binance.Future.Trade},
		{"source.binance.future.liquidation", src.Binance.Future.Liquidation},
	} {
		if !s.cfg.Enabled {
			continue
		}
		enabled++
		if len(s.cfg.Symbols) == 0 {
			return fmt.Errorf("%s.symbols is required when enabled", s.name)
		}
	}

	for _, s := range []struct {
		name string
		cfg  BybitStreamConfig
	}{
		{"source.bybit.future.trade", src.Bybit.Future.Trade},
		{"source.bybit.future.liquidation", src.Bybit.Future.Liquidation},
	} {
		if !s.cfg.Enabled {
			continue
		}
		enabled++
		if s.cfg.URL == "" {
			return fmt.Errorf("%s.url is required when enabled", s.name)
		}
		if len(s.cfg.Symbols) == 0 {
			return fmt.Errorf("%s.symbols is required when enabled", s.name)
		}
	}

	for _, s := range []struct {
		name string
		cfg  KucoinStreamConfig
	}{
		{"source.kucoin.future.trade", src.Kucoin.Future.Trade},
		{"source.kucoin.future.liquidation", src.Kucoin.Future.Liquidation},
	} {
		if !s.cfg.Enabled {
			continue
		}
		enabled++
		if len(s.cfg.Symbols) == 0 {
			return fmt.Errorf("%s.symbols is required when enabled", s.name)
		}
		if s.cfg.ContractSize <= 0 {
			return fmt.Errorf("%s.contract_size must be greater than 0", s.name)
		}
	}

	for _, s := range []struct {
		name string
		cfg  OkxStreamConfig
	}{
		{"source.okx.future.trade", src.Okx.Future.Trade},
		{"source.okx.future.liquidation", src.Okx.Future.Liquidation},
	} {
		if !s.cfg.Enabled {
			continue
		}
		enabled++
		if s.cfg.URL == "" {
			return fmt.Errorf("%s.url is required when enabled", s.name)
		}
		if len(s.cfg.Symbols) == 0 {
			return fmt.Errorf("%s.symbols is required when enabled", s.name)
		}
		if s.cfg.ContractSize <= 0 {
			return fmt.Errorf("%s.contract_size must be greater than 0", s.name)
		}
	}

	if enabled == 0 {
		return fmt.Errorf("at least one exchange stream must be enabled")
	}

	return nil
}
