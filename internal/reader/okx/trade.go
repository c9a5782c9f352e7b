package okx

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

	"github.com/gorilla/websocket"
)

const (
	defaultPublicURL = "wss://ws.okx.com:8443/ws/v5/public"
	readDeadline     = 35 * time.Second
	pingInterval     = 20 * time.Second
)

// OKX_TRADE_Reader streams SWAP trades from the OKX public websocket through
// the shared connection manager.
type OKX_TRADE_Reader struct {
	config   *appconfig.Config
	channels *tradechannel.Channels
	manager  *conn.Manager
	log      *logger.Log
	symbols  []string
}

// OKX_TRADE_NewReader constructs a new OKX trade reader.
func OKX_TRADE_NewReader(cfg *appconfig.Config, ch *tradechannel.Channels, mgr *conn.Manager, symbols []string) *OKX_TRADE_Reader {
	return &OKX_TRADE_Reader{
		config:   cfg,
		channels: ch,
		manager:  mgr,
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// OKX_TRADE_Start registers the trade stream with the connection manager.
func (r *OKX_TRADE_Reader) OKX_TRADE_Start(ctx context.Context) error {
	cfg := r.config.Source.Okx.Future.Trade
	log := r.log.WithComponent("okx_trade_reader").WithFields(logger.Fields{
		"operation": "OKX_TRADE_Start",
	})

	if !cfg.Enabled {
		log.Warn("okx trade stream disabled in config")
		return fmt.Errorf("okx trade stream disabled")
	}
	if len(r.symbols) == 0 {
		r.symbols = cfg.Symbols
	}
	if len(r.symbols) == 0 {
		log.Warn("okx trade reader needs at least one symbol")
		return fmt.Errorf("okx trade reader needs at least one symbol")
	}

	return r.manager.Connect(ctx, conn.Spec{
		Exchange: model.ExchangeOKX,
		Stream:   "trade",
		Run:      r.run,
	})
}

// OKX_TRADE_Stop detaches the trade stream from the connection manager.
func (r *OKX_TRADE_Reader) OKX_TRADE_Stop() {
	r.manager.Disconnect(model.ExchangeOKX, "trade")
}

// run holds one websocket session subscribed to the trades channel for every
// configured instrument. It returns when the socket dies or ctx is cancelled;
// the manager schedules any retry.
func (r *OKX_TRADE_Reader) run(ctx context.Context, opened func()) error {
	log := r.log.WithComponent("okx_trade_reader").WithFields(logger.Fields{
		"symbols": strings.Join(r.symbols, ","),
		"worker":  "trades_stream",
	})

	cfg := r.config.Source.Okx.Future.Trade
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		baseURL = defaultPublicURL
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, baseURL, nil)
	if err != nil {
		return fmt.Errorf("dial okx trade websocket: %w", err)
	}

	args := make([]map[string]string, 0, len(r.symbols))
	for _, sym := range r.symbols {
		instID := strings.ToUpper(strings.TrimSpace(sym))
		if instID == "" {
			continue
		}
		args = append(args, map[string]string{
			"channel": "trades",
			"instId":  instID,
		})
	}
	subMsg := map[string]any{
		"op":   "subscribe",
		"args": args,
	}
	if err := c.WriteJSON(subMsg); err != nil {
		_ = c.Close()
		return fmt.Errorf("send okx trade subscription: %w", err)
	}

	c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	log.Info("okx trade streams subscribed")
	opened()

	// The keeper goroutine pings on a timer and closes the socket on ctx
	// cancellation so the blocked read below returns promptly.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = c.Close()
				return
			case <-done:
				return
			case <-ping.C:
				c.SetWriteDeadline(time.Now().Add(time.Second))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.WithError(err).Warn("okx ping write failed")
					_ = c.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			_ = c.Close()
			if ctx.Err() != nil {
				log.Info("okx trade stream closed")
				return ctx.Err()
			}
			return fmt.Errorf("okx trade stream read failed: %w", err)
		}

		// filter subscribe acks, errors and foreign channels
		var probe struct {
			Arg struct {
				Channel string `json:"channel"`
				InstID  string `json:"instId"`
			} `json:"arg"`
			Event string `json:"event"`
		}
		if err := json.Unmarshal(msg, &probe); err != nil {
			log.WithError(err).Debug("skipping undecodable okx frame")
			continue
		}
		if probe.Event != "" {
			continue
		}
		if probe.Arg.Channel != "trades" {
			continue
		}

		r.forwardMessage(ctx, msg, probe.Arg.InstID, log)
	}
}

func (r *OKX_TRADE_Reader) forwardMessage(ctx context.Context, payload []byte, instID string, log *logger.Entry) {
	data := append([]byte(nil), payload...)

	msg := model.RawTradeMessage{
		Exchange:  model.ExchangeOKX,
		Symbol:    strings.ToUpper(instID),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if r.channels.SendRaw(ctx, msg) {
		logger.IncrementTradeRead(len(payload))
	} else if ctx.Err() != nil {
		return
	} else {
		metrics.EmitDropMetric(r.log, metrics.DropMetricTradeRaw, model.ExchangeOKX, "trade", msg.Symbol, "raw")
		log.Warn("dropping trade, raw channel full")
	}
}
