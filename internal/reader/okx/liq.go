package okx

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

	"github.com/gorilla/websocket"
)

// OKX_LIQ_Reader streams SWAP liquidation orders from the OKX public websocket
// through the shared connection manager. The channel is a firehose covering
// every SWAP instrument; the normalizer filters down to tracked symbols.
type OKX_LIQ_Reader struct {
	config   *appconfig.Config
	channels *liqchannel.Channels
	manager  *conn.Manager
	log      *logger.Log
}

// OKX_LIQ_NewReader constructs a new OKX liquidation reader.
func OKX_LIQ_NewReader(cfg *appconfig.Config, ch *liqchannel.Channels, mgr *conn.Manager) *OKX_LIQ_Reader {
	return &OKX_LIQ_Reader{
		config:   cfg,
		channels: ch,
		manager:  mgr,
		log:      logger.GetLogger(),
	}
}

// OKX_LIQ_Start registers the liquidation stream with the connection manager.
func (r *OKX_LIQ_Reader) OKX_LIQ_Start(ctx context.Context) error {
	cfg := r.config.Source.Okx.Future.Liquidation
	log := r.log.WithComponent("okx_liq_reader").WithFields(logger.Fields{
		"operation": "OKX_LIQ_Start",
	})

	if !cfg.Enabled {
		log.Warn("okx liquidation stream disabled in config")
		return fmt.Errorf("okx liquidation stream disabled")
	}

	return r.manager.Connect(ctx, conn.Spec{
		Exchange: model.ExchangeOKX,
		Stream:   "liquidation",
		Run:      r.run,
	})
}

// OKX_LIQ_Stop detaches the liquidation stream from the connection manager.
func (r *OKX_LIQ_Reader) OKX_LIQ_Stop() {
	r.manager.Disconnect(model.ExchangeOKX, "liquidation")
}

// run holds one websocket session subscribed to liquidation-orders for the
// whole SWAP instrument class. It returns when the socket dies or ctx is
// cancelled; the manager schedules any retry.
func (r *OKX_LIQ_Reader) run(ctx context.Context, opened func()) error {
	log := r.log.WithComponent("okx_liq_reader").WithFields(logger.Fields{
		"worker": "liquidation_orders_stream",
	})

	cfg := r.config.Source.Okx.Future.Liquidation
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		baseURL = defaultPublicURL
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, baseURL, nil)
	if err != nil {
		return fmt.Errorf("dial okx liquidation websocket: %w", err)
	}

	subMsg := map[string]any{
		"op": "subscribe",
		"args": []map[string]string{
			{
				"channel":  "liquidation-orders",
				"instType": "SWAP",
			},
		},
	}
	if err := c.WriteJSON(subMsg); err != nil {
		_ = c.Close()
		return fmt.Errorf("send okx liquidation subscription: %w", err)
	}

	c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	log.Info("okx liquidation stream subscribed")
	opened()

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
				log.Info("okx liquidation stream closed")
				return ctx.Err()
			}
			return fmt.Errorf("okx liquidation stream read failed: %w", err)
		}

		// filter subscribe acks and foreign channels
		var probe struct {
			Arg struct {
				Channel  string `json:"channel"`
				InstType string `json:"instType"`
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
		if probe.Arg.Channel != "liquidation-orders" || probe.Arg.InstType != "SWAP" {
			continue
		}

		r.forwardMessage(ctx, msg, log)
	}
}

func (r *OKX_LIQ_Reader) forwardMessage(ctx context.Context, payload []byte, log *logger.Entry) {
	data := append([]byte(nil), payload...)

	msg := model.RawLiquidationMessage{
		Exchange:  model.ExchangeOKX,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if r.channels.SendRaw(ctx, msg) {
		logger.IncrementLiquidationRead(len(payload))
	} else if ctx.Err() != nil {
		return
	} else {
		metrics.EmitDropMetric(r.log, metrics.DropMetricLiquidationRaw, model.ExchangeOKX, "liquidation", "", "raw")
		log.Warn("dropping liquidation, raw channel full")
	}
}
