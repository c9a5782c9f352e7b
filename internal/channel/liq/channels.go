// Package liq carries raw liquidation messages from exchange readers to the
// liquidation processor pool.
package liq

import (
	"context"
	"sync/atomic"

	"orderflow/internal/model"
	"orderflow/logger"
)

// ChannelStats is a point-in-time copy of the send counters.
type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels owns the buffered raw liquidation channel. Producers never block:
// when the buffer is full the message is counted as dropped instead.
type Channels struct {
	Raw chan model.RawLiquidationMessage

	rawSent    atomic.Int64
	rawDropped atomic.Int64
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	c := &Channels{
		Raw: make(chan model.RawLiquidationMessage, rawBufferSize),
		log: logger.GetLogger(),
	}

	c.log.WithComponent("liq_channels").WithFields(logger.Fields{
		"buffer": rawBufferSize,
	}).Info("liquidation raw channel ready")

	return c
}

// SendRaw offers msg to the raw channel without blocking. It reports whether
// the message was accepted; a full buffer or cancelled context drops it.
func (c *Channels) SendRaw(ctx context.Context, msg model.RawLiquidationMessage) bool {
	select {
	case c.Raw <- msg:
		c.rawSent.Add(1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.rawDropped.Add(1)
		return false
	}
}

// Stats returns a copy of the send counters.
func (c *Channels) Stats() ChannelStats {
	return ChannelStats{
		RawSent:    c.rawSent.Load(),
		RawDropped: c.rawDropped.Load(),
	}
}

func (c *Channels) Close() {
	close(c.Raw)
	c.log.WithComponent("liq_channels").Info("liquidation raw channel closed")
}
