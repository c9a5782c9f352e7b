// Package channel wires the buffered hand-off points of the pipeline: raw
// per-topic channels feeding the processors and normalized channels feeding
// the engine.
package channel

import (
	"orderflow/internal/channel/liq"
	"orderflow/internal/channel/trade"
)

// Channels groups the raw message channels of both topics.
type Channels struct {
	Trade *trade.Channels
	Liq   *liq.Channels
}

func NewChannels(tradeBufferSize, liqBufferSize int) *Channels {
	return &Channels{
		Trade: trade.NewChannels(tradeBufferSize),
		Liq:   liq.NewChannels(liqBufferSize),
	}
}

func (c *Channels) Close() {
	if c.Trade != nil {
		c.Trade.Close()
	}
	if c.Liq != nil {
		c.Liq.Close()
	}
}
