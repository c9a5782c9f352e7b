package channel

import "orderflow/internal/model"

// ChannelManager owns the normalized event channels between the processor
// workers and the engine loop.
type ChannelManager struct {
	tradeChan chan model.Trade
	liqChan   chan model.Liquidation
}

func NewChannelManager(tradeBufferSize, liqBufferSize int) *ChannelManager {
	return &ChannelManager{
		tradeChan: make(chan model.Trade, tradeBufferSize),
		liqChan:   make(chan model.Liquidation, liqBufferSize),
	}
}

func (m *ChannelManager) TradeWriter() chan<- model.Trade {
	return m.tradeChan
}

func (m *ChannelManager) TradeReader() <-chan model.Trade {
	return m.tradeChan
}

func (m *ChannelManager) LiquidationWriter() chan<- model.Liquidation {
	return m.liqChan
}

func (m *ChannelManager) LiquidationReader() <-chan model.Liquidation {
	return m.liqChan
}

func (m *ChannelManager) Close() {
	close(m.tradeChan)
	close(m.liqChan)
}
