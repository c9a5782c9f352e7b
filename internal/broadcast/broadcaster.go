package broadcast

import (
	"sync"
	"sync/atomic"

	"orderflow/internal/model"
	"orderflow/logger"
)

const (
	defaultSnapshotBuffer = 16
	defaultEventBuffer    = 64
)

// EventType tags the immediate notifications that ride alongside snapshots.
type EventType string

const (
	EventLargeTrade  EventType = "large_trade"
	EventLiquidation EventType = "liquidation"
	EventCascade     EventType = "cascade"
)

// Event is one immediate notification. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type        EventType           `json:"type"`
	TimestampMs int64               `json:"timestamp_ms"`
	Trade       *model.Trade        `json:"trade,omitempty"`
	Liquidation *model.Liquidation  `json:"liquidation,omitempty"`
	Cascade     *model.CascadeEvent `json:"cascade,omitempty"`
}

// Subscription is one consumer's bounded view of the broadcast stream.
// Consumers read the channels until they are closed by Unsubscribe or Close.
type Subscription struct {
	name      string
	snapshots chan *model.Snapshot
	events    chan Event
	dropped   int64
}

// Snapshots streams the per-second snapshots.
func (s *Subscription) Snapshots() <-chan *model.Snapshot { return s.snapshots }

// Events streams the immediate notifications.
func (s *Subscription) Events() <-chan Event { return s.events }

// Name identifies the subscriber in logs.
func (s *Subscription) Name() string { return s.name }

// Dropped counts deliveries skipped because this subscriber's buffers were
// full.
func (s *Subscription) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

// Broadcaster fans snapshots and events out to subscribers in subscription
// order. Delivery is non-blocking: a full subscriber loses that message and
// the rest still receive it.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	snapshotBuffer int
	eventBuffer    int
	log            *logger.Log
}

// NewBroadcaster builds a broadcaster whose subscriber channels hold the
// given number of buffered entries. Non-positive sizes fall back to defaults.
func NewBroadcaster(snapshotBuffer, eventBuffer int) *Broadcaster {
	if snapshotBuffer <= 0 {
		snapshotBuffer = defaultSnapshotBuffer
	}
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}
	return &Broadcaster{
		snapshotBuffer: snapshotBuffer,
		eventBuffer:    eventBuffer,
		log:            logger.GetLogger(),
	}
}

// Subscribe registers a consumer at the end of the delivery order.
func (b *Broadcaster) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name:      name,
		snapshots: make(chan *model.Snapshot, b.snapshotBuffer),
		events:    make(chan Event, b.eventBuffer),
	}

	b.mu.Lock()
	if b.closed {
		close(sub.snapshots)
		close(sub.events)
	} else {
		b.subs = append(b.subs, sub)
	}
	b.mu.Unlock()

	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"subscriber": name,
	}).Info("subscriber registered")
	return sub
}

// Unsubscribe removes the consumer and closes its channels.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.snapshots)
			close(sub.events)
			break
		}
	}
	b.mu.Unlock()

	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"subscriber": sub.name,
	}).Info("subscriber removed")
}

// PublishSnapshot delivers a snapshot to every subscriber without blocking.
func (b *Broadcaster) PublishSnapshot(snapshot *model.Snapshot) {
	if snapshot == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.snapshots <- snapshot:
		default:
			atomic.AddInt64(&sub.dropped, 1)
			logger.IncrementSubscriberDrop()
			b.log.WithComponent("broadcaster").WithFields(logger.Fields{
				"subscriber": sub.name,
			}).Warn("snapshot buffer full, dropping for subscriber")
		}
	}
	logger.IncrementSnapshotPublish()
}

// PublishEvent delivers an immediate event to every subscriber without
// blocking.
func (b *Broadcaster) PublishEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.events <- event:
		default:
			atomic.AddInt64(&sub.dropped, 1)
			logger.IncrementSubscriberDrop()
			b.log.WithComponent("broadcaster").WithFields(logger.Fields{
				"subscriber": sub.name,
				"event_type": string(event.Type),
			}).Warn("event buffer full, dropping for subscriber")
		}
	}
}

// SubscriberNames lists subscribers in delivery order.
func (b *Broadcaster) SubscriberNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs))
	for _, sub := range b.subs {
		names = append(names, sub.name)
	}
	return names
}

// Close shuts the broadcaster down and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.snapshots)
		close(sub.events)
	}
	b.subs = nil
	b.log.WithComponent("broadcaster").Info("broadcaster closed")
}
