package cascade

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/model"
	"orderflow/logger"
)

const (
	DefaultThresholdUSD = 10_000_000
	DefaultWindow       = 300 * time.Second

	severityModerateUSD = 25_000_000
	severityMajorUSD    = 50_000_000
	severityExtremeUSD  = 100_000_000
)

// Detector accumulates same-side liquidation notional and emits severity
// graded cascade events. An accumulation ends when its window elapses or the
// side flips; a flip seeds a new accumulation from the incoming liquidation.
// The detector is owned by the engine goroutine and is not safe for
// concurrent use.
type Detector struct {
	thresholdUSD float64
	windowMs     int64

	active      bool
	id          string
	side        model.LiquidationSide
	accumulated float64
	count       int
	exchanges   map[string]struct{}
	startMs     int64
	emittedRank int

	log   *logger.Log
	newID func() string
}

// NewDetector builds a detector. Non-positive parameters fall back to the
// 10M USD threshold and 300s window.
func NewDetector(thresholdUSD float64, window time.Duration) *Detector {
	if thresholdUSD <= 0 {
		thresholdUSD = DefaultThresholdUSD
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{
		thresholdUSD: thresholdUSD,
		windowMs:     window.Milliseconds(),
		log:          logger.GetLogger(),
		newID:        uuid.NewString,
	}
}

// Observe feeds one liquidation through the state machine. It returns a
// cascade event when the accumulation first exceeds the threshold and again
// on every severity escalation, nil otherwise.
func (d *Detector) Observe(l model.Liquidation) *model.CascadeEvent {
	if l.Notional <= 0 {
		return nil
	}

	if d.active && l.TimestampMs-d.startMs >= d.windowMs {
		d.reset()
	}
	if d.active && l.Side != d.side {
		d.reset()
	}

	if !d.active {
		d.seed(l)
	} else {
		d.accumulated += l.Notional
		d.count++
		d.exchanges[l.Exchange] = struct{}{}
	}

	if d.accumulated <= d.thresholdUSD {
		return nil
	}
	severity := severityFor(d.accumulated)
	rank := model.SeverityRank(severity)
	if rank <= d.emittedRank {
		return nil
	}
	d.emittedRank = rank

	event := &model.CascadeEvent{
		ID:             d.id,
		Side:           d.side,
		AccumulatedUSD: d.accumulated,
		Severity:       severity,
		Exchanges:      d.exchangeList(),
		Count:          d.count,
		StartTimeMs:    d.startMs,
		TimestampMs:    l.TimestampMs,
	}
	d.log.WithComponent("cascade_detector").WithFields(logger.Fields{
		"cascade_id":      event.ID,
		"side":            string(event.Side),
		"severity":        string(event.Severity),
		"accumulated_usd": event.AccumulatedUSD,
		"liquidations":    event.Count,
	}).Warn("liquidation cascade detected")
	return event
}

// State reports the live accumulation for snapshots. An accumulation whose
// window has elapsed reads as inactive.
func (d *Detector) State(nowMs int64) model.CascadeState {
	if !d.active || nowMs-d.startMs >= d.windowMs {
		return model.CascadeState{}
	}
	return model.CascadeState{
		Active:         true,
		Side:           d.side,
		AccumulatedUSD: d.accumulated,
		Count:          d.count,
		StartTimeMs:    d.startMs,
	}
}

func (d *Detector) seed(l model.Liquidation) {
	d.active = true
	d.id = d.newID()
	d.side = l.Side
	d.accumulated = l.Notional
	d.count = 1
	d.exchanges = map[string]struct{}{l.Exchange: {}}
	d.startMs = l.TimestampMs
	d.emittedRank = 0
}

func (d *Detector) reset() {
	d.active = false
	d.id = ""
	d.accumulated = 0
	d.count = 0
	d.exchanges = nil
	d.startMs = 0
	d.emittedRank = 0
}

func (d *Detector) exchangeList() []string {
	out := make([]string, 0, len(d.exchanges))
	for exchange := range d.exchanges {
		out = append(out, exchange)
	}
	sort.Strings(out)
	return out
}

func severityFor(usd float64) model.CascadeSeverity {
	switch {
	case usd > severityExtremeUSD:
		return model.SeverityExtreme
	case usd > severityMajorUSD:
		return model.SeverityMajor
	case usd > severityModerateUSD:
		return model.SeverityModerate
	default:
		return model.SeverityMinor
	}
}
