package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	"orderflow/internal/broadcast"
	"orderflow/internal/model"
	"orderflow/logger"
)

// Component weights sum to 1 so the combined score stays inside -100..100.
const (
	weightPressure  = 0.35
	weightCVD       = 0.30
	weightCascade   = 0.20
	weightDominance = 0.15

	cvdTrendReasonPct = 25
	dominanceFloorPct = 60
	cascadeDecayMs    = 300_000

	biasGate = 20
)

// Bias is the directional lean of a signal.
type Bias string

const (
	BiasLong    Bias = "long"
	BiasShort   Bias = "short"
	BiasNeutral Bias = "neutral"
)

// Signal is one confluence read over a snapshot. Positive scores lean long.
type Signal struct {
	TimestampMs int64    `json:"timestamp_ms"`
	Symbol      string   `json:"symbol"`
	Score       float64  `json:"score"`
	Bias        Bias     `json:"bias"`
	Reasons     []string `json:"reasons"`
}

// Generator subscribes to the broadcast stream and keeps a tactical signal
// current. Scoring folds market pressure, the CVD trend, cascade recency and
// venue flow concentration into one directional score.
type Generator struct {
	broadcaster *broadcast.Broadcaster
	log         *logger.Log

	mu          sync.RWMutex
	latest      *Signal
	lastBias    Bias
	lastCascade *model.CascadeEvent

	sub     *broadcast.Subscription
	wg      sync.WaitGroup
	running bool
}

// NewGenerator builds a generator over the given broadcaster.
func NewGenerator(b *broadcast.Broadcaster) *Generator {
	return &Generator{
		broadcaster: b,
		log:         logger.GetLogger(),
		lastBias:    BiasNeutral,
	}
}

// Start subscribes to the broadcaster and begins scoring snapshots.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("signal generator already running")
	}
	g.running = true
	g.sub = g.broadcaster.Subscribe("signal")
	g.mu.Unlock()

	g.log.WithComponent("signal").WithFields(logger.Fields{"operation": "start"}).Info("starting signal generator")

	g.wg.Add(1)
	go g.run(ctx)
	return nil
}

// Stop detaches from the broadcaster and waits for the loop to exit.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	sub := g.sub
	g.mu.Unlock()

	g.broadcaster.Unsubscribe(sub)
	g.wg.Wait()
	g.log.WithComponent("signal").Info("signal generator stopped")
}

// Latest returns the most recent signal, nil before the first snapshot.
func (g *Generator) Latest() *Signal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latest
}

func (g *Generator) run(ctx context.Context) {
	defer g.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-g.sub.Snapshots():
			if !ok {
				return
			}
			g.evaluate(snap)
		case ev, ok := <-g.sub.Events():
			if !ok {
				return
			}
			g.observeEvent(ev)
		}
	}
}

// observeEvent remembers cascade emissions so their influence can decay
// between snapshots.
func (g *Generator) observeEvent(ev broadcast.Event) {
	if ev.Type != broadcast.EventCascade || ev.Cascade == nil {
		return
	}
	g.mu.Lock()
	g.lastCascade = ev.Cascade
	g.mu.Unlock()
}

// evaluate scores one snapshot and publishes it as the latest signal.
func (g *Generator) evaluate(snap *model.Snapshot) *Signal {
	reasons := make([]string, 0, 4)

	pressure := pressureScore(snap, &reasons)
	cvd := cvdTrendScore(snap, &reasons)
	cascade := g.cascadeScore(snap.TimestampMs, &reasons)
	dominance := dominanceScore(snap, &reasons)

	score := clampScore(weightPressure*pressure + weightCVD*cvd + weightCascade*cascade + weightDominance*dominance)
	bias := biasFor(score)

	sig := &Signal{
		TimestampMs: snap.TimestampMs,
		Symbol:      snap.Symbol,
		Score:       score,
		Bias:        bias,
		Reasons:     reasons,
	}

	g.mu.Lock()
	previous := g.lastBias
	g.lastBias = bias
	g.latest = sig
	g.mu.Unlock()

	if bias != previous {
		g.log.WithComponent("signal").WithFields(logger.Fields{
			"from":    string(previous),
			"to":      string(bias),
			"score":   score,
			"reasons": reasons,
		}).Info("signal bias changed")
	}
	return sig
}

// pressureScore maps net window pressure straight onto the score axis.
func pressureScore(snap *model.Snapshot, reasons *[]string) float64 {
	p := snap.Pressure
	if p.DominantSide != model.DominantNeutral {
		*reasons = append(*reasons, fmt.Sprintf("%s %s pressure (%.1f%% buy)", p.Strength, p.DominantSide, p.BuyPressurePct))
	}
	return clampScore(p.NetPressurePct)
}

// cvdTrendScore compares the cumulative delta across the history window,
// normalized by window volume.
func cvdTrendScore(snap *model.Snapshot, reasons *[]string) float64 {
	history := snap.CVDHistory
	if len(history) < 2 || snap.TotalVolume <= 0 {
		return 0
	}
	diff := history[len(history)-1].CumulativeDelta - history[0].CumulativeDelta
	raw := clampScore(100 * diff / snap.TotalVolume)
	if raw >= cvdTrendReasonPct {
		*reasons = append(*reasons, "cvd rising")
	} else if raw <= -cvdTrendReasonPct {
		*reasons = append(*reasons, "cvd falling")
	}
	return raw
}

// cascadeScore leans with the forced flow: a long cascade is sell pressure.
// The contribution fades linearly over five minutes.
func (g *Generator) cascadeScore(nowMs int64, reasons *[]string) float64 {
	g.mu.RLock()
	ev := g.lastCascade
	g.mu.RUnlock()
	if ev == nil {
		return 0
	}

	age := nowMs - ev.TimestampMs
	if age < 0 {
		age = 0
	}
	if age >= cascadeDecayMs {
		return 0
	}

	base := float64(0)
	switch ev.Severity {
	case model.SeverityMinor:
		base = 40
	case model.SeverityModerate:
		base = 60
	case model.SeverityMajor:
		base = 80
	case model.SeverityExtreme:
		base = 100
	}
	if ev.Side == model.SideLong {
		base = -base
	}

	*reasons = append(*reasons, fmt.Sprintf("%s cascade (%s)", ev.Side, ev.Severity))
	return base * (1 - float64(age)/float64(cascadeDecayMs))
}

// dominanceScore rewards confluence when a single venue carries most of the
// window flow and its net flow picks a direction.
func dominanceScore(snap *model.Snapshot, reasons *[]string) float64 {
	if len(snap.Flows) == 0 {
		return 0
	}
	top := snap.Flows[0]
	if top.DominancePct <= dominanceFloorPct || top.NetFlow == 0 {
		return 0
	}

	magnitude := (top.DominancePct - dominanceFloorPct) / (100 - dominanceFloorPct) * 100
	if top.NetFlow < 0 {
		magnitude = -magnitude
	}
	*reasons = append(*reasons, fmt.Sprintf("%s carries %.0f%% of window flow", top.Exchange, top.DominancePct))
	return clampScore(magnitude)
}

func biasFor(score float64) Bias {
	switch {
	case score > biasGate:
		return BiasLong
	case score < -biasGate:
		return BiasShort
	default:
		return BiasNeutral
	}
}

func clampScore(v float64) float64 {
	return math.Max(-100, math.Min(100, v))
}
