package conn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "orderflow/config"
	"orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/logger"
)

// State describes the lifecycle of a supervised stream connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

var errStreamClosed = errors.New("stream closed")

// Spec describes one upstream stream. Run must block until the stream dies or
// ctx is cancelled, and must call opened exactly once per successful session
// as soon as the subscription is live.
type Spec struct {
	Exchange string
	Stream   string
	Run      func(ctx context.Context, opened func()) error
}

// connection is the per-stream supervision state: the failure counter lives in
// its backoff, the next retry time and cancel handle live here.
type connection struct {
	spec   Spec
	cancel context.CancelFunc

	mu          sync.RWMutex
	state       State
	attempts    int
	lastErr     error
	connectedAt time.Time
	nextRetry   time.Time
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s != StateReconnecting {
		c.nextRetry = time.Time{}
	}
	c.mu.Unlock()
}

func (c *connection) markConnected(now time.Time) {
	c.mu.Lock()
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.connectedAt = now
	c.nextRetry = time.Time{}
	c.mu.Unlock()
}

func (c *connection) markRetry(err error, attempts int, next time.Time) {
	c.mu.Lock()
	c.state = StateReconnecting
	c.lastErr = err
	c.attempts = attempts
	c.nextRetry = next
	c.mu.Unlock()
}

func (c *connection) markFailed(err error, attempts int) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.attempts = attempts
	c.nextRetry = time.Time{}
	c.mu.Unlock()
}

func (c *connection) status() model.SourceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := model.SourceStatus{
		Exchange: c.spec.Exchange,
		Channel:  c.spec.Stream,
		State:    string(c.state),
		Attempts: c.attempts,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if !c.connectedAt.IsZero() {
		s.ConnectedMs = c.connectedAt.UnixMilli()
	}
	if !c.nextRetry.IsZero() {
		s.NextRetryMs = c.nextRetry.UnixMilli()
	}
	return s
}

// Manager supervises every upstream stream independently. A stream that dies
// is reconnected with exponential backoff; a stream that exhausts its failure
// budget is marked failed and left alone while the rest keep running.
type Manager struct {
	config *appconfig.Config
	log    *logger.Log

	mu    sync.RWMutex
	conns map[string]*connection
	wg    sync.WaitGroup

	now func() time.Time
}

func NewManager(cfg *appconfig.Config) *Manager {
	return &Manager{
		config: cfg,
		log:    logger.GetLogger(),
		conns:  make(map[string]*connection),
		now:    time.Now,
	}
}

func connKey(exchange, stream string) string {
	return exchange + "/" + stream
}

// Connect registers the stream and starts supervising it. Registering the
// same exchange/stream pair twice is an error.
func (m *Manager) Connect(ctx context.Context, spec Spec) error {
	if spec.Run == nil {
		return fmt.Errorf("conn: spec for %s/%s has no run function", spec.Exchange, spec.Stream)
	}

	key := connKey(spec.Exchange, spec.Stream)

	m.mu.Lock()
	if _, exists := m.conns[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("conn: %s already registered", key)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{spec: spec, cancel: cancel, state: StateConnecting}
	m.conns[key] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise(connCtx, c)

	return nil
}

// Disconnect cancels a single stream without touching the others.
func (m *Manager) Disconnect(exchange, stream string) {
	m.mu.RLock()
	c, ok := m.conns[connKey(exchange, stream)]
	m.mu.RUnlock()
	if ok {
		c.cancel()
	}
}

// Shutdown cancels every stream and waits for the supervisors to exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	for _, c := range m.conns {
		c.cancel()
	}
	m.mu.RUnlock()
	m.wg.Wait()
}

// Statuses returns the current state of every registered stream, ordered by
// exchange then stream name.
func (m *Manager) Statuses() []model.SourceStatus {
	m.mu.RLock()
	statuses := make([]model.SourceStatus, 0, len(m.conns))
	for _, c := range m.conns {
		statuses = append(statuses, c.status())
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Exchange != statuses[j].Exchange {
			return statuses[i].Exchange < statuses[j].Exchange
		}
		return statuses[i].Channel < statuses[j].Channel
	})
	return statuses
}

func (m *Manager) supervise(ctx context.Context, c *connection) {
	defer m.wg.Done()

	backoff := NewBackoff(
		time.Duration(m.config.Connection.BaseBackoffMs)*time.Millisecond,
		time.Duration(m.config.Connection.MaxBackoffMs)*time.Millisecond,
		m.config.Connection.MaxAttempts,
	)

	log := m.log.WithComponent("conn_manager").WithFields(logger.Fields{
		"exchange": c.spec.Exchange,
		"stream":   c.spec.Stream,
	})

	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			log.Info("stream supervision stopped")
			return
		}
		c.setState(StateConnecting)

		opened := func() {
			backoff.Reset()
			c.markConnected(m.now())
			log.Info("stream connected")
		}

		err := c.spec.Run(ctx, opened)
		if ctx.Err() != nil {
			c.setState(StateStopped)
			log.Info("stream supervision stopped")
			return
		}
		if err == nil {
			err = errStreamClosed
		}

		delay, retry := backoff.Next()
		if !retry {
			c.markFailed(err, backoff.Attempts())
			log.WithError(err).WithFields(logger.Fields{
				"attempts": backoff.Attempts(),
			}).Error("stream abandoned after repeated failures")
			metrics.IncrementConnectionFailure(c.spec.Exchange, c.spec.Stream)
			metrics.EmitMetric(m.log, "conn_manager", "stream_permanent_failures", 1, "counter", logger.Fields{
				"exchange": c.spec.Exchange,
				"stream":   c.spec.Stream,
			})
			return
		}

		c.markRetry(err, backoff.Attempts(), m.now().Add(delay))
		log.WithError(err).WithFields(logger.Fields{
			"attempt":     backoff.Attempts(),
			"retry_in_ms": delay.Milliseconds(),
		}).Warn("stream disconnected; reconnecting")
		metrics.IncrementReconnect(c.spec.Exchange, c.spec.Stream)

		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return
		case <-time.After(delay):
		}
	}
}
