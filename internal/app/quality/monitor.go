// Package quality samples transport metrics of every connected signaling
// connection and drives bounded reconnects of dropped ones.
package quality

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/metrics"
)

const (
	DefaultPeriod             = 3 * time.Second
	DefaultWorkers            = 8
	DefaultNegotiationTimeout = 10 * time.Second
)

// Connections is the view of the session layer the monitor works against.
// Every method takes the owning session's lock itself; the monitor never
// holds one across a wait.
type Connections interface {
	Connected() []domain.SignalingConnection
	Connection(key domain.ConnKey) (domain.SignalingConnection, bool)
	RecordMetrics(key domain.ConnKey, m domain.Metrics) bool
	BeginReconnect(key domain.ConnKey, gen uint64) (domain.SignalingConnection, error)
	Disconnect(key domain.ConnKey, reason string) (domain.SignalingConnection, error)
}

type Options struct {
	Period             time.Duration
	Workers            int
	Backoff            Backoff
	NegotiationTimeout time.Duration
	Metrics            *metrics.Collectors
}

type Monitor struct {
	conns  Connections
	stats  core.StatsSource
	redial core.Redialer
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	pending map[domain.ConnKey]uint64
}

func New(conns Connections, stats core.StatsSource, redial core.Redialer, opts Options) *Monitor {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		conns:   conns,
		stats:   stats,
		redial:  redial,
		opts:    opts,
		logger:  log.With().Str("module", "app.quality").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[domain.ConnKey]uint64),
	}
}

// Sample reads metrics for one connection and records them. A connection
// that left CONNECTED meanwhile is reported as not found.
func (m *Monitor) Sample(ctx context.Context, key domain.ConnKey) (domain.Metrics, error) {
	got, err := m.stats.Sample(ctx, key)
	if err != nil {
		return domain.Metrics{}, err
	}
	if got.SampledAt.IsZero() {
		got.SampledAt = time.Now()
	}
	if !m.conns.RecordMetrics(key, got) {
		return got, domain.ErrNotFound
	}
	m.opts.Metrics.ObserveQuality(key, got)
	return got, nil
}

// sweep samples every connected connection once, at most Workers at a time.
func (m *Monitor) sweep(ctx context.Context) {
	conns := m.conns.Connected()
	if len(conns) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(m.opts.Workers)
	for _, c := range conns {
		key := c.Key
		p.Go(func() {
			sctx, cancel := context.WithTimeout(ctx, m.opts.Period)
			defer cancel()
			if _, err := m.Sample(sctx, key); err != nil && !errors.Is(err, domain.ErrNotFound) {
				m.logger.Debug().Str("conn", key.String()).Err(err).Msg("sample failed")
			}
		})
	}
	p.Wait()
}

// Run samples on a fixed period until ctx is done, then stops pending
// reconnects and waits for them.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("period", m.opts.Period).Int("workers", m.opts.Workers).Msg("quality monitor started")
	t := time.NewTicker(m.opts.Period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// AttemptReconnect schedules the next reconnect of a DISCONNECTED connection.
// It returns immediately; the backoff wait runs on its own goroutine.
func (m *Monitor) AttemptReconnect(conn domain.SignalingConnection) {
	if conn.State != domain.ConnDisconnected || m.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if gen, ok := m.pending[conn.Key]; ok && gen == conn.Generation {
		m.mu.Unlock()
		return
	}
	m.pending[conn.Key] = conn.Generation
	m.mu.Unlock()

	attempt := conn.Attempts + 1
	delay := m.opts.Backoff.Delay(attempt)
	m.logger.Info().Str("conn", conn.Key.String()).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.wg.Go(func() { m.reconnect(conn.Key, conn.Generation, delay) })
}

func (m *Monitor) reconnect(key domain.ConnKey, gen uint64, delay time.Duration) {
	defer m.clearPending(key, gen)

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(delay):
	}

	conn, err := m.conns.BeginReconnect(key, gen)
	if err != nil {
		// superseded, closed or out of budget meanwhile
		m.logger.Debug().Str("conn", key.String()).Err(err).Msg("reconnect skipped")
		return
	}
	m.opts.Metrics.ReconnectStarted()

	if err := m.redial.Redial(m.ctx, key, conn.Attempts); err != nil {
		m.logger.Warn().Str("conn", key.String()).Int("attempt", conn.Attempts).Err(err).Msg("redial failed")
		m.dropIfCurrent(key, conn.Attempts, conn.Drops, "redial failed")
		return
	}

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.opts.NegotiationTimeout):
	}
	m.dropIfCurrent(key, conn.Attempts, conn.Drops, "negotiation timeout")
}

// dropIfCurrent disconnects the connection again when it is still stuck in
// the negotiation this reconnect attempt started. A peer re-offer within the
// same attempt keeps the attempt count, so it is still covered. A path that
// recovered and dropped again meanwhile has a new drop count.
func (m *Monitor) dropIfCurrent(key domain.ConnKey, attempt int, drops uint64, reason string) {
	cur, ok := m.conns.Connection(key)
	if !ok || cur.Attempts != attempt || cur.Drops != drops || cur.State != domain.ConnNegotiating {
		return
	}
	if _, err := m.conns.Disconnect(key, reason); err != nil {
		m.logger.Debug().Str("conn", key.String()).Err(err).Msg("drop after reconnect failed")
	}
}

func (m *Monitor) clearPending(key domain.ConnKey, gen uint64) {
	m.mu.Lock()
	if m.pending[key] == gen {
		delete(m.pending, key)
	}
	m.mu.Unlock()
}
