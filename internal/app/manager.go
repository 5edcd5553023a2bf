package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/app/signaling"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/events"
	"github.com/dkeye/onair/internal/metrics"
)

const (
	DefaultGraceWindow   = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Reconnector schedules the next reconnect of a dropped connection. It must
// return without waiting.
type Reconnector interface {
	AttemptReconnect(conn domain.SignalingConnection)
}

type Options struct {
	GraceWindow   time.Duration
	CallTimeout   time.Duration
	SweepInterval time.Duration
	RateLimit     int
	RateWindow    time.Duration
	MaxAttempts   int
	Ramp          time.Duration
	Now           func() time.Time
}

type Deps struct {
	Events    events.Publisher
	Mixer     core.MixerBackend
	Messenger core.Messenger
	Validator signaling.Validator
	Metrics   *metrics.Collectors
}

// Manager is the session manager: it owns one Room per live broadcast and
// routes every command to the room's lock. The map lock only guards lookup.
type Manager struct {
	mu    sync.RWMutex
	rooms map[domain.BroadcastID]*Room

	pub       events.Publisher
	mixer     core.MixerBackend
	msgr      core.Messenger
	validator signaling.Validator
	metrics   *metrics.Collectors
	opts      Options
	logger    zerolog.Logger

	rcMu sync.RWMutex
	rc   Reconnector
}

func NewManager(deps Deps, opts Options) *Manager {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	return &Manager{
		rooms:     make(map[domain.BroadcastID]*Room),
		pub:       deps.Events,
		mixer:     deps.Mixer,
		msgr:      deps.Messenger,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		opts:      opts,
		logger:    log.With().Str("module", "app.session").Logger(),
	}
}

// SetReconnector wires the quality monitor in after both sides exist.
func (m *Manager) SetReconnector(rc Reconnector) {
	m.rcMu.Lock()
	m.rc = rc
	m.rcMu.Unlock()
}

func (m *Manager) reconnector() Reconnector {
	m.rcMu.RLock()
	defer m.rcMu.RUnlock()
	return m.rc
}

func (m *Manager) lookup(b domain.BroadcastID) (*Room, error) {
	m.mu.RLock()
	r, ok := m.rooms[b]
	m.mu.RUnlock()
	if !ok || r.closed.Load() {
		return nil, fmt.Errorf("session %s: %w", b, domain.ErrNotFound)
	}
	return r, nil
}

// forget drops an ended room from the index.
func (m *Manager) forget(r *Room) {
	m.mu.Lock()
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
	m.mu.Unlock()
}

// withRoom runs fn under the room lock. A room that ended meanwhile is
// reported as not found; one that ended inside fn is unindexed afterwards.
func withRoom[T any](m *Manager, b domain.BroadcastID, fn func(r *Room) (T, error)) (T, error) {
	var zero T
	r, err := m.lookup(b)
	if err != nil {
		return zero, err
	}
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return zero, fmt.Errorf("session %s: %w", b, domain.ErrNotFound)
	}
	out, err := fn(r)
	ended := r.closed.Load()
	r.mu.Unlock()
	if ended {
		m.forget(r)
	}
	return out, err
}

func (m *Manager) snapshot() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// CreateSession opens a broadcast and attaches the broadcaster's host source.
// A second create for a running broadcast fails with ErrAlreadyLive unless it
// comes from the same broadcaster before the session went live, which is
// treated as a retry.
func (m *Manager) CreateSession(b domain.BroadcastID, broadcaster domain.User) (domain.BroadcastSession, error) {
	if b == "" || broadcaster.ID == "" {
		return domain.BroadcastSession{}, fmt.Errorf("create session: %w", domain.ErrEmptyID)
	}

	m.mu.Lock()
	if existing, ok := m.rooms[b]; ok && !existing.closed.Load() {
		m.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.session.State == domain.SessionCreated && existing.broadcaster == broadcaster.ID {
			return existing.session, nil
		}
		return existing.session, fmt.Errorf("create session %s: %w", b, domain.ErrAlreadyLive)
	}

	r := newRoom(m, b, broadcaster)
	prio := domain.PriorityHost
	host, err := r.bridge.Add(domain.SourceSpec{
		ID:       domain.SourceID("host:" + string(broadcaster.ID)),
		Type:     domain.SourceHost,
		Name:     broadcaster.Username,
		Priority: &prio,
		Owner:    broadcaster.ID,
	})
	if err != nil {
		m.mu.Unlock()
		return domain.BroadcastSession{}, err
	}
	r.session.HostSourceID = host
	r.lastMix = []domain.SourceID{host}
	// Nobody can reach r before it is indexed, so holding both is safe here.
	r.mu.Lock()
	defer r.mu.Unlock()
	m.rooms[b] = r
	m.mu.Unlock()

	m.metrics.SessionStarted()
	r.emit(events.SessionCreated, events.SessionPayload{Broadcaster: broadcaster.ID})
	r.logger.Info().Str("broadcaster", string(broadcaster.ID)).Str("host", string(host)).Msg("session created")
	return r.session, nil
}

// EndSession cascades teardown to the bridge, the queue and every
// connection. By the time it returns no further event for b is published.
func (m *Manager) EndSession(b domain.BroadcastID, reason string) error {
	if reason == "" {
		reason = domain.ReasonBroadcastEnded
	}
	_, err := withRoom(m, b, func(r *Room) (struct{}, error) {
		r.end(reason)
		return struct{}{}, nil
	})
	return err
}

func (m *Manager) GetSession(b domain.BroadcastID) (domain.SessionInfo, error) {
	return withRoom(m, b, func(r *Room) (domain.SessionInfo, error) {
		return r.info(), nil
	})
}

// Session returns the full session record.
func (m *Manager) Session(b domain.BroadcastID) (domain.BroadcastSession, error) {
	return withRoom(m, b, func(r *Room) (domain.BroadcastSession, error) {
		return r.session, nil
	})
}

// ListSessions snapshots every running session, each under its own lock,
// oldest first.
func (m *Manager) ListSessions() []domain.SessionInfo {
	out := make([]domain.SessionInfo, 0)
	for _, r := range m.snapshot() {
		r.mu.Lock()
		if !r.closed.Load() {
			out = append(out, r.info())
		}
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.SessionInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

func compareIDs(a, b domain.BroadcastID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Shutdown ends every session.
func (m *Manager) Shutdown(reason string) {
	for _, r := range m.snapshot() {
		_ = m.EndSession(r.id, reason)
	}
}

func (m *Manager) AttachListener(b domain.BroadcastID, peer domain.UserID) (domain.SessionInfo, error) {
	if peer == "" {
		return domain.SessionInfo{}, fmt.Errorf("attach listener: %w", domain.ErrEmptyID)
	}
	return withRoom(m, b, func(r *Room) (domain.SessionInfo, error) {
		if peer == r.broadcaster {
			return r.info(), fmt.Errorf("attach broadcaster as listener: %w", domain.ErrInvalidState)
		}
		r.attach(peer)
		return r.info(), nil
	})
}

// DetachListener removes peer along with its connection and any open call.
func (m *Manager) DetachListener(b domain.BroadcastID, peer domain.UserID) error {
	_, err := withRoom(m, b, func(r *Room) (struct{}, error) {
		if _, ok := r.listeners[peer]; !ok {
			return struct{}{}, fmt.Errorf("detach %s: %w", peer, domain.ErrNotFound)
		}
		r.detach(peer, domain.ReasonLeft)
		return struct{}{}, nil
	})
	return err
}

// BroadcasterGone starts the grace window after the broadcaster's control
// channel dropped. The session ends unless BroadcasterBack comes first.
func (m *Manager) BroadcasterGone(b domain.BroadcastID) error {
	_, err := withRoom(m, b, func(r *Room) (struct{}, error) {
		if r.grace != nil {
			return struct{}{}, nil
		}
		var t *time.Timer
		t = time.AfterFunc(m.opts.GraceWindow, func() {
			r.mu.Lock()
			fire := r.grace == t && !r.closed.Load()
			if fire {
				r.grace = nil
				r.end(domain.ReasonBroadcasterGone)
			}
			r.mu.Unlock()
			if fire {
				m.forget(r)
			}
		})
		r.grace = t
		r.logger.Info().Dur("grace", m.opts.GraceWindow).Msg("broadcaster gone, grace window started")
		return struct{}{}, nil
	})
	return err
}

func (m *Manager) BroadcasterBack(b domain.BroadcastID) error {
	_, err := withRoom(m, b, func(r *Room) (struct{}, error) {
		if r.grace == nil {
			return struct{}{}, nil
		}
		r.grace.Stop()
		r.grace = nil
		r.logger.Info().Msg("broadcaster back within grace window")
		return struct{}{}, nil
	})
	return err
}

// Sweep times out stale call requests of every session.
func (m *Manager) Sweep(now time.Time) int {
	n := 0
	for _, r := range m.snapshot() {
		r.mu.Lock()
		if !r.closed.Load() {
			for _, call := range r.queue.Sweep(now) {
				r.notifyCall(call)
				n++
			}
		}
		r.mu.Unlock()
	}
	return n
}

// Run sweeps on SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := m.Sweep(m.opts.Now()); n > 0 {
				m.logger.Info().Int("timed_out", n).Msg("call requests expired")
			}
		}
	}
}
