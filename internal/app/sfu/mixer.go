// Package sfu is the server-side mixing backend: it forwards the RTP of the
// bridge's ordered active sources to every listener of a broadcast.
//
// Each listener holds a fixed number of output slots. Slot i carries the
// i-th active source; sources beyond the slot count are shed, lowest
// priority first, since the bridge order already ranks them.
package sfu

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/domain"
)

const DefaultMaxForwarded = 8

type mixRoom struct {
	relays    map[domain.UserID]*Relay
	listeners map[domain.UserID][]*OutTrack
	order     []domain.AudioSource
	gains     map[domain.SourceID]domain.GainRamp
}

func (r *mixRoom) empty() bool {
	return len(r.relays) == 0 && len(r.listeners) == 0 && len(r.order) == 0
}

// Mixer implements core.MixerBackend.
type Mixer struct {
	maxForwarded int
	now          func() time.Time

	mu    sync.Mutex
	rooms map[domain.BroadcastID]*mixRoom
}

func NewMixer(maxForwarded int) *Mixer {
	if maxForwarded <= 0 {
		maxForwarded = DefaultMaxForwarded
	}
	return &Mixer{
		maxForwarded: maxForwarded,
		now:          time.Now,
		rooms:        make(map[domain.BroadcastID]*mixRoom),
	}
}

func (m *Mixer) Slots() int { return m.maxForwarded }

// room returns the state of b, creating it when create is set. Callers hold mu.
func (m *Mixer) room(b domain.BroadcastID, create bool) *mixRoom {
	r, ok := m.rooms[b]
	if !ok && create {
		r = &mixRoom{
			relays:    make(map[domain.UserID]*Relay),
			listeners: make(map[domain.UserID][]*OutTrack),
			gains:     make(map[domain.SourceID]domain.GainRamp),
		}
		m.rooms[b] = r
	}
	return r
}

func (m *Mixer) gc(b domain.BroadcastID) {
	if r, ok := m.rooms[b]; ok && r.empty() {
		delete(m.rooms, b)
	}
}

// SetActiveSources takes the ordered active set of b and maps it onto slots.
func (m *Mixer) SetActiveSources(b domain.BroadcastID, ordered []domain.AudioSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(b, true)
	if len(ordered) > m.maxForwarded {
		shed := ordered[m.maxForwarded:]
		for _, s := range shed {
			log.Debug().Str("module", "sfu").Str("broadcast", string(b)).Str("source", string(s.ID)).Msg("source shed")
		}
		ordered = ordered[:m.maxForwarded]
	}
	r.order = append([]domain.AudioSource(nil), ordered...)
	m.assign(r)
	m.gc(b)
}

func (m *Mixer) SetGain(b domain.BroadcastID, id domain.SourceID, ramp domain.GainRamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.room(b, true).gains[id] = ramp
}

func (m *Mixer) DropSource(b domain.BroadcastID, id domain.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.room(b, false); r != nil {
		delete(r.gains, id)
		m.gc(b)
	}
}

// Gain reports the gain the mix applies to a source right now.
func (m *Mixer) Gain(b domain.BroadcastID, id domain.SourceID) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(b, false)
	if r == nil {
		return 0, false
	}
	g, ok := r.gains[id]
	if !ok {
		return 0, false
	}
	return g.At(m.now()), true
}

// Forwarded lists the owners currently holding a slot, in slot order.
func (m *Mixer) Forwarded(b domain.BroadcastID) []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(b, false)
	if r == nil {
		return nil
	}
	out := make([]domain.UserID, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, s.Owner)
	}
	return out
}

// assign points every relay at its slot and idles the unused slots.
// Callers hold mu.
func (m *Mixer) assign(r *mixRoom) {
	used := make(map[domain.UserID]bool, len(r.order))
	live := make([]bool, m.maxForwarded)
	for i, src := range r.order {
		relay, ok := r.relays[src.Owner]
		if !ok || used[src.Owner] {
			continue
		}
		used[src.Owner] = true
		live[i] = true
		out := make(map[domain.UserID]*OutTrack, len(r.listeners))
		for peer, slots := range r.listeners {
			if peer != src.Owner {
				out[peer] = slots[i]
			}
		}
		relay.setOutTracks(out)
	}
	for owner, relay := range r.relays {
		if !used[owner] {
			relay.setOutTracks(nil)
		}
	}
	for _, slots := range r.listeners {
		for i, ot := range slots {
			if live[i] {
				ot.MarkOk()
			} else {
				ot.MarkMuted()
			}
		}
	}
}

// Publish starts forwarding the upstream track of owner.
func (m *Mixer) Publish(ctx context.Context, b domain.BroadcastID, owner domain.UserID, src RTPReader) {
	logger := log.With().
		Str("module", "sfu").
		Str("broadcast", string(b)).
		Str("owner", string(owner)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(owner, src, cancel)

	m.mu.Lock()
	r := m.room(b, true)
	if old, ok := r.relays[owner]; ok {
		logger.Info().Msg("replacing existing relay")
		old.stop()
	}
	r.relays[owner] = relay
	m.assign(r)
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
}

func (m *Mixer) Unpublish(b domain.BroadcastID, owner domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(b, false)
	if r == nil {
		return
	}
	if relay, ok := r.relays[owner]; ok {
		relay.stop()
		delete(r.relays, owner)
		m.assign(r)
	}
	m.gc(b)
}

// Subscribe registers a listener with one writer per slot.
func (m *Mixer) Subscribe(b domain.BroadcastID, peer domain.UserID, slots []RTPWriter) {
	outs := make([]*OutTrack, m.maxForwarded)
	for i := range outs {
		var w RTPWriter = discard{}
		if i < len(slots) && slots[i] != nil {
			w = slots[i]
		}
		outs[i] = NewOutTrack(w)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(b, true)
	if old, ok := r.listeners[peer]; ok {
		for _, ot := range old {
			ot.MarkDelete()
		}
	}
	r.listeners[peer] = outs
	m.assign(r)
}

func (m *Mixer) Unsubscribe(b domain.BroadcastID, peer domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(b, false)
	if r == nil {
		return
	}
	if slots, ok := r.listeners[peer]; ok {
		for _, ot := range slots {
			ot.MarkDelete()
		}
		delete(r.listeners, peer)
	}
	m.gc(b)
}

// UpstreamBitrate reports the payload bitrate received from owner.
func (m *Mixer) UpstreamBitrate(b domain.BroadcastID, owner domain.UserID) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(b, false)
	if r == nil {
		return 0, false
	}
	relay, ok := r.relays[owner]
	if !ok {
		return 0, false
	}
	return relay.Bitrate(m.now()), true
}
