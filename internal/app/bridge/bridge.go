// Package bridge keeps the per-broadcast registry of audio sources and
// derives the ordered active set that the mixing backend must honor.
//
// A Bridge is not safe for concurrent use; the owning room serializes access.
package bridge

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

const DefaultRamp = 30 * time.Millisecond

type Options struct {
	// Ramp is the window over which gain changes are spread.
	Ramp time.Duration
	Now  func() time.Time
}

type Bridge struct {
	broadcast domain.BroadcastID
	mixer     core.MixerBackend
	ramp      time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	sources map[domain.SourceID]*domain.AudioSource
	ramps   map[domain.SourceID]domain.GainRamp
	seq     uint64
	host    domain.SourceID

	// last ordered active IDs handed to the mixer
	pushed []domain.SourceID
}

func New(b domain.BroadcastID, mixer core.MixerBackend, opts Options) *Bridge {
	if mixer == nil {
		mixer = core.NopMixer{}
	}
	if opts.Ramp <= 0 {
		opts.Ramp = DefaultRamp
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		broadcast: b,
		mixer:     mixer,
		ramp:      opts.Ramp,
		now:       opts.Now,
		logger:    log.With().Str("module", "app.bridge").Str("broadcast", string(b)).Logger(),
		sources:   make(map[domain.SourceID]*domain.AudioSource),
		ramps:     make(map[domain.SourceID]domain.GainRamp),
	}
}

// Add registers a source. Volume defaults to 1.0 and priority to 0.
func (b *Bridge) Add(spec domain.SourceSpec) (domain.SourceID, error) {
	if !spec.Type.Valid() {
		return "", fmt.Errorf("add source %q: %w", spec.Type, domain.ErrInvalidSourceType)
	}
	vol := 1.0
	if spec.Volume != nil {
		vol = *spec.Volume
	}
	if !domain.ValidVolume(vol) {
		return "", fmt.Errorf("add source: %w", domain.ErrInvalidVolume)
	}
	prio := domain.PriorityDefault
	if spec.Priority != nil {
		prio = *spec.Priority
	}
	if spec.Type == domain.SourceHost && b.host != "" {
		return "", fmt.Errorf("add source: host %s already attached: %w", b.host, domain.ErrInvalidState)
	}

	id := spec.ID
	if id == "" {
		id = domain.SourceID(uuid.NewString())
	}
	if _, ok := b.sources[id]; ok {
		return "", fmt.Errorf("add source %s: %w", id, domain.ErrInvalidState)
	}

	b.seq++
	src := &domain.AudioSource{
		ID:         id,
		Type:       spec.Type,
		Name:       spec.Name,
		Volume:     vol,
		Muted:      spec.Muted,
		Active:     true,
		Priority:   prio,
		AttachedAt: b.now(),
		Owner:      spec.Owner,
		Feed:       spec.Feed,
	}
	src.SetSeq(b.seq)
	b.sources[id] = src
	if spec.Type == domain.SourceHost {
		b.host = id
	}

	// Fade in from silence.
	b.setRamp(src, 0)
	b.push()

	b.logger.Info().
		Str("source", string(id)).
		Str("type", string(src.Type)).
		Int("priority", prio).
		Float64("volume", vol).
		Msg("source added")
	return id, nil
}

// Remove drops a source. Removing an absent source is not an error. The host
// is only removed by Clear.
func (b *Bridge) Remove(id domain.SourceID) error {
	src, ok := b.sources[id]
	if !ok {
		return nil
	}
	if id == b.host {
		return fmt.Errorf("remove host source %s: %w", id, domain.ErrInvalidState)
	}
	b.drop(src)
	b.push()
	return nil
}

// RemoveOwned removes every non-host source fed by peer.
func (b *Bridge) RemoveOwned(peer domain.UserID) []domain.SourceID {
	var removed []domain.SourceID
	for id, src := range b.sources {
		if src.Owner == peer && id != b.host {
			b.drop(src)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		b.push()
	}
	return removed
}

func (b *Bridge) drop(src *domain.AudioSource) {
	delete(b.sources, src.ID)
	delete(b.ramps, src.ID)
	b.mixer.DropSource(b.broadcast, src.ID)
	b.logger.Info().Str("source", string(src.ID)).Str("type", string(src.Type)).Msg("source removed")
}

// Update applies only the provided fields. Gain changes are ramped.
func (b *Bridge) Update(id domain.SourceID, upd domain.SourceUpdate) (domain.AudioSource, error) {
	src, ok := b.sources[id]
	if !ok {
		return domain.AudioSource{}, fmt.Errorf("update source %s: %w", id, domain.ErrNotFound)
	}
	if upd.Volume != nil && !domain.ValidVolume(*upd.Volume) {
		return domain.AudioSource{}, fmt.Errorf("update source %s: %w", id, domain.ErrInvalidVolume)
	}

	before := domain.EffectiveGain(*src)
	if upd.Volume != nil {
		src.Volume = *upd.Volume
	}
	if upd.Muted != nil {
		src.Muted = *upd.Muted
	}
	if upd.Priority != nil {
		src.Priority = *upd.Priority
	}
	if after := domain.EffectiveGain(*src); after != before {
		b.setRamp(src, before)
	}
	b.push()

	b.logger.Debug().
		Str("source", string(id)).
		Float64("volume", src.Volume).
		Bool("muted", src.Muted).
		Int("priority", src.Priority).
		Msg("source updated")
	return *src, nil
}

// SetActive flips the activity flag, used when the feeding connection drops
// or comes back.
func (b *Bridge) SetActive(id domain.SourceID, active bool) error {
	src, ok := b.sources[id]
	if !ok {
		return fmt.Errorf("set active %s: %w", id, domain.ErrNotFound)
	}
	if src.Active == active {
		return nil
	}
	before := domain.EffectiveGain(*src)
	src.Active = active
	b.setRamp(src, before)
	b.push()
	b.logger.Info().Str("source", string(id)).Bool("active", active).Msg("source activity changed")
	return nil
}

// SetActiveOwned flips activity for every source fed by peer.
func (b *Bridge) SetActiveOwned(peer domain.UserID, active bool) {
	for id, src := range b.sources {
		if src.Owner == peer {
			_ = b.SetActive(id, active)
		}
	}
}

// SetFeed attaches the media handle once the connection is up.
func (b *Bridge) SetFeed(id domain.SourceID, feed domain.FeedHandle) error {
	src, ok := b.sources[id]
	if !ok {
		return fmt.Errorf("set feed %s: %w", id, domain.ErrNotFound)
	}
	src.Feed = feed
	return nil
}

// setRamp starts a ramp from the gain currently heard towards the source's
// effective gain. from is used when no ramp is in flight.
func (b *Bridge) setRamp(src *domain.AudioSource, from float64) {
	now := b.now()
	target := domain.EffectiveGain(*src)
	r, ok := b.ramps[src.ID]
	if ok && !r.Done(now) {
		r = r.Rebase(now, target, b.ramp)
	} else {
		r = domain.GainRamp{From: from, To: target, Start: now, Duration: b.ramp}
	}
	b.ramps[src.ID] = r
	b.mixer.SetGain(b.broadcast, src.ID, r)
}

// Ramp returns the last gain ramp handed to the mixer for id.
func (b *Bridge) Ramp(id domain.SourceID) (domain.GainRamp, bool) {
	r, ok := b.ramps[id]
	return r, ok
}

// Active returns audible sources ordered by priority desc, then attachment order.
func (b *Bridge) Active() []domain.AudioSource {
	out := make([]domain.AudioSource, 0, len(b.sources))
	for _, src := range b.sources {
		if src.Audible() {
			out = append(out, *src)
		}
	}
	sortSources(out)
	return out
}

func sortSources(s []domain.AudioSource) {
	slices.SortFunc(s, func(a, c domain.AudioSource) int {
		if a.Priority != c.Priority {
			return cmp.Compare(c.Priority, a.Priority)
		}
		return cmp.Compare(a.Seq(), c.Seq())
	})
}

// Sources returns every source in attachment order.
func (b *Bridge) Sources() []domain.AudioSource {
	out := make([]domain.AudioSource, 0, len(b.sources))
	for _, src := range b.sources {
		out = append(out, *src)
	}
	slices.SortFunc(out, func(a, c domain.AudioSource) int { return cmp.Compare(a.Seq(), c.Seq()) })
	return out
}

func (b *Bridge) Get(id domain.SourceID) (domain.AudioSource, bool) {
	src, ok := b.sources[id]
	if !ok {
		return domain.AudioSource{}, false
	}
	return *src, true
}

func (b *Bridge) Host() domain.SourceID { return b.host }

func (b *Bridge) Stats() domain.BridgeStats {
	active := b.Active()
	return domain.BridgeStats{
		Total:   len(b.sources),
		Active:  len(active),
		Sources: active,
	}
}

// Clear removes everything including the host. Used by session teardown.
func (b *Bridge) Clear() {
	for _, src := range b.sources {
		b.drop(src)
	}
	b.host = ""
	b.push()
}

// push hands the active set to the mixer when its order or membership changed.
func (b *Bridge) push() {
	active := b.Active()
	ids := make([]domain.SourceID, len(active))
	for i, s := range active {
		ids[i] = s.ID
	}
	if slices.Equal(ids, b.pushed) {
		return
	}
	b.pushed = ids
	b.mixer.SetActiveSources(b.broadcast, active)
}
