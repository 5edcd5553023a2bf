package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/onair/internal/domain"
)

// RTPReader is the upstream side; *webrtc.TrackRemote satisfies it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay forwards the RTP of one publishing peer to the slot it currently
// holds at every listener.
type Relay struct {
	Owner domain.UserID
	Src   RTPReader

	mu        sync.RWMutex
	outTracks map[domain.UserID]*OutTrack

	cancel context.CancelFunc

	bytes   atomic.Uint64
	packets atomic.Uint64
	started time.Time
}

func NewRelay(owner domain.UserID, src RTPReader, cancel context.CancelFunc) *Relay {
	return &Relay{
		Owner:     owner,
		Src:       src,
		outTracks: make(map[domain.UserID]*OutTrack),
		cancel:    cancel,
		started:   time.Now(),
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, detaching out tracks")
			r.setOutTracks(nil)
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read RTP stopped")
			r.setOutTracks(nil)
			return
		}
		r.packets.Add(1)
		r.bytes.Add(uint64(len(pkt.Payload)))
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.UserID, 0)
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Write(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		delete(r.outTracks, dst)
	}
}

// setOutTracks replaces the whole destination set, e.g. when the relay moves
// to another slot or stops being forwarded.
func (r *Relay) setOutTracks(out map[domain.UserID]*OutTrack) {
	if out == nil {
		out = make(map[domain.UserID]*OutTrack)
	}
	r.mu.Lock()
	r.outTracks = out
	r.mu.Unlock()
}

func (r *Relay) destinations() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// Bitrate is the average payload bitrate since the relay started.
func (r *Relay) Bitrate(now time.Time) float64 {
	elapsed := now.Sub(r.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.bytes.Load()*8) / elapsed
}

func (r *Relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.setOutTracks(nil)
}
