package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/app/sfu"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, key domain.ConnKey) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, key, track)
	})
	mc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		raw, err := json.Marshal(c)
		if err != nil {
			return
		}
		_ = o.Sessions.RelayCandidate(key.Broadcast, domain.ServerPeer, key.Peer, raw)
	})
	mc.OnState(func(connected bool) {
		if connected {
			if _, err := o.Sessions.MarkConnected(key); err != nil {
				log.Warn().Str("module", "orch").Str("conn", key.String()).Err(err).Msg("mark connected failed")
			}
			return
		}
		_, _ = o.Sessions.Disconnect(key, "ice lost")
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(key, mc) })
}

// OnMediaDisconnect runs when the peer connection closed on its own.
func (o *Orchestrator) OnMediaDisconnect(key domain.ConnKey, mc core.MediaConnection) {
	o.mu.Lock()
	cur, ok := o.media[key]
	if ok && cur == mc {
		delete(o.media, key)
	}
	o.mu.Unlock()
	if ok && cur == mc {
		o.release(key)
	}
}

// release drops everything the connection held outside the media map.
func (o *Orchestrator) release(key domain.ConnKey) {
	if o.Reports != nil {
		o.Reports.Forget(key)
	}
	if o.Mixer == nil {
		return
	}
	o.Mixer.Unpublish(key.Broadcast, key.Peer)
	o.Mixer.Unsubscribe(key.Broadcast, key.Peer)
}

func (o *Orchestrator) cleanupMedia(key domain.ConnKey) {
	o.mu.Lock()
	mc, ok := o.media[key]
	delete(o.media, key)
	o.mu.Unlock()

	o.release(key)
	if ok {
		mc.Close()
	}
}

// OnTrack is called when a publishing peer's audio arrives.
func (o *Orchestrator) OnTrack(ctx context.Context, key domain.ConnKey, track *webrtc.TrackRemote) {
	if o.Mixer == nil || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	if _, ok := o.mediaOf(key); !ok {
		return
	}
	o.Mixer.Publish(ctx, key.Broadcast, key.Peer, track)

	sources, err := o.Sessions.Sources(key.Broadcast)
	if err != nil {
		return
	}
	feed := track.StreamID() + "/" + track.ID()
	for _, s := range sources {
		if s.Owner == key.Peer {
			_ = o.Sessions.SetSourceFeed(key.Broadcast, s.ID, feed)
		}
	}
}

// OnMediaReady gives a listener its forwarding slots. It runs before the
// answer is created so the slots are part of it.
func (o *Orchestrator) OnMediaReady(key domain.ConnKey, mc core.MediaConnection) error {
	if o.Mixer == nil {
		return nil
	}
	writers := make([]sfu.RTPWriter, 0, o.Mixer.Slots())
	for i := range o.Mixer.Slots() {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			fmt.Sprintf("slot-%d", i),
			"onair-"+string(key.Broadcast),
		)
		if err != nil {
			return fmt.Errorf("slot track: %w", err)
		}
		sender, err := mc.AddLocalTrack(track)
		if err != nil {
			return fmt.Errorf("add slot track: %w", err)
		}
		if sender != nil {
			go o.readRTCP(key, sender)
		}
		writers = append(writers, track)
	}
	o.Mixer.Subscribe(key.Broadcast, key.Peer, writers)
	return nil
}

// readRTCP drains a sender's RTCP and keeps the listener's reception reports.
func (o *Orchestrator) readRTCP(key domain.ConnKey, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Str("module", "orch").Str("conn", key.String()).Err(err).Msg("rtcp read stopped")
			}
			return
		}
		if o.Reports == nil {
			continue
		}
		for _, p := range pkts {
			if rr, ok := p.(*rtcp.ReceiverReport); ok {
				for _, rep := range rr.Reports {
					o.Reports.RecordReceiverReport(key, rep)
				}
			}
		}
	}
}
