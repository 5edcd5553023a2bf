package orch

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/app/signaling"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

func (o *Orchestrator) handle(key domain.ConnKey, msg core.SignalMessage) {
	logger := log.With().Str("module", "orch").Str("conn", key.String()).Str("type", msg.Type).Logger()
	var err error
	switch msg.Type {
	case signaling.MsgOffer:
		err = o.onOffer(key, msg.Payload)
	case signaling.MsgCandidate:
		err = o.onCandidate(key, msg.Payload)
	case signaling.MsgBye:
		o.cleanupMedia(key)
		o.stopWorker(key)
	default:
		logger.Debug().Msg("ignored")
	}
	if err != nil {
		logger.Error().Err(err).Msg("media signal failed")
	}
}

func (o *Orchestrator) onOffer(key domain.ConnKey, payload []byte) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if offer.Type == 0 {
		offer.Type = webrtc.SDPTypeOffer
	}

	// A new offer supersedes whatever media the peer had.
	o.cleanupMedia(key)

	mc, err := o.NewMedia(key)
	if err != nil {
		return fmt.Errorf("new media: %w", err)
	}
	o.BindMediaHandlers(mc, key)
	if err := mc.Start(o.ctx); err != nil {
		mc.Close()
		return fmt.Errorf("start media: %w", err)
	}
	o.mu.Lock()
	o.media[key] = mc
	o.mu.Unlock()

	// Everyone hears the mix; publishers are never sent their own audio.
	if err := o.OnMediaReady(key, mc); err != nil {
		return err
	}

	answer, err := mc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	_, err = o.Sessions.RelayAnswer(key.Broadcast, domain.ServerPeer, key.Peer, raw)
	return err
}

func (o *Orchestrator) onCandidate(key domain.ConnKey, payload []byte) error {
	mc, ok := o.mediaOf(key)
	if !ok {
		return nil
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return mc.AddICECandidate(cand)
}
