// Package orch runs the server end of server-terminated connections: it
// answers offers addressed to the reserved server peer, feeds published
// tracks into the mixer and hands listeners their forwarding slots.
package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/app/sfu"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

var ErrInboxFull = errors.New("media inbox full")

const inboxSize = 64

// Signaling is the part of the session manager the media side drives.
type Signaling interface {
	RelayAnswer(b domain.BroadcastID, from, to domain.UserID, payload []byte) (domain.SignalingConnection, error)
	RelayCandidate(b domain.BroadcastID, from, to domain.UserID, payload []byte) error
	MarkConnected(key domain.ConnKey) (domain.SignalingConnection, error)
	Disconnect(key domain.ConnKey, reason string) (domain.SignalingConnection, error)
	Sources(b domain.BroadcastID) ([]domain.AudioSource, error)
	SetSourceFeed(b domain.BroadcastID, id domain.SourceID, feed domain.FeedHandle) error
}

// ReportSink receives RTCP reception reports sent back by listeners.
type ReportSink interface {
	RecordReceiverReport(key domain.ConnKey, rr rtcp.ReceptionReport)
	Forget(key domain.ConnKey)
}

type Orchestrator struct {
	Sessions Signaling
	Mixer    *sfu.Mixer
	NewMedia func(key domain.ConnKey) (core.MediaConnection, error)
	Reports  ReportSink

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	media  map[domain.ConnKey]core.MediaConnection
	inbox  map[domain.ConnKey]chan core.SignalMessage
	closed bool
}

func New(sessions Signaling, mixer *sfu.Mixer, newMedia func(domain.ConnKey) (core.MediaConnection, error)) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Sessions: sessions,
		Mixer:    mixer,
		NewMedia: newMedia,
		ctx:      ctx,
		cancel:   cancel,
		media:    make(map[domain.ConnKey]core.MediaConnection),
		inbox:    make(map[domain.ConnKey]chan core.SignalMessage),
	}
}

// HandleSignal queues a message addressed to the server peer. Messages of one
// peer are handled in order on that peer's worker; HandleSignal never blocks.
func (o *Orchestrator) HandleSignal(msg core.SignalMessage) error {
	// the relay names the client in From for everything it forwards to us
	key := domain.ConnKey{Broadcast: msg.Broadcast, Peer: msg.From}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return context.Canceled
	}
	ch, ok := o.inbox[key]
	if !ok {
		ch = make(chan core.SignalMessage, inboxSize)
		o.inbox[key] = ch
		go o.worker(key, ch)
	}
	o.mu.Unlock()

	select {
	case ch <- msg:
		return nil
	default:
		log.Warn().Str("module", "orch").Str("conn", key.String()).Str("type", msg.Type).Msg("media inbox full, message dropped")
		return ErrInboxFull
	}
}

func (o *Orchestrator) worker(key domain.ConnKey, ch chan core.SignalMessage) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			o.handle(key, msg)
		}
	}
}

// stopWorker drops the inbox of key; a later message starts a fresh one.
func (o *Orchestrator) stopWorker(key domain.ConnKey) {
	o.mu.Lock()
	if ch, ok := o.inbox[key]; ok {
		delete(o.inbox, key)
		close(ch)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) mediaOf(key domain.ConnKey) (core.MediaConnection, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mc, ok := o.media[key]
	return mc, ok
}

// MediaStats returns the transport statistics of a server-terminated
// connection.
func (o *Orchestrator) MediaStats(key domain.ConnKey) (webrtc.StatsReport, bool) {
	mc, ok := o.mediaOf(key)
	if !ok || mc.IsClosed() {
		return nil, false
	}
	return mc.Stats(), true
}

// Close tears down every media connection.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	media := o.media
	o.media = make(map[domain.ConnKey]core.MediaConnection)
	o.mu.Unlock()

	o.cancel()
	for _, mc := range media {
		mc.Close()
	}
}
