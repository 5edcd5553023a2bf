// Package rtc holds the pion/webrtc side of the server: peer connections for
// server-terminated media, payload validation for the relay and the
// statistics the quality monitor samples.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return NewConfig([]string{"stun:stun.l.google.com:19302"})
}

// NewConfig builds a peer connection configuration from ICE server URLs.
func NewConfig(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// NewAPI registers Opus and the default interceptors (NACK, RTCP reports,
// stats) so GetStats carries inbound and remote-inbound figures.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// Factory opens peer connections for the media orchestrator.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) (*Factory, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	return &Factory{api: api, cfg: cfg}, nil
}

func (f *Factory) NewMedia(key domain.ConnKey) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, key), nil
}

// WebRTCConnection implements core.MediaConnection over a pion peer
// connection. After Close no callback fires any more, so a superseded
// connection cannot report on behalf of its successor.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	key    domain.ConnKey
	logger zerolog.Logger
	cancel context.CancelFunc
	closed atomic.Bool

	mu       sync.RWMutex
	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState  func(connected bool)
	onClosed func()

	closeOnce sync.Once
}

func newConnection(pc *webrtc.PeerConnection, key domain.ConnKey) *WebRTCConnection {
	return &WebRTCConnection{
		pc:     pc,
		key:    key,
		logger: log.With().Str("module", "webrtc").Str("conn", key.String()).Logger(),
	}
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.closed.Load() {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.fireState(true)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			c.fireState(false)
		case webrtc.PeerConnectionStateClosed:
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.closed.Load() {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil && !c.closed.Load() {
			fn(ctx, track, receiver)
		}
	})

	return nil
}

func (c *WebRTCConnection) fireState(connected bool) {
	c.mu.RLock()
	fn := c.onState
	c.mu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

func (c *WebRTCConnection) fireClosed() {
	c.mu.RLock()
	fn := c.onClosed
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ApplyOfferAndCreateAnswer returns the answer once ICE gathering is done,
// so it carries every host candidate.
func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
			return
		}
		c.logger.Info().Msg("closed")
	})
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) Stats() webrtc.StatsReport {
	return c.pc.GetStats()
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnState(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnClosed fires when the peer connection closed on its own.
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// AddLocalTrack attaches a local static RTP track to the PeerConnection.
func (c *WebRTCConnection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}
