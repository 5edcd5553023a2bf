package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is the server side of one server-terminated connection.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local static RTP track to the underlying PeerConnection.
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	Stats() webrtc.StatsReport

	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnState reports connected (true) and lost (false) transitions.
	OnState(func(connected bool))
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}
