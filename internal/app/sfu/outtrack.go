package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// opusFrameTicks is one 20ms Opus frame at 48kHz.
const opusFrameTicks = 960

// RTPWriter is what an OutTrack writes to; *webrtc.TrackLocalStaticRTP
// satisfies it.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is one forwarding slot towards one listener. Different sources
// take turns on the same slot, so sequence numbers and timestamps are
// rewritten to stay continuous across a switch.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32 // Zero by default (TrackStateOk)

	mu        sync.Mutex
	started   bool
	srcSSRC   uint32
	seqOffset uint16
	tsOffset  uint32
	lastSeq   uint16
	lastTS    uint32
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// Write forwards pkt, rebasing it when it comes from a different source
// than the previous packet.
func (ot *OutTrack) Write(pkt *rtp.Packet) error {
	ot.mu.Lock()
	if pkt.SSRC != ot.srcSSRC || !ot.started {
		if ot.started {
			ot.seqOffset = ot.lastSeq + 1 - pkt.SequenceNumber
			ot.tsOffset = ot.lastTS + opusFrameTicks - pkt.Timestamp
		}
		ot.srcSSRC = pkt.SSRC
		ot.started = true
	}
	out := *pkt
	out.Header = pkt.Header.Clone()
	out.SequenceNumber = pkt.SequenceNumber + ot.seqOffset
	out.Timestamp = pkt.Timestamp + ot.tsOffset
	ot.lastSeq = out.SequenceNumber
	ot.lastTS = out.Timestamp
	ot.mu.Unlock()

	return ot.Track.WriteRTP(&out)
}
