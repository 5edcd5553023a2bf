package sfu

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/onair/internal/domain"
)

type chanReader chan *rtp.Packet

func (c chanReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-c
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recorder struct {
	mu   sync.Mutex
	pkts []rtp.Packet
}

func (r *recorder) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pkts = append(r.pkts, *p)
	return nil
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pkts))
	for i, p := range r.pkts {
		out[i] = string(p.Payload)
	}
	return out
}

func packet(ssrc uint32, seq uint16, ts uint32, payload string) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: ssrc, SequenceNumber: seq, Timestamp: ts},
		Payload: []byte(payload),
	}
}

func TestOutTrackRebasesOnSourceSwitch(t *testing.T) {
	rec := &recorder{}
	ot := NewOutTrack(rec)

	require.NoError(t, ot.Write(packet(1, 100, 1000, "a")))
	require.NoError(t, ot.Write(packet(1, 101, 1960, "b")))
	require.NoError(t, ot.Write(packet(2, 5000, 90000, "c")))
	require.NoError(t, ot.Write(packet(2, 5001, 90960, "d")))

	seqs := make([]uint16, 0, 4)
	tss := make([]uint32, 0, 4)
	for _, p := range rec.pkts {
		seqs = append(seqs, p.SequenceNumber)
		tss = append(tss, p.Timestamp)
	}
	assert.Equal(t, []uint16{100, 101, 102, 103}, seqs)
	assert.Equal(t, []uint32{1000, 1960, 2920, 3880}, tss)
}

func TestOutTrackStates(t *testing.T) {
	ot := NewOutTrack(discard{})
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkDelete()
	ot.MarkOk()
	assert.Equal(t, TrackStateDelete, ot.GetState(), "delete is final")
}

func src(id, owner string, prio int) domain.AudioSource {
	return domain.AudioSource{ID: domain.SourceID(id), Owner: domain.UserID(owner), Priority: prio, Active: true, Volume: 1}
}

func TestMixerForwardsBySlot(t *testing.T) {
	m := NewMixer(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, caller := make(chanReader), make(chanReader)
	m.Publish(ctx, "b1", "h", host)
	m.Publish(ctx, "b1", "c", caller)

	slot0, slot1 := &recorder{}, &recorder{}
	m.Subscribe("b1", "l1", []RTPWriter{slot0, slot1})
	m.SetActiveSources("b1", []domain.AudioSource{src("host", "h", 100), src("caller:c", "c", 50)})
	assert.Equal(t, []domain.UserID{"h", "c"}, m.Forwarded("b1"))

	host <- packet(1, 1, 0, "h1")
	caller <- packet(2, 1, 0, "c1")
	require.Eventually(t, func() bool {
		return len(slot0.payloads()) == 1 && len(slot1.payloads()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"h1"}, slot0.payloads())
	assert.Equal(t, []string{"c1"}, slot1.payloads())

	// Host muted: the caller moves up to slot 0 and the host is not forwarded.
	m.SetActiveSources("b1", []domain.AudioSource{src("caller:c", "c", 50)})
	host <- packet(1, 2, 960, "h2")
	caller <- packet(2, 2, 960, "c2")
	require.Eventually(t, func() bool { return len(slot0.payloads()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"h1", "c2"}, slot0.payloads())
	assert.Equal(t, []string{"c1"}, slot1.payloads())
}

func TestMixerShedsBeyondSlots(t *testing.T) {
	m := NewMixer(1)
	m.SetActiveSources("b1", []domain.AudioSource{src("host", "h", 100), src("music", "h", 10)})
	assert.Equal(t, []domain.UserID{"h"}, m.Forwarded("b1"))
}

func TestMixerGainAndCleanup(t *testing.T) {
	m := NewMixer(2)
	now := time.Unix(100, 0)
	m.now = func() time.Time { return now }

	m.SetActiveSources("b1", []domain.AudioSource{src("host", "h", 100)})
	m.SetGain("b1", "host", domain.GainRamp{From: 0, To: 1, Start: now, Duration: 10 * time.Millisecond})
	now = now.Add(5 * time.Millisecond)
	g, ok := m.Gain("b1", "host")
	require.True(t, ok)
	assert.InDelta(t, 0.5, g, 1e-9)

	m.DropSource("b1", "host")
	m.SetActiveSources("b1", nil)
	_, ok = m.Gain("b1", "host")
	assert.False(t, ok)
	assert.Nil(t, m.Forwarded("b1"), "empty broadcasts are forgotten")
}

func TestUnsubscribeStopsForwarding(t *testing.T) {
	m := NewMixer(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host := make(chanReader)
	m.Publish(ctx, "b1", "h", host)
	slot := &recorder{}
	m.Subscribe("b1", "l1", []RTPWriter{slot})
	m.SetActiveSources("b1", []domain.AudioSource{src("host", "h", 100)})

	host <- packet(1, 1, 0, "x")
	require.Eventually(t, func() bool { return len(slot.payloads()) == 1 }, time.Second, time.Millisecond)

	m.Unsubscribe("b1", "l1")
	host <- packet(1, 2, 960, "y")
	host <- packet(1, 3, 1920, "z")
	assert.Equal(t, []string{"x"}, slot.payloads())

	bitrate, ok := m.UpstreamBitrate("b1", "h")
	require.True(t, ok)
	assert.Greater(t, bitrate, 0.0)
	m.Unpublish("b1", "h")
	_, ok = m.UpstreamBitrate("b1", "h")
	assert.False(t, ok)
}
