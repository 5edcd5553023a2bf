package rtc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/onair/internal/domain"
)

const audioSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

const videoSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func description(t *testing.T, typ webrtc.SDPType, sdp string) []byte {
	t.Helper()
	raw, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: sdp})
	require.NoError(t, err)
	return raw
}

func TestValidatorDescriptions(t *testing.T) {
	v := Validator{}
	assert.NoError(t, v.Validate("offer", description(t, webrtc.SDPTypeOffer, audioSDP)))
	assert.NoError(t, v.Validate("answer", description(t, webrtc.SDPTypeAnswer, audioSDP)))

	assert.ErrorIs(t, v.Validate("offer", description(t, webrtc.SDPTypeAnswer, audioSDP)), domain.ErrMalformedPayload)
	assert.ErrorIs(t, v.Validate("offer", description(t, webrtc.SDPTypeOffer, videoSDP)), domain.ErrMalformedPayload)
	assert.ErrorIs(t, v.Validate("offer", description(t, webrtc.SDPTypeOffer, "not sdp")), domain.ErrMalformedPayload)
	assert.ErrorIs(t, v.Validate("offer", []byte("{")), domain.ErrMalformedPayload)

	assert.NoError(t, v.Validate("bye", nil), "other kinds pass through")
}

func TestValidatorCandidates(t *testing.T) {
	v := Validator{}
	cand := func(s string) []byte {
		raw, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: s})
		return raw
	}
	assert.NoError(t, v.Validate("candidate", cand("candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host")))
	assert.NoError(t, v.Validate("candidate", cand("")), "end of candidates")
	assert.ErrorIs(t, v.Validate("candidate", cand("candidate:garbage")), domain.ErrMalformedPayload)
	assert.ErrorIs(t, v.Validate("candidate", []byte("42")), domain.ErrMalformedPayload)
}

type fakeMediaStats map[domain.ConnKey]webrtc.StatsReport

func (f fakeMediaStats) MediaStats(key domain.ConnKey) (webrtc.StatsReport, bool) {
	r, ok := f[key]
	return r, ok
}

func TestStatsFromServerReport(t *testing.T) {
	key := domain.ConnKey{Broadcast: "b1", Peer: "l1"}
	media := fakeMediaStats{key: webrtc.StatsReport{
		"in": webrtc.InboundRTPStreamStats{Kind: "audio", BytesReceived: 1000, PacketsLost: 3, Jitter: 0.004},
		"ri": webrtc.RemoteInboundRTPStreamStats{PacketsLost: 1, Jitter: 0.01, RoundTripTime: 0.2},
		"cp": webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.05},
	}}
	s := NewStatsCollector(media)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	m, err := s.Sample(context.Background(), key)
	require.NoError(t, err)
	assert.Zero(t, m.Bitrate, "no previous sample yet")
	assert.Equal(t, int64(4), m.PacketsLost)
	assert.InDelta(t, 0.01, m.Jitter, 1e-9)
	assert.Equal(t, 50*time.Millisecond, m.RTT)

	media[key]["in"] = webrtc.InboundRTPStreamStats{Kind: "audio", BytesReceived: 9000}
	s.now = func() time.Time { return start.Add(time.Second) }
	m, err = s.Sample(context.Background(), key)
	require.NoError(t, err)
	assert.InDelta(t, 64000, m.Bitrate, 1e-6)
}

func TestStatsFallbacks(t *testing.T) {
	s := NewStatsCollector(fakeMediaStats{})
	key := domain.ConnKey{Broadcast: "b1", Peer: "c1"}

	_, err := s.Sample(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s.RecordReceiverReport(key, rtcp.ReceptionReport{TotalLost: 7, Jitter: 480})
	m, err := s.Sample(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.PacketsLost)
	assert.InDelta(t, 0.01, m.Jitter, 1e-9)

	s.Report(key, domain.Metrics{Bitrate: 32000, AudioLevel: 0.4})
	m, err = s.Sample(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 32000.0, m.Bitrate)
	assert.False(t, m.SampledAt.IsZero())

	s.Forget(key)
	_, err = s.Sample(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sample(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectionCloseSilencesCallbacks(t *testing.T) {
	f, err := NewFactory(NewConfig(nil))
	require.NoError(t, err)
	mc, err := f.NewMedia(domain.ConnKey{Broadcast: "b1", Peer: "l1"})
	require.NoError(t, err)
	require.NoError(t, mc.Start(context.Background()))

	fired := make(chan struct{}, 4)
	mc.OnState(func(bool) { fired <- struct{}{} })
	mc.OnClosed(func() { fired <- struct{}{} })

	assert.False(t, mc.IsClosed())
	mc.Close()
	mc.Close()
	assert.True(t, mc.IsClosed())

	select {
	case <-fired:
		t.Fatal("callback fired after explicit close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig([]string{"stun:a", "turn:b"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:a", "turn:b"}, cfg.ICEServers[0].URLs)
	assert.Empty(t, NewConfig(nil).ICEServers)
	assert.NotEmpty(t, DefaultWebRTCConfig().ICEServers)
}
