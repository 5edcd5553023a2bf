package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/onair/internal/app/sfu"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

type fakeMedia struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	tracks     int
	candidates []webrtc.ICECandidateInit
	onState    func(bool)
	onClosed   func()
}

func (f *fakeMedia) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeMedia) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeMedia) ApplyOfferAndCreateAnswer(o webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + o.SDP}, nil
}

func (f *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeMedia) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks++
	return nil, nil
}

func (f *fakeMedia) Stats() webrtc.StatsReport                    { return webrtc.StatsReport{} }
func (f *fakeMedia) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (f *fakeMedia) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
}
func (f *fakeMedia) OnState(fn func(bool)) { f.onState = fn }
func (f *fakeMedia) OnClosed(fn func())    { f.onClosed = fn }

type fakeSessions struct {
	mu        sync.Mutex
	answers   []string
	connected []domain.ConnKey
	dropped   []domain.ConnKey
}

func (s *fakeSessions) RelayAnswer(_ domain.BroadcastID, from, to domain.UserID, payload []byte) (domain.SignalingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sd webrtc.SessionDescription
	_ = json.Unmarshal(payload, &sd)
	s.answers = append(s.answers, string(from)+">"+string(to)+":"+sd.SDP)
	return domain.SignalingConnection{}, nil
}

func (s *fakeSessions) RelayCandidate(domain.BroadcastID, domain.UserID, domain.UserID, []byte) error {
	return nil
}

func (s *fakeSessions) MarkConnected(key domain.ConnKey) (domain.SignalingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, key)
	return domain.SignalingConnection{}, nil
}

func (s *fakeSessions) Disconnect(key domain.ConnKey, _ string) (domain.SignalingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, key)
	return domain.SignalingConnection{}, nil
}

func (s *fakeSessions) Sources(domain.BroadcastID) ([]domain.AudioSource, error) { return nil, nil }
func (s *fakeSessions) SetSourceFeed(domain.BroadcastID, domain.SourceID, domain.FeedHandle) error {
	return nil
}

func (s *fakeSessions) answerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

func setup(t *testing.T) (*Orchestrator, *fakeSessions, *[]*fakeMedia, *sync.Mutex) {
	t.Helper()
	sessions := &fakeSessions{}
	var mu sync.Mutex
	var made []*fakeMedia
	o := New(sessions, sfu.NewMixer(2), func(domain.ConnKey) (core.MediaConnection, error) {
		mu.Lock()
		defer mu.Unlock()
		f := &fakeMedia{}
		made = append(made, f)
		return f, nil
	})
	t.Cleanup(o.Close)
	return o, sessions, &made, &mu
}

func offerMsg(peer domain.UserID, sdp string) core.SignalMessage {
	raw, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	return core.SignalMessage{Type: "offer", Broadcast: "b1", From: peer, To: domain.ServerPeer, Payload: raw}
}

func TestOfferIsAnsweredWithSlots(t *testing.T) {
	o, sessions, made, mu := setup(t)

	require.NoError(t, o.HandleSignal(offerMsg("l1", "o1")))
	require.Eventually(t, func() bool { return sessions.answerCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"sfu>l1:answer-to-o1"}, sessions.answers)
	mu.Lock()
	m := (*made)[0]
	mu.Unlock()
	assert.True(t, m.started)
	assert.Equal(t, 2, m.tracks, "one local track per slot")

	cand, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
	require.NoError(t, o.HandleSignal(core.SignalMessage{Type: "candidate", Broadcast: "b1", From: "l1", Payload: cand}))
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.candidates) == 1
	}, time.Second, time.Millisecond)

	m.onState(true)
	m.onState(false)
	key := domain.ConnKey{Broadcast: "b1", Peer: "l1"}
	assert.Equal(t, []domain.ConnKey{key}, sessions.connected)
	assert.Equal(t, []domain.ConnKey{key}, sessions.dropped)

	_, ok := o.MediaStats(key)
	assert.True(t, ok)
}

func TestReofferSupersedesAndByeCloses(t *testing.T) {
	o, sessions, made, mu := setup(t)

	require.NoError(t, o.HandleSignal(offerMsg("c1", "o1")))
	require.NoError(t, o.HandleSignal(offerMsg("c1", "o2")))
	require.Eventually(t, func() bool { return sessions.answerCount() == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	first, second := (*made)[0], (*made)[1]
	mu.Unlock()
	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())

	require.NoError(t, o.HandleSignal(core.SignalMessage{Type: "bye", Broadcast: "b1", From: "c1"}))
	require.Eventually(t, second.IsClosed, time.Second, time.Millisecond)
	_, ok := o.MediaStats(domain.ConnKey{Broadcast: "b1", Peer: "c1"})
	assert.False(t, ok)
}

func TestMalformedOfferDropped(t *testing.T) {
	o, sessions, made, mu := setup(t)
	require.NoError(t, o.HandleSignal(core.SignalMessage{Type: "offer", Broadcast: "b1", From: "l1", Payload: []byte("{")}))
	require.NoError(t, o.HandleSignal(offerMsg("l2", "ok")))
	require.Eventually(t, func() bool { return sessions.answerCount() == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Len(t, *made, 1)
	mu.Unlock()
}
