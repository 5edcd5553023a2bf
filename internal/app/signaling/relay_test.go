package signaling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/core/mocks"
	"github.com/dkeye/onair/internal/domain"
)

type obsRecorder struct {
	connected, disconnected, failed, closed []domain.UserID
}

func (o *obsRecorder) OnConnected(c domain.SignalingConnection) {
	o.connected = append(o.connected, c.Key.Peer)
}
func (o *obsRecorder) OnDisconnected(c domain.SignalingConnection) {
	o.disconnected = append(o.disconnected, c.Key.Peer)
}
func (o *obsRecorder) OnFailed(c domain.SignalingConnection) {
	o.failed = append(o.failed, c.Key.Peer)
}
func (o *obsRecorder) OnClosed(c domain.SignalingConnection) {
	o.closed = append(o.closed, c.Key.Peer)
}

type rejectAll struct{}

func (rejectAll) Validate(string, []byte) error { return domain.ErrMalformedPayload }

func newRelay(t *testing.T) (*Relay, *mocks.MockMessenger, *obsRecorder) {
	t.Helper()
	ctrl := gomock.NewController(t)
	msgr := mocks.NewMockMessenger(ctrl)
	obs := &obsRecorder{}
	r := New("b1", "host", msgr, obs, Options{MaxAttempts: DefaultMaxAttempts})
	return r, msgr, obs
}

func TestOfferAnswerCandidateFlow(t *testing.T) {
	r, msgr, obs := newRelay(t)

	gomock.InOrder(
		msgr.EXPECT().Deliver(domain.BroadcastID("b1"), domain.UserID("l1"), gomock.Any()).
			DoAndReturn(func(_ domain.BroadcastID, _ domain.UserID, m core.SignalMessage) error {
				assert.Equal(t, MsgOffer, m.Type)
				assert.Equal(t, domain.UserID("host"), m.From)
				assert.JSONEq(t, `{"sdp":"o"}`, string(m.Payload))
				return nil
			}),
		msgr.EXPECT().Deliver(domain.BroadcastID("b1"), domain.UserID("host"), gomock.Any()).
			DoAndReturn(func(_ domain.BroadcastID, _ domain.UserID, m core.SignalMessage) error {
				assert.Equal(t, MsgAnswer, m.Type)
				return nil
			}),
		msgr.EXPECT().Deliver(domain.BroadcastID("b1"), domain.UserID("host"), gomock.Any()).Return(nil),
	)

	conn, err := r.Offer("host", "l1", []byte(`{"sdp":"o"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ConnNegotiating, conn.State)
	assert.Equal(t, domain.RoleListener, conn.Role)
	assert.Equal(t, domain.UserID("host"), conn.Remote)

	_, err = r.Answer("l1", "host", []byte(`{"sdp":"a"}`))
	require.NoError(t, err)
	require.NoError(t, r.Candidate("l1", "", []byte(`{"candidate":"c"}`)))

	conn, err = r.MarkConnected("l1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnConnected, conn.State)
	assert.Equal(t, []domain.UserID{"l1"}, obs.connected)
	assert.Len(t, r.Connected(), 1)
}

func TestAnswerOutsideNegotiation(t *testing.T) {
	r, msgr, _ := newRelay(t)
	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	_, err := r.Answer("l1", "host", []byte("a"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Offer("l1", "host", []byte("o"))
	require.NoError(t, err)
	_, err = r.MarkConnected("l1")
	require.NoError(t, err)

	_, err = r.Answer("host", "l1", []byte("a"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCandidateDroppedOutsideLiveStates(t *testing.T) {
	r, msgr, _ := newRelay(t)
	// No connection: dropped without delivery and without error.
	require.NoError(t, r.Candidate("l1", "host", []byte("c")))

	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	_, err := r.Offer("l1", "", []byte("o"))
	require.NoError(t, err)
	_, err = r.MarkConnected("l1")
	require.NoError(t, err)
	_, err = r.Disconnect("l1", "ice failed")
	require.NoError(t, err)

	require.NoError(t, r.Candidate("l1", "host", []byte("c")), "disconnected drops silently")
}

func TestRouting(t *testing.T) {
	r, msgr, _ := newRelay(t)
	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	_, err := r.Offer("l1", "l2", []byte("o"))
	assert.ErrorIs(t, err, domain.ErrInvalidState, "listeners cannot signal each other")
	_, err = r.Offer("host", "", []byte("o"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	conn, err := r.Offer("host", domain.ServerPeer, []byte("o"))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("host"), conn.Key.Peer)
	assert.Equal(t, domain.RoleBroadcaster, conn.Role)
	assert.Equal(t, domain.ServerPeer, conn.Remote)

	_, err = r.Answer(domain.ServerPeer, "host", []byte("a"))
	require.NoError(t, err)
}

func TestMalformedPayloadDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgr := mocks.NewMockMessenger(ctrl)
	r := New("b1", "host", msgr, nil, Options{Validator: rejectAll{}})

	_, err := r.Offer("l1", "host", []byte("garbage"))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	assert.Zero(t, r.Len(), "nothing is created for a dropped offer")
}

func TestSupersedeKeepsSingleConnection(t *testing.T) {
	r, msgr, _ := newRelay(t)
	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	first, _ := r.Offer("l1", "host", []byte("o1"))
	_, _ = r.MarkConnected("l1")
	second, err := r.Offer("l1", "host", []byte("o2"))
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, domain.ConnNegotiating, second.State)
	assert.Greater(t, second.Generation, first.Generation)
	assert.Empty(t, r.Connected())
}

func TestDisconnectBudget(t *testing.T) {
	r, msgr, obs := newRelay(t)
	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	_, _ = r.Offer("c1", "host", []byte("o"))
	_, _ = r.MarkConnected("c1")

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		conn, err := r.Disconnect("c1", "lost")
		require.NoError(t, err)
		require.Equal(t, domain.ConnDisconnected, conn.State)

		again, err := r.Disconnect("c1", "lost")
		require.NoError(t, err)
		assert.Equal(t, conn.Generation, again.Generation, "repeat drop while waiting is a no-op")

		next, err := r.BeginReconnect("c1", conn.Generation)
		require.NoError(t, err)
		assert.Equal(t, attempt, next.Attempts)
		assert.Equal(t, domain.ConnNegotiating, next.State)

		_, err = r.BeginReconnect("c1", conn.Generation)
		assert.ErrorIs(t, err, domain.ErrInvalidState, "stale generation")
	}

	conn, err := r.Disconnect("c1", "lost")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnFailed, conn.State)
	assert.Equal(t, []domain.UserID{"c1"}, obs.failed)
	assert.Len(t, obs.disconnected, DefaultMaxAttempts)
	_, ok := r.Get("c1")
	assert.False(t, ok, "failed connections are destroyed")
}

func TestRecoveredDropsGetFreshBudget(t *testing.T) {
	r, msgr, obs := newRelay(t)
	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	_, _ = r.Offer("c1", "host", []byte("o"))
	_, _ = r.MarkConnected("c1")

	for drop := 1; drop <= DefaultMaxAttempts+2; drop++ {
		conn, err := r.Disconnect("c1", "lost")
		require.NoError(t, err)
		require.Equal(t, domain.ConnDisconnected, conn.State, "drop %d", drop)
		assert.Equal(t, uint64(drop), conn.Drops)

		next, err := r.BeginReconnect("c1", conn.Generation)
		require.NoError(t, err)
		assert.Equal(t, 1, next.Attempts)

		back, err := r.MarkConnected("c1")
		require.NoError(t, err)
		assert.Zero(t, back.Attempts)
	}
	assert.Empty(t, obs.failed)

	// failed attempts within one drop share a budget
	conn, _ := r.Disconnect("c1", "lost")
	for range DefaultMaxAttempts {
		next, err := r.BeginReconnect("c1", conn.Generation)
		require.NoError(t, err)
		conn, err = r.Disconnect("c1", "negotiation timeout")
		require.NoError(t, err)
		assert.Equal(t, next.Drops, conn.Drops, "retry is the same drop")
	}
	assert.Equal(t, domain.ConnFailed, conn.State)
	assert.Equal(t, []domain.UserID{"c1"}, obs.failed)
}

func TestZeroBudgetFailsImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgr := mocks.NewMockMessenger(ctrl)
	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	obs := &obsRecorder{}
	r := New("b1", "host", msgr, obs, Options{MaxAttempts: 0})

	_, _ = r.Offer("l1", "host", []byte("o"))
	conn, err := r.Disconnect("l1", "lost")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnFailed, conn.State)
	assert.Empty(t, obs.disconnected)
}

func TestLeaveAndCloseAll(t *testing.T) {
	r, msgr, obs := newRelay(t)
	msgr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ domain.BroadcastID, to domain.UserID, m core.SignalMessage) error {
			if m.Type == MsgBye {
				return errors.New("peer gone")
			}
			return nil
		}).AnyTimes()

	_, _ = r.Offer("l1", "host", []byte("o"))
	_, _ = r.Offer("l2", "host", []byte("o"))
	_, _ = r.Offer("l3", "host", []byte("o"))

	conn, ok := r.Leave("l1", "leave")
	require.True(t, ok)
	assert.Equal(t, domain.ConnClosed, conn.State)
	_, ok = r.Leave("l1", "leave")
	assert.False(t, ok)

	r.CloseAll(domain.ReasonBroadcastEnded)
	assert.Zero(t, r.Len())
	assert.Equal(t, []domain.UserID{"l1", "l2", "l3"}, obs.closed)
}

func TestInvite(t *testing.T) {
	r, msgr, _ := newRelay(t)
	msgr.EXPECT().Deliver(domain.BroadcastID("b1"), domain.UserID("c1"), gomock.Any()).
		DoAndReturn(func(_ domain.BroadcastID, _ domain.UserID, m core.SignalMessage) error {
			assert.Equal(t, MsgNegotiate, m.Type)
			assert.Equal(t, domain.UserID("host"), m.From)
			return nil
		}).Times(2)
	msgr.EXPECT().Deliver(domain.BroadcastID("b1"), domain.UserID("host"), gomock.Any()).Return(nil)

	require.NoError(t, r.Invite("c1", domain.RoleCaller))
	assert.Zero(t, r.Len(), "invite alone creates nothing")

	_, err := r.Offer("c1", "host", []byte("o"))
	require.NoError(t, err)
	require.NoError(t, r.Invite("c1", domain.RoleCaller))
	conn, _ := r.Get("c1")
	assert.Equal(t, domain.RoleCaller, conn.Role)
}
