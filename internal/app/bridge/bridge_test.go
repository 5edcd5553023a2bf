package bridge

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/onair/internal/core/mocks"
	"github.com/dkeye/onair/internal/domain"
)

func ptr[T any](v T) *T { return &v }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBridge(t *testing.T) (*Bridge, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New("b1", nil, Options{Ramp: 40 * time.Millisecond, Now: clk.Now}), clk
}

func ids(src []domain.AudioSource) []domain.SourceID {
	out := make([]domain.SourceID, len(src))
	for i, s := range src {
		out[i] = s.ID
	}
	return out
}

func TestAddDefaults(t *testing.T) {
	b, _ := newTestBridge(t)
	id, err := b.Add(domain.SourceSpec{Type: domain.SourceMusic, Name: "bed"})
	require.NoError(t, err)

	src, ok := b.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1.0, src.Volume)
	assert.Equal(t, 0, src.Priority)
	assert.True(t, src.Active)
	assert.False(t, src.Muted)
}

func TestAddValidation(t *testing.T) {
	b, _ := newTestBridge(t)

	_, err := b.Add(domain.SourceSpec{Type: "radio"})
	assert.ErrorIs(t, err, domain.ErrInvalidSourceType)

	_, err = b.Add(domain.SourceSpec{Type: domain.SourceGuest, Volume: ptr(1.5)})
	assert.ErrorIs(t, err, domain.ErrInvalidVolume)

	_, err = b.Add(domain.SourceSpec{ID: "host", Type: domain.SourceHost})
	require.NoError(t, err)
	_, err = b.Add(domain.SourceSpec{Type: domain.SourceHost})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "only one host per bridge")

	_, err = b.Add(domain.SourceSpec{ID: "host", Type: domain.SourceGuest})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "ids are unique")
}

func TestActiveOrdering(t *testing.T) {
	b, _ := newTestBridge(t)
	music, _ := b.Add(domain.SourceSpec{Type: domain.SourceMusic, Priority: ptr(domain.PriorityMusic)})
	c1, _ := b.Add(domain.SourceSpec{Type: domain.SourceCaller, Priority: ptr(domain.PriorityCaller)})
	host, _ := b.Add(domain.SourceSpec{Type: domain.SourceHost, Priority: ptr(domain.PriorityHost)})
	c2, _ := b.Add(domain.SourceSpec{Type: domain.SourceCaller, Priority: ptr(domain.PriorityCaller)})
	fx, _ := b.Add(domain.SourceSpec{Type: domain.SourceEffects, Priority: ptr(domain.PriorityEffects)})

	assert.Equal(t, []domain.SourceID{host, c1, c2, music, fx}, ids(b.Active()))

	_, err := b.Update(c1, domain.SourceUpdate{Muted: ptr(true)})
	require.NoError(t, err)
	require.NoError(t, b.SetActive(music, false))
	assert.Equal(t, []domain.SourceID{host, c2, fx}, ids(b.Active()))

	stats := b.Stats()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, ids(b.Active()), ids(stats.Sources))
}

func TestRemoveIdempotentAndHostGuard(t *testing.T) {
	b, _ := newTestBridge(t)
	host, _ := b.Add(domain.SourceSpec{Type: domain.SourceHost})
	g, _ := b.Add(domain.SourceSpec{Type: domain.SourceGuest})

	require.NoError(t, b.Remove(g))
	require.NoError(t, b.Remove(g))
	require.NoError(t, b.Remove("never-existed"))
	assert.ErrorIs(t, b.Remove(host), domain.ErrInvalidState)

	b.Clear()
	assert.Empty(t, b.Sources())
	assert.Equal(t, domain.SourceID(""), b.Host())
}

func TestUpdatePartialAndNotFound(t *testing.T) {
	b, _ := newTestBridge(t)
	id, _ := b.Add(domain.SourceSpec{Type: domain.SourceGuest, Volume: ptr(0.8), Priority: ptr(5)})

	src, err := b.Update(id, domain.SourceUpdate{Priority: ptr(7)})
	require.NoError(t, err)
	assert.Equal(t, 0.8, src.Volume)
	assert.Equal(t, 7, src.Priority)

	_, err = b.Update("nope", domain.SourceUpdate{Volume: ptr(0.1)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = b.Update(id, domain.SourceUpdate{Volume: ptr(-0.1)})
	assert.ErrorIs(t, err, domain.ErrInvalidVolume)
}

func TestGainChangesAreRamped(t *testing.T) {
	b, clk := newTestBridge(t)
	id, _ := b.Add(domain.SourceSpec{Type: domain.SourceGuest})
	clk.Advance(time.Second)

	_, err := b.Update(id, domain.SourceUpdate{Volume: ptr(0.2)})
	require.NoError(t, err)
	r, ok := b.Ramp(id)
	require.True(t, ok)
	assert.InDelta(t, 1.0, r.From, 1e-9)
	assert.InDelta(t, 0.2, r.To, 1e-9)
	assert.Equal(t, 40*time.Millisecond, r.Duration)
	assert.InDelta(t, 0.6, r.At(clk.Now().Add(20*time.Millisecond)), 1e-9)

	// Mute mid-ramp continues from the current gain instead of jumping.
	clk.Advance(20 * time.Millisecond)
	_, err = b.Update(id, domain.SourceUpdate{Muted: ptr(true)})
	require.NoError(t, err)
	r, _ = b.Ramp(id)
	assert.InDelta(t, 0.6, r.From, 1e-9)
	assert.InDelta(t, 0.0, r.To, 1e-9)
}

func TestMixerReceivesOrderedSet(t *testing.T) {
	ctrl := gomock.NewController(t)
	mixer := mocks.NewMockMixerBackend(ctrl)
	b := New("b1", mixer, Options{})

	mixer.EXPECT().SetGain(domain.BroadcastID("b1"), gomock.Any(), gomock.Any()).AnyTimes()
	mixer.EXPECT().DropSource(domain.BroadcastID("b1"), domain.SourceID("guest"))
	gomock.InOrder(
		mixer.EXPECT().SetActiveSources(domain.BroadcastID("b1"), gomock.Len(1)),
		mixer.EXPECT().SetActiveSources(domain.BroadcastID("b1"), gomock.Len(2)).
			Do(func(_ domain.BroadcastID, ordered []domain.AudioSource) {
				assert.Equal(t, []domain.SourceID{"host", "guest"}, ids(ordered))
			}),
		mixer.EXPECT().SetActiveSources(domain.BroadcastID("b1"), gomock.Len(1)),
	)

	_, err := b.Add(domain.SourceSpec{ID: "host", Type: domain.SourceHost, Priority: ptr(100)})
	require.NoError(t, err)
	_, err = b.Add(domain.SourceSpec{ID: "guest", Type: domain.SourceGuest, Priority: ptr(60)})
	require.NoError(t, err)
	// Volume only: same active set, no new push.
	_, err = b.Update("guest", domain.SourceUpdate{Volume: ptr(0.5)})
	require.NoError(t, err)
	require.NoError(t, b.Remove("guest"))
}

// TestActiveSetMatchesModel drives random mutations and checks the active
// list against a straightforward reference computation.
func TestActiveSetMatchesModel(t *testing.T) {
	type model struct {
		prio   int
		seq    int
		muted  bool
		active bool
	}
	rng := rand.New(rand.NewPCG(7, 11))
	b, _ := newTestBridge(t)
	ref := map[domain.SourceID]*model{}
	var order []domain.SourceID
	seq := 0

	for step := 0; step < 500; step++ {
		switch op := rng.IntN(4); {
		case op == 0 || len(order) == 0:
			p := rng.IntN(5)
			id, err := b.Add(domain.SourceSpec{Type: domain.SourceGuest, Priority: ptr(p)})
			require.NoError(t, err)
			seq++
			ref[id] = &model{prio: p, seq: seq, active: true}
			order = append(order, id)
		case op == 1:
			i := rng.IntN(len(order))
			id := order[i]
			require.NoError(t, b.Remove(id))
			delete(ref, id)
			order = append(order[:i], order[i+1:]...)
		case op == 2:
			id := order[rng.IntN(len(order))]
			upd := domain.SourceUpdate{}
			if rng.IntN(2) == 0 {
				upd.Muted = ptr(rng.IntN(2) == 0)
				ref[id].muted = *upd.Muted
			} else {
				upd.Priority = ptr(rng.IntN(5))
				ref[id].prio = *upd.Priority
			}
			_, err := b.Update(id, upd)
			require.NoError(t, err)
		default:
			id := order[rng.IntN(len(order))]
			act := rng.IntN(2) == 0
			require.NoError(t, b.SetActive(id, act))
			ref[id].active = act
		}

		var want []domain.SourceID
		for _, id := range order {
			if m := ref[id]; m.active && !m.muted {
				want = append(want, id)
			}
		}
		// insertion sort keeps ties in attachment order
		for i := 1; i < len(want); i++ {
			for j := i; j > 0; j-- {
				a, c := ref[want[j-1]], ref[want[j]]
				if a.prio > c.prio || (a.prio == c.prio && a.seq < c.seq) {
					break
				}
				want[j-1], want[j] = want[j], want[j-1]
			}
		}

		got := ids(b.Active())
		if len(want) == 0 {
			require.Empty(t, got, "step %d", step)
		} else {
			require.Equal(t, want, got, "step %d", step)
		}
		require.Equal(t, got, ids(b.Active()), "repeated reads are stable")
	}
}
