package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/onair/internal/domain"
)

func TestObserveAndForget(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	key := domain.ConnKey{Broadcast: "b1", Peer: "l1"}

	c.ObserveQuality(key, domain.Metrics{Bitrate: 64000, PacketsLost: 3, RTT: 40 * time.Millisecond})
	assert.Equal(t, 64000.0, testutil.ToFloat64(c.Bitrate.WithLabelValues("b1", "l1")))
	assert.InDelta(t, 0.04, testutil.ToFloat64(c.RTT.WithLabelValues("b1", "l1")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(c.PacketsLost))

	c.ForgetBroadcast("b1")
	assert.Equal(t, 0, testutil.CollectAndCount(c.PacketsLost))

	c.SessionStarted()
	c.SessionStarted()
	c.SessionEnded()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionsLive))

	n, err := testutil.GatherAndCount(reg, "onair_sessions_live")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilCollectorsAreNoop(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.ObserveQuality(domain.ConnKey{}, domain.Metrics{})
		c.SessionStarted()
		c.CallSettled(domain.CallEnded)
		c.ForgetBroadcast("b")
	})
}
