// Package metrics exposes the prometheus collectors of the broadcast core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/onair/internal/domain"
)

const namespace = "onair"

type Collectors struct {
	SessionsLive      prometheus.Gauge
	Listeners         *prometheus.GaugeVec
	Calls             *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ReconnectFailed   *prometheus.CounterVec

	Bitrate     *prometheus.GaugeVec
	PacketsLost *prometheus.GaugeVec
	Jitter      *prometheus.GaugeVec
	RTT         *prometheus.GaugeVec
	AudioLevel  *prometheus.GaugeVec
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration, which tests use to avoid the global registry.
func New(reg prometheus.Registerer) *Collectors {
	conn := []string{"broadcast", "peer"}
	c := &Collectors{
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_live",
			Help: "Broadcast sessions currently live.",
		}),
		Listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "listeners",
			Help: "Attached listeners per broadcast.",
		}, []string{"broadcast"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_total",
			Help: "Call requests by final state.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Reconnect attempts started.",
		}),
		ReconnectFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_exhausted_total",
			Help: "Connections that ran out of reconnect attempts.",
		}, []string{"role"}),
		Bitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conn", Name: "bitrate_bps",
			Help: "Last sampled bitrate.",
		}, conn),
		PacketsLost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conn", Name: "packets_lost",
			Help: "Cumulative packets lost.",
		}, conn),
		Jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conn", Name: "jitter_seconds",
			Help: "Last sampled interarrival jitter.",
		}, conn),
		RTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conn", Name: "rtt_seconds",
			Help: "Last sampled round trip time.",
		}, conn),
		AudioLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conn", Name: "audio_level",
			Help: "Instantaneous audio level, 0..1.",
		}, conn),
	}
	if reg != nil {
		reg.MustRegister(c.SessionsLive, c.Listeners, c.Calls, c.ReconnectAttempts, c.ReconnectFailed,
			c.Bitrate, c.PacketsLost, c.Jitter, c.RTT, c.AudioLevel)
	}
	return c
}

func (c *Collectors) ObserveQuality(key domain.ConnKey, m domain.Metrics) {
	if c == nil {
		return
	}
	b, p := string(key.Broadcast), string(key.Peer)
	c.Bitrate.WithLabelValues(b, p).Set(m.Bitrate)
	c.PacketsLost.WithLabelValues(b, p).Set(float64(m.PacketsLost))
	c.Jitter.WithLabelValues(b, p).Set(m.Jitter)
	c.RTT.WithLabelValues(b, p).Set(m.RTT.Seconds())
	c.AudioLevel.WithLabelValues(b, p).Set(m.AudioLevel)
}

// ForgetConnection drops the per-connection series once it is gone.
func (c *Collectors) ForgetConnection(key domain.ConnKey) {
	if c == nil {
		return
	}
	b, p := string(key.Broadcast), string(key.Peer)
	for _, v := range []*prometheus.GaugeVec{c.Bitrate, c.PacketsLost, c.Jitter, c.RTT, c.AudioLevel} {
		v.DeleteLabelValues(b, p)
	}
}

func (c *Collectors) ForgetBroadcast(b domain.BroadcastID) {
	if c == nil {
		return
	}
	c.Listeners.DeleteLabelValues(string(b))
	for _, v := range []*prometheus.GaugeVec{c.Bitrate, c.PacketsLost, c.Jitter, c.RTT, c.AudioLevel} {
		v.DeletePartialMatch(prometheus.Labels{"broadcast": string(b)})
	}
}

func (c *Collectors) CallSettled(state domain.CallState) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(string(state)).Inc()
}

func (c *Collectors) SetListeners(b domain.BroadcastID, n int) {
	if c == nil {
		return
	}
	c.Listeners.WithLabelValues(string(b)).Set(float64(n))
}

func (c *Collectors) SessionStarted() {
	if c != nil {
		c.SessionsLive.Inc()
	}
}

func (c *Collectors) SessionEnded() {
	if c != nil {
		c.SessionsLive.Dec()
	}
}

func (c *Collectors) ReconnectStarted() {
	if c != nil {
		c.ReconnectAttempts.Inc()
	}
}

func (c *Collectors) ReconnectExhausted(role domain.PeerRole) {
	if c != nil {
		c.ReconnectFailed.WithLabelValues(string(role)).Inc()
	}
}
