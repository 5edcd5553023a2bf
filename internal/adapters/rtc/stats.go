package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/onair/internal/domain"
)

const opusClockRate = 48000

// MediaStatsSource exposes the stats of server-terminated connections.
type MediaStatsSource interface {
	MediaStats(key domain.ConnKey) (webrtc.StatsReport, bool)
}

type byteCount struct {
	bytes uint64
	at    time.Time
}

// StatsCollector implements core.StatsSource. Server-terminated connections
// are read from their peer connection; connections between two clients
// rely on what the clients report, or on the last RTCP receiver report.
type StatsCollector struct {
	media MediaStatsSource
	now   func() time.Time

	mu       sync.Mutex
	prev     map[domain.ConnKey]byteCount
	reported map[domain.ConnKey]domain.Metrics
	rr       map[domain.ConnKey]rtcp.ReceptionReport
}

func NewStatsCollector(media MediaStatsSource) *StatsCollector {
	return &StatsCollector{
		media:    media,
		now:      time.Now,
		prev:     make(map[domain.ConnKey]byteCount),
		reported: make(map[domain.ConnKey]domain.Metrics),
		rr:       make(map[domain.ConnKey]rtcp.ReceptionReport),
	}
}

func (s *StatsCollector) Sample(ctx context.Context, key domain.ConnKey) (domain.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return domain.Metrics{}, err
	}
	if s.media != nil {
		if report, ok := s.media.MediaStats(key); ok {
			return s.fromReport(key, report), nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.reported[key]; ok {
		return m, nil
	}
	if rr, ok := s.rr[key]; ok {
		return fromReception(rr, s.now()), nil
	}
	return domain.Metrics{}, fmt.Errorf("stats for %s: %w", key, domain.ErrNotFound)
}

// Report stores figures a client measured on its own side.
func (s *StatsCollector) Report(key domain.ConnKey, m domain.Metrics) {
	if m.SampledAt.IsZero() {
		m.SampledAt = s.now()
	}
	s.mu.Lock()
	s.reported[key] = m
	s.mu.Unlock()
}

// RecordReceiverReport keeps the latest RTCP reception report of a listener.
func (s *StatsCollector) RecordReceiverReport(key domain.ConnKey, rr rtcp.ReceptionReport) {
	s.mu.Lock()
	s.rr[key] = rr
	s.mu.Unlock()
}

func (s *StatsCollector) Forget(key domain.ConnKey) {
	s.mu.Lock()
	delete(s.prev, key)
	delete(s.reported, key)
	delete(s.rr, key)
	s.mu.Unlock()
}

func fromReception(rr rtcp.ReceptionReport, at time.Time) domain.Metrics {
	return domain.Metrics{
		PacketsLost: int64(rr.TotalLost),
		Jitter:      float64(rr.Jitter) / opusClockRate,
		SampledAt:   at,
	}
}

func (s *StatsCollector) fromReport(key domain.ConnKey, report webrtc.StatsReport) domain.Metrics {
	now := s.now()
	m := domain.Metrics{SampledAt: now}
	var bytes uint64
	var rtt float64
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.InboundRTPStreamStats:
			if v.Kind != webrtc.RTPCodecTypeAudio.String() {
				continue
			}
			bytes += v.BytesReceived
			m.PacketsLost += int64(v.PacketsLost)
			m.Jitter = max(m.Jitter, v.Jitter)
		case webrtc.OutboundRTPStreamStats:
			bytes += v.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			m.PacketsLost += int64(v.PacketsLost)
			m.Jitter = max(m.Jitter, v.Jitter)
			if rtt == 0 {
				rtt = v.RoundTripTime
			}
		case webrtc.ICECandidatePairStats:
			if v.Nominated && v.CurrentRoundTripTime > 0 {
				rtt = v.CurrentRoundTripTime
			}
		case webrtc.AudioReceiverStats:
			m.AudioLevel = max(m.AudioLevel, v.AudioLevel)
		}
	}
	m.RTT = time.Duration(rtt * float64(time.Second))

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prev[key]; ok && bytes >= p.bytes {
		if secs := now.Sub(p.at).Seconds(); secs > 0 {
			m.Bitrate = float64(bytes-p.bytes) * 8 / secs
		}
	}
	s.prev[key] = byteCount{bytes: bytes, at: now}
	if m.PacketsLost == 0 {
		if rr, ok := s.rr[key]; ok {
			m.PacketsLost = int64(rr.TotalLost)
		}
	}
	return m
}
