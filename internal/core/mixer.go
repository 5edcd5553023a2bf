package core

import "github.com/dkeye/onair/internal/domain"

// MixerBackend does the actual sample mixing/forwarding. The bridge hands it
// the ordered active-source set and gain ramps; the ordering is binding.
type MixerBackend interface {
	SetActiveSources(b domain.BroadcastID, ordered []domain.AudioSource)
	SetGain(b domain.BroadcastID, id domain.SourceID, ramp domain.GainRamp)
	DropSource(b domain.BroadcastID, id domain.SourceID)
}

// NopMixer is used when no media backend is attached.
type NopMixer struct{}

func (NopMixer) SetActiveSources(domain.BroadcastID, []domain.AudioSource)    {}
func (NopMixer) SetGain(domain.BroadcastID, domain.SourceID, domain.GainRamp) {}
func (NopMixer) DropSource(domain.BroadcastID, domain.SourceID)               {}
