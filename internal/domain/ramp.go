package domain

import "time"

// GainRamp describes a linear gain change from From to To starting at Start
// and lasting Duration. Backends sample it with At instead of stepping.
type GainRamp struct {
	From     float64       `json:"from"`
	To       float64       `json:"to"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
}

// At returns the gain at t, clamped to the ramp's end points.
func (r GainRamp) At(t time.Time) float64 {
	if r.Duration <= 0 || !t.After(r.Start) {
		if r.Duration <= 0 {
			return r.To
		}
		return r.From
	}
	el := t.Sub(r.Start)
	if el >= r.Duration {
		return r.To
	}
	frac := float64(el) / float64(r.Duration)
	return r.From + (r.To-r.From)*frac
}

func (r GainRamp) Done(t time.Time) bool {
	return r.Duration <= 0 || !t.Before(r.Start.Add(r.Duration))
}

// Rebase starts a new ramp towards to from wherever r is at t, so that a
// change arriving mid-ramp never jumps.
func (r GainRamp) Rebase(t time.Time, to float64, d time.Duration) GainRamp {
	return GainRamp{From: r.At(t), To: to, Start: t, Duration: d}
}

// EffectiveGain is the target gain a source contributes to the mix.
func EffectiveGain(s AudioSource) float64 {
	if !s.Audible() {
		return 0
	}
	return s.Volume
}
