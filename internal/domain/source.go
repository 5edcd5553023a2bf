package domain

import "time"

type SourceID string

type SourceType string

const (
	SourceHost    SourceType = "host"
	SourceGuest   SourceType = "guest"
	SourceCaller  SourceType = "caller"
	SourceMusic   SourceType = "music"
	SourceEffects SourceType = "effects"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceHost, SourceGuest, SourceCaller, SourceMusic, SourceEffects:
		return true
	}
	return false
}

// Priorities used when the caller does not pick one. Callers sit above
// music/effects and below the host.
const (
	PriorityDefault = 0
	PriorityMusic   = 10
	PriorityEffects = 10
	PriorityCaller  = 50
	PriorityGuest   = 60
	PriorityHost    = 100
)

// FeedHandle is an opaque reference to the media feed behind a source.
// It is nil until the underlying connection is established.
type FeedHandle any

// AudioSource is a named, independently controllable contributor to the mix.
type AudioSource struct {
	ID         SourceID   `json:"id"`
	Type       SourceType `json:"type"`
	Name       string     `json:"name"`
	Volume     float64    `json:"volume"`
	Muted      bool       `json:"muted"`
	Active     bool       `json:"active"`
	Priority   int        `json:"priority"`
	AttachedAt time.Time  `json:"attached_at"`
	// Owner is the peer whose connection feeds this source, if any.
	Owner UserID     `json:"owner,omitempty"`
	Feed  FeedHandle `json:"-"`

	// seq is the attachment order inside one bridge.
	seq uint64
}

func (s *AudioSource) Seq() uint64       { return s.seq }
func (s *AudioSource) SetSeq(seq uint64) { s.seq = seq }
func (s *AudioSource) Audible() bool     { return s.Active && !s.Muted }

// SourceSpec is the add-source command. Nil fields take defaults.
type SourceSpec struct {
	ID       SourceID   `json:"id,omitempty"`
	Type     SourceType `json:"type"`
	Name     string     `json:"name"`
	Volume   *float64   `json:"volume,omitempty"`
	Muted    bool       `json:"muted,omitempty"`
	Priority *int       `json:"priority,omitempty"`
	Owner    UserID     `json:"owner,omitempty"`
	Feed     FeedHandle `json:"-"`
}

// SourceUpdate applies only the non-nil fields.
type SourceUpdate struct {
	Volume   *float64 `json:"volume,omitempty"`
	Muted    *bool    `json:"mute,omitempty"`
	Priority *int     `json:"priority,omitempty"`
}

func (u SourceUpdate) Empty() bool {
	return u.Volume == nil && u.Muted == nil && u.Priority == nil
}

func ValidVolume(v float64) bool { return v >= 0 && v <= 1 }

// BridgeStats is the externally visible mix state.
type BridgeStats struct {
	Total   int           `json:"total"`
	Active  int           `json:"active"`
	Sources []AudioSource `json:"active_sources"`
}
