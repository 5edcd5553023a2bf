package domain

import "time"

type PeerRole string

const (
	RoleBroadcaster PeerRole = "broadcaster"
	RoleListener    PeerRole = "listener"
	RoleCaller      PeerRole = "caller"
	RoleGuest       PeerRole = "guest"
)

type ConnState string

const (
	ConnNew          ConnState = "NEW"
	ConnNegotiating  ConnState = "NEGOTIATING"
	ConnConnected    ConnState = "CONNECTED"
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnFailed       ConnState = "FAILED"
	// ConnClosed is the terminal state of an explicit leave.
	ConnClosed ConnState = "CLOSED"
)

func (s ConnState) Terminal() bool { return s == ConnFailed || s == ConnClosed }

// ServerPeer is the reserved peer ID of the server-side media endpoint.
const ServerPeer UserID = "sfu"

// ConnKey identifies a signaling connection: one per (broadcast, peer).
type ConnKey struct {
	Broadcast BroadcastID `json:"broadcast_id"`
	Peer      UserID      `json:"peer_id"`
}

func (k ConnKey) String() string { return string(k.Broadcast) + "/" + string(k.Peer) }

// Metrics are the accumulated transport figures of one connection.
type Metrics struct {
	Bitrate     float64       `json:"bitrate"`
	PacketsLost int64         `json:"packets_lost"`
	Jitter      float64       `json:"jitter"`
	RTT         time.Duration `json:"rtt"`
	AudioLevel  float64       `json:"audio_level"`
	SampledAt   time.Time     `json:"sampled_at"`
}

type SignalingConnection struct {
	Key  ConnKey  `json:"key"`
	Role PeerRole `json:"role"`
	// Remote is the other party: the broadcaster, or ServerPeer for
	// server-terminated media.
	Remote       UserID    `json:"remote"`
	State        ConnState `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Attempts     int       `json:"reconnect_attempts"`
	Metrics      Metrics   `json:"metrics"`
	Reason       string    `json:"reason,omitempty"`

	LastOffer  []byte `json:"-"`
	LastAnswer []byte `json:"-"`
	// Generation increases every time the connection is superseded or
	// re-negotiated; stale timers compare against it.
	Generation uint64 `json:"-"`
	// Drops counts transport-level drops; each one gets a fresh reconnect budget.
	Drops uint64 `json:"drops"`
}
