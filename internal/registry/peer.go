// Package registry tracks connected RPC peers: id allocation with reuse,
// per-peer lifecycle state and liveness timestamps.
package registry

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State is a peer's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateHandshaked
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHandshaked:
		return "handshaked"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the transport handle owned by a peer.
type Conn interface {
	Close() error
	RemoteAddr() string
}

// Peer is one connected remote client.
//
// Identity fields are immutable after admission. State, heartbeat and
// authorization are safe for concurrent use.
type Peer struct {
	id          int
	sessionID   string
	conn        Conn
	addr        string
	connectedAt time.Time

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	authorized    atomic.Bool
	limiter       *rate.Limiter
}

// ID returns the peer's slot id.
func (p *Peer) ID() int { return p.id }

// SessionID returns the UUID assigned at admission.
func (p *Peer) SessionID() string { return p.sessionID }

// Conn returns the transport handle.
func (p *Peer) Conn() Conn { return p.conn }

// RemoteAddr returns the peer's "ip:port".
func (p *Peer) RemoteAddr() string { return p.addr }

// ConnectedAt returns the admission time.
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

// State returns the current lifecycle state.
func (p *Peer) State() State { return State(p.state.Load()) }

// Connected reports whether the peer is admitted and not yet torn down.
func (p *Peer) Connected() bool {
	s := p.State()
	return s == StateConnected || s == StateHandshaked
}

// Handshaked reports whether the peer has completed greet.
func (p *Peer) Handshaked() bool { return p.State() == StateHandshaked }

// Authorized reports the auth outcome of the last greet.
func (p *Peer) Authorized() bool { return p.authorized.Load() }

// MarkHandshaked records a completed greet.
//
// Postcondition: Returns false, leaving the peer untouched, when it is closing or closed.
func (p *Peer) MarkHandshaked(authorized bool) bool {
	for {
		s := p.State()
		switch s {
		case StateHandshaked:
			p.authorized.Store(authorized)
			return true
		case StateConnected:
			if p.state.CompareAndSwap(int32(s), int32(StateHandshaked)) {
				p.authorized.Store(authorized)
				return true
			}
		default:
			return false
		}
	}
}

// Touch records a heartbeat received at now.
func (p *Peer) Touch(now time.Time) { p.lastHeartbeat.Store(now.UnixNano()) }

// LastHeartbeat returns the time of the last recorded heartbeat.
func (p *Peer) LastHeartbeat() time.Time { return time.Unix(0, p.lastHeartbeat.Load()) }

// Allow reports whether one more request at now fits the peer's rate limit.
// Peers without a limiter always allow.
func (p *Peer) Allow(now time.Time) bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.AllowN(now, 1)
}

// Info is a point-in-time view of a peer.
type Info struct {
	ID            int       `json:"id"`
	SessionID     string    `json:"session_id"`
	RemoteAddr    string    `json:"remote_addr"`
	State         string    `json:"state"`
	Handshaked    bool      `json:"handshaked"`
	Authorized    bool      `json:"authorized"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Info snapshots the peer.
func (p *Peer) Info() Info {
	s := p.State()
	return Info{
		ID:            p.id,
		SessionID:     p.sessionID,
		RemoteAddr:    p.addr,
		State:         s.String(),
		Handshaked:    s == StateHandshaked,
		Authorized:    p.Authorized(),
		ConnectedAt:   p.connectedAt,
		LastHeartbeat: p.LastHeartbeat(),
	}
}
