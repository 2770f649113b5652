package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures per-peer admission settings.
type Options struct {
	// RateLimit is the sustained request rate per peer. Zero disables limiting.
	RateLimit float64
	// RateBurst is the token bucket size.
	RateBurst int
}

// Registry owns peer ids and the index of connected peers.
// All methods are safe for concurrent use.
//
// Ids come from a slot arena: a released id is queued and handed out again,
// oldest first, before any new id is minted. The arena mutex is held only
// while allocating or releasing; lookups go through a concurrent map.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	inUse []bool
	free  []int

	peers *xsync.MapOf[int, *Peer]
}

// New creates an empty Registry.
//
// Precondition: logger must be non-nil.
func New(opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		opts:   opts,
		logger: logger,
		peers:  xsync.NewMapOf[int, *Peer](),
	}
}

// Admit registers a newly accepted connection.
//
// Precondition: conn must be non-nil and open.
// Postcondition: The returned peer is Connected, indexed under an id no other
// connected peer holds, with a fresh session id and last heartbeat = now.
func (r *Registry) Admit(conn Conn, now time.Time) *Peer {
	p := &Peer{
		sessionID:   uuid.NewString(),
		conn:        conn,
		addr:        conn.RemoteAddr(),
		connectedAt: now,
	}
	p.state.Store(int32(StateConnecting))
	p.Touch(now)
	if r.opts.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(r.opts.RateLimit), r.opts.RateBurst)
	}

	p.id = r.allocate()
	r.peers.Store(p.id, p)
	p.state.Store(int32(StateConnected))

	r.logger.Info("peer admitted",
		zap.Int("peer_id", p.id),
		zap.String("session_id", p.sessionID),
		zap.String("remote_addr", p.addr),
	)
	return p
}

// Remove tears a peer down: unindexes it, closes its transport and returns its
// id to the reuse queue. It is safe to call from several goroutines.
//
// Postcondition: Returns true for the single caller that performed the teardown.
func (r *Registry) Remove(p *Peer, reason string) bool {
	for {
		s := p.State()
		if s >= StateClosing {
			return false
		}
		if p.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}

	r.peers.Compute(p.id, func(cur *Peer, loaded bool) (*Peer, bool) {
		return cur, !loaded || cur == p
	})
	if err := p.conn.Close(); err != nil {
		r.logger.Debug("closing peer transport", zap.Int("peer_id", p.id), zap.Error(err))
	}
	p.state.Store(int32(StateClosed))
	r.release(p.id)

	r.logger.Info("peer removed",
		zap.Int("peer_id", p.id),
		zap.String("session_id", p.sessionID),
		zap.String("remote_addr", p.addr),
		zap.String("reason", reason),
		zap.Duration("connected_for", time.Since(p.connectedAt)),
	)
	return true
}

// Get returns the connected peer holding id.
func (r *Registry) Get(id int) (*Peer, bool) {
	return r.peers.Load(id)
}

// Len returns the number of indexed peers.
func (r *Registry) Len() int {
	return r.peers.Size()
}

// Range calls f for each indexed peer until f returns false.
func (r *Registry) Range(f func(p *Peer) bool) {
	r.peers.Range(func(_ int, p *Peer) bool { return f(p) })
}

// Snapshot returns the indexed peers ordered by id.
func (r *Registry) Snapshot() []*Peer {
	out := make([]*Peer, 0, r.peers.Size())
	r.peers.Range(func(_ int, p *Peer) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseAll removes every indexed peer.
//
// Postcondition: Returns the number of peers this call tore down.
func (r *Registry) CloseAll(reason string) int {
	n := 0
	for _, p := range r.Snapshot() {
		if r.Remove(p, reason) {
			n++
		}
	}
	return n
}

func (r *Registry) allocate() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id int
	if len(r.free) > 0 {
		id = r.free[0]
		r.free = r.free[1:]
	} else {
		id = len(r.inUse)
		r.inUse = append(r.inUse, false)
	}
	if r.inUse[id] {
		panic(fmt.Sprintf("registry: id %d allocated while in use", id))
	}
	r.inUse[id] = true
	return id
}

func (r *Registry) release(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= len(r.inUse) || !r.inUse[id] {
		panic(fmt.Sprintf("registry: release of unallocated id %d", id))
	}
	r.inUse[id] = false
	r.free = append(r.free, id)
}
