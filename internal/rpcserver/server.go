// Package rpcserver runs the lobby RPC server: one task per connection that
// admits the peer, reads framed requests, dispatches them and writes the
// responses, plus a background sweep evicting silent peers.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/dispatch"
	"github.com/cory-johannsen/lobby/internal/heartbeat"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/registry"
	"github.com/cory-johannsen/lobby/internal/transport"
)

// ErrRateLimited is the cause recorded for requests rejected by the per-peer limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrPeerNotFound is returned by Push for an id no connected peer holds.
var ErrPeerNotFound = errors.New("peer not found")

// Option customises a Server.
type Option func(*Server)

// WithCommands replaces the built-in command table.
func WithCommands(commands *dispatch.Registry) Option {
	return func(s *Server) { s.commands = commands }
}

// WithClock overrides the time source used for heartbeats and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is the lobby RPC server.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	now    func() time.Time

	commands   *dispatch.Registry
	peers      *registry.Registry
	dispatcher *dispatch.Dispatcher
	monitor    *heartbeat.Monitor[*registry.Peer]
	acceptor   *transport.Acceptor
	metrics    *observability.ServerMetrics

	mu          sync.Mutex
	stopped     bool
	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a Server.
//
// Precondition: cfg must be valid; logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func New(cfg config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.commands == nil {
		s.commands = dispatch.DefaultRegistry()
	}

	s.peers = registry.New(registry.Options{
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, logger.Named("registry"))
	s.dispatcher = dispatch.NewDispatcher(s.commands, logger.Named("dispatch"))
	s.metrics = observability.NewServerMetrics(s.peers.Len)
	s.monitor = heartbeat.NewMonitor(heartbeat.Config{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
		Workers:  cfg.SweepWorkers,
	}, s.peers.Snapshot, s.evict, logger.Named("heartbeat"))
	s.acceptor = transport.NewAcceptor(cfg.Addr(), transport.Options{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
	}, s, logger.Named("acceptor"))
	return s
}

// ListenAndServe starts the heartbeat sweep and accepts connections until Stop
// is called. It blocks until the listener is closed.
//
// Postcondition: Returns nil after Stop, or the listen error.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelSweep = cancel
	s.sweepDone = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.sweepDone)
		_ = s.monitor.Run(ctx)
	}()

	err := s.acceptor.ListenAndServe()
	if err != nil {
		cancel()
	}
	return err
}

// Stop closes the listener and every peer connection, stops the sweep and
// waits for all connection tasks to return.
//
// Postcondition: No connection task or sweep runs after Stop returns.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancelSweep, s.sweepDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.acceptor.Stop()
	if n := s.peers.CloseAll("server stopped"); n > 0 {
		s.logger.Warn("closed peers left after acceptor stop", zap.Int("count", n))
	}
	s.logger.Info("rpc server stopped")
}

// Addr returns the bound listen address, or "" before the listener is up.
func (s *Server) Addr() string { return s.acceptor.Addr() }

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool { return s.acceptor.IsRunning() }

// Metrics returns the server's metric set.
func (s *Server) Metrics() *observability.ServerMetrics { return s.metrics }

// Commands returns the command table.
func (s *Server) Commands() *dispatch.Registry { return s.commands }

// Peer returns the connected peer holding id.
func (s *Server) Peer(id int) (*registry.Peer, bool) { return s.peers.Get(id) }

// Peers returns a snapshot of every connected peer ordered by id.
func (s *Server) Peers() []registry.Info {
	snap := s.peers.Snapshot()
	out := make([]registry.Info, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.Info())
	}
	return out
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int { return s.peers.Len() }

// Sweep runs one heartbeat sweep at now.
//
// Postcondition: Returns the evicted peer ids in ascending order.
func (s *Server) Sweep(now time.Time) []int { return s.monitor.Sweep(now) }

// Disconnect tears down the peer holding id.
//
// Postcondition: Returns false when no connected peer holds id.
func (s *Server) Disconnect(id int, reason string) bool {
	p, ok := s.peers.Get(id)
	if !ok {
		return false
	}
	return s.peers.Remove(p, reason)
}

func (s *Server) evict(p *registry.Peer) bool {
	if !s.peers.Remove(p, "heartbeat timeout") {
		return false
	}
	s.metrics.PeersEvicted.Inc()
	return true
}

// Status is a point-in-time view of the server.
type Status struct {
	Addr     string          `json:"addr"`
	Peers    []registry.Info `json:"peers"`
	Commands []string        `json:"commands"`
}

// Status snapshots the listen address, connected peers and command names.
func (s *Server) Status() Status {
	cmds := s.commands.Commands()
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	return Status{Addr: s.Addr(), Peers: s.Peers(), Commands: names}
}

type frameWriter interface {
	WriteMessage(payload []byte) error
}

// Push sends a server-initiated message to one peer. The write is serialised
// with the peer's responses.
//
// Precondition: msg must be non-nil.
// Postcondition: Returns ErrPeerNotFound for an unknown id, or the write error;
// a failed write tears the peer down.
func (s *Server) Push(id int, msg *protocol.Message) error {
	p, ok := s.peers.Get(id)
	if !ok {
		return fmt.Errorf("pushing to peer %d: %w", id, ErrPeerNotFound)
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.pushEncoded(p, b)
}

// Broadcast sends msg to every connected peer.
//
// Postcondition: Returns the number of peers the message was written to.
func (s *Server) Broadcast(msg *protocol.Message) (int, error) {
	b, err := protocol.Encode(msg)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, p := range s.peers.Snapshot() {
		if err := s.pushEncoded(p, b); err == nil {
			sent++
		}
	}
	return sent, nil
}

func (s *Server) pushEncoded(p *registry.Peer, payload []byte) error {
	w, ok := p.Conn().(frameWriter)
	if !ok {
		return fmt.Errorf("peer %d transport cannot write frames", p.ID())
	}
	if err := w.WriteMessage(payload); err != nil {
		s.peers.Remove(p, "push write failed")
		return fmt.Errorf("pushing to peer %d: %w", p.ID(), err)
	}
	return nil
}
