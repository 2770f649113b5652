// Package heartbeat evicts peers that stop sending heartbeats.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults applied to zero Config fields.
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 15 * time.Second
)

// Target is anything with an id and a liveness timestamp.
type Target interface {
	ID() int
	LastHeartbeat() time.Time
}

// Config controls the sweep cadence.
type Config struct {
	// Interval is the period between sweeps.
	Interval time.Duration
	// Timeout is the silence after which a target is evicted.
	Timeout time.Duration
	// Workers partitions each sweep across this many goroutines.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	return c
}

// Expired reports whether a target last heard from at last is stale at now.
// A target exactly Timeout old is still alive.
func Expired(now, last time.Time, timeout time.Duration) bool {
	return now.Sub(last) > timeout
}

// Monitor periodically sweeps a target set and evicts stale targets.
//
// Invariant: each sweep evaluates every listed target exactly once.
type Monitor[T Target] struct {
	cfg    Config
	list   func() []T
	evict  func(T) bool
	logger *zap.Logger
}

// NewMonitor creates a Monitor.
//
// Precondition: list and evict must be non-nil; evict must be idempotent and
// return true only for the call that actually removed the target.
// Postcondition: Returns a Monitor with defaults applied to zero Config fields.
func NewMonitor[T Target](cfg Config, list func() []T, evict func(T) bool, logger *zap.Logger) *Monitor[T] {
	return &Monitor[T]{
		cfg:    cfg.withDefaults(),
		list:   list,
		evict:  evict,
		logger: logger,
	}
}

// Config returns the effective configuration.
func (m *Monitor[T]) Config() Config { return m.cfg }

// Sweep evicts every target silent for longer than Timeout at now.
//
// Postcondition: Returns the ids this sweep evicted, in ascending order.
func (m *Monitor[T]) Sweep(now time.Time) []int {
	targets := m.list()
	if len(targets) == 0 {
		return nil
	}

	workers := m.cfg.Workers
	if workers > len(targets) {
		workers = len(targets)
	}
	chunk := (len(targets) + workers - 1) / workers

	var mu sync.Mutex
	var evicted []int
	var g errgroup.Group
	for start := 0; start < len(targets); start += chunk {
		part := targets[start:min(start+chunk, len(targets))]
		g.Go(func() error {
			for _, t := range part {
				last := t.LastHeartbeat()
				if !Expired(now, last, m.cfg.Timeout) {
					continue
				}
				if !m.evict(t) {
					continue
				}
				m.logger.Info("peer did not send heartbeat, disconnecting",
					zap.Int("peer_id", t.ID()),
					zap.Duration("silent_for", now.Sub(last)),
				)
				mu.Lock()
				evicted = append(evicted, t.ID())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(evicted)
	return evicted
}

// Run sweeps every Interval until ctx is cancelled.
//
// Postcondition: Returns ctx.Err() once ctx is done.
func (m *Monitor[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if ids := m.Sweep(now); len(ids) > 0 {
				m.logger.Debug("heartbeat sweep evicted peers", zap.Ints("peer_ids", ids))
			}
		}
	}
}
