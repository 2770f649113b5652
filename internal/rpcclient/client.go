// Package rpcclient is the client side of the lobby RPC protocol: it sends
// requests, matches responses to their callers by request id, expires calls
// that outlive their deadline and keeps the connection alive with heartbeats.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/transport"
)

// DefaultCallTimeout applies when neither the call nor the config sets one.
const DefaultCallTimeout = 5 * time.Second

// Callback receives the outcome of one call exactly once: the response, or a
// nil response and one of *CallTimeoutError, ErrClientClosed, ErrConnectionLost.
type Callback func(resp *protocol.Message, err error)

// Observer receives every message not matched to an outstanding call.
type Observer func(msg *protocol.Message)

// Option customises a Client.
type Option func(*Client)

// WithObserver registers the handler for unmatched messages and server pushes.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithDeliver routes every callback and observer invocation through run, for
// example onto a UI thread queue. The default runs them inline.
func WithDeliver(run func(func())) Option {
	return func(c *Client) { c.deliver = run }
}

// WithClock overrides the time source used for deadlines and heartbeats.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithMetrics records client counters into m.
func WithMetrics(m *observability.ClientMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

type pendingCall struct {
	id       string
	command  string
	callback Callback
	deadline time.Time
	timeout  time.Duration
	// inline bypasses the deliver hook; used by the blocking helpers.
	inline bool
}

// Client is one connection to a lobby server.
//
// Callbacks run on the reader goroutine, the goroutine calling Tick, or the
// goroutine calling Close, unless WithDeliver moves them elsewhere. A callback
// run inline must not call Close.
type Client struct {
	cfg      config.ClientConfig
	conn     *transport.Conn
	logger   *zap.Logger
	now      func() time.Time
	deliver  func(func())
	observer Observer
	metrics  *observability.ClientMetrics

	pending *xsync.MapOf[string, *pendingCall]

	// stateMu guards the closed/lost check against recording a new call.
	stateMu sync.Mutex
	closed  atomic.Bool
	lost    atomic.Bool
	// gate is held shared while Tick or the reader dispatches callbacks;
	// Close takes it exclusively as a barrier before failing what remains.
	gate sync.RWMutex

	closeOnce     sync.Once
	done          chan struct{}
	readerDone    chan struct{}
	lastHeartbeat atomic.Int64
}

// Dial connects to cfg.Addr and starts the client's reader.
//
// Precondition: cfg must be valid; logger must be non-nil.
// Postcondition: Returns a running Client or a non-nil error.
func Dial(ctx context.Context, cfg config.ClientConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	conn, err := transport.Dial(ctx, cfg.Addr, transport.Options{
		WriteTimeout: cfg.WriteTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing lobby server: %w", err)
	}
	return New(conn, cfg, logger, opts...), nil
}

// New wraps an established connection and starts the reader.
//
// Precondition: conn must be open; logger must be non-nil.
// Postcondition: Returns a running Client that owns conn.
func New(conn *transport.Conn, cfg config.ClientConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		conn:       conn,
		logger:     logger.With(zap.String("server_addr", conn.RemoteAddr())),
		now:        time.Now,
		deliver:    func(f func()) { f() },
		pending:    xsync.NewMapOf[string, *pendingCall](),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observability.NewClientMetrics()
	}
	c.lastHeartbeat.Store(c.now().UnixNano())

	go c.readLoop()
	c.logger.Info("connected to lobby server", zap.String("local_addr", conn.LocalAddr()))
	return c
}

// Metrics returns the client's counters.
func (c *Client) Metrics() *observability.ClientMetrics { return c.metrics }

// Done returns a channel closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int { return c.pending.Size() }

// Send writes a request without waiting for its response.
//
// When cb is non-nil a call is recorded under a fresh request id with a
// deadline of now+timeout (the configured default when timeout <= 0) and cb
// later receives the outcome exactly once. A nil cb sends fire-and-forget; any
// response then reaches the observer.
//
// Postcondition: Returns the request id, or an error without recording a call.
// When Close, connection loss or expiry completes the call before a failed
// write is noticed, cb reports the outcome and Send returns the id with a nil
// error, so the failure is reported once.
func (c *Client) Send(command string, params protocol.Params, cb Callback, timeout time.Duration) (string, error) {
	return c.send(command, params, cb, timeout, false)
}

func (c *Client) send(command string, params protocol.Params, cb Callback, timeout time.Duration, inline bool) (string, error) {
	id := uuid.NewString()
	msg := protocol.NewRequest(id, command, params)
	payload, err := protocol.Encode(msg)
	if err != nil {
		return "", err
	}

	c.stateMu.Lock()
	if err := c.stateErr(); err != nil {
		c.stateMu.Unlock()
		return "", err
	}
	var pc *pendingCall
	if cb != nil {
		if timeout <= 0 {
			timeout = c.defaultTimeout()
		}
		pc = &pendingCall{
			id:       id,
			command:  command,
			callback: cb,
			deadline: c.now().Add(timeout),
			timeout:  timeout,
			inline:   inline,
		}
		c.pending.Store(id, pc)
	}
	c.stateMu.Unlock()

	c.metrics.Calls.Inc()
	if err := c.conn.WriteMessage(payload); err != nil {
		if pc != nil && !c.discard(pc) {
			c.logger.Debug("write failed after call completed",
				zap.String("command", command),
				zap.String("request_id", id),
				zap.Error(err),
			)
			return id, nil
		}
		return "", fmt.Errorf("sending %s: %w", command, err)
	}

	c.logger.Debug("request sent",
		zap.String("command", command),
		zap.String("request_id", id),
	)
	return id, nil
}

// discard removes pc if it is still outstanding and reports whether it did.
func (c *Client) discard(pc *pendingCall) bool {
	removed := false
	c.pending.Compute(pc.id, func(cur *pendingCall, loaded bool) (*pendingCall, bool) {
		removed = loaded && cur == pc
		return cur, removed || !loaded
	})
	return removed
}

func (c *Client) stateErr() error {
	switch {
	case c.closed.Load():
		return ErrClientClosed
	case c.lost.Load():
		return ErrConnectionLost
	}
	return nil
}

func (c *Client) defaultTimeout() time.Duration {
	if c.cfg.CallTimeout > 0 {
		return c.cfg.CallTimeout
	}
	return DefaultCallTimeout
}

// Tick expires overdue calls and emits a heartbeat when one is due. It is
// bounded and never blocks on the network beyond one heartbeat write.
//
// Postcondition: Every call whose deadline is before now has received a
// *CallTimeoutError and is no longer outstanding.
func (c *Client) Tick(now time.Time) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.stateErr() != nil {
		return
	}

	c.pending.Range(func(id string, pc *pendingCall) bool {
		if !now.After(pc.deadline) {
			return true
		}
		if cur, ok := c.pending.LoadAndDelete(id); ok && cur == pc {
			c.metrics.CallTimeouts.Inc()
			c.logger.Debug("call timed out",
				zap.String("command", pc.command),
				zap.String("request_id", id),
			)
			c.resolve(pc, nil, &CallTimeoutError{RequestID: id, Command: pc.command, Timeout: pc.timeout})
		}
		return true
	})

	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	last := time.Unix(0, c.lastHeartbeat.Load())
	if now.Sub(last) < interval {
		return
	}
	c.lastHeartbeat.Store(now.UnixNano())
	if err := c.sendHeartbeat(); err != nil {
		c.logger.Warn("sending heartbeat", zap.Error(err))
	}
}

// sendHeartbeat writes a fire-and-forget heartbeat; its response reaches the
// observer like any other unmatched message.
func (c *Client) sendHeartbeat() error {
	_, err := c.send(protocol.CommandHeartbeat, nil, nil, 0, false)
	return err
}

// Run drives Tick every cfg.TickInterval until ctx is done or the client closes.
//
// Postcondition: Returns ctx.Err() on cancellation, nil once the client is closed.
func (c *Client) Run(ctx context.Context) error {
	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-c.readerDone:
			if c.closed.Load() {
				return nil
			}
			return ErrConnectionLost
		case <-ticker.C:
			c.Tick(c.now())
		}
	}
}

// Close shuts the connection down and fails every outstanding call with
// ErrClientClosed. It is safe to call more than once.
//
// Precondition: Must not be called from a callback running inline.
// Postcondition: No callback or observer is dispatched after Close returns.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.closed.Store(true)
		c.stateMu.Unlock()

		close(c.done)
		err = c.conn.Close()
		<-c.readerDone

		c.gate.Lock()
		// Barrier: in-flight dispatch finishes before the remaining calls fail.
		c.gate.Unlock()

		n := c.failAll(ErrClientClosed)
		c.logger.Info("client closed", zap.Int("failed_calls", n))
	})
	return err
}

func (c *Client) failAll(cause error) int {
	n := 0
	c.pending.Range(func(id string, pc *pendingCall) bool {
		if cur, ok := c.pending.LoadAndDelete(id); ok && cur == pc {
			c.resolve(pc, nil, cause)
			n++
		}
		return true
	})
	return n
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("connection to server lost", zap.Error(err))
			c.stateMu.Lock()
			c.lost.Store(true)
			c.stateMu.Unlock()
			c.failAll(ErrConnectionLost)
			_ = c.conn.Close()
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			c.logger.Warn("discarding undecodable message", zap.Error(err))
			continue
		}
		c.route(msg)
	}
}

// route completes the matching call, or hands the message to the observer.
func (c *Client) route(msg *protocol.Message) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.closed.Load() {
		return
	}

	if id := msg.ID(); id != "" {
		if pc, ok := c.pending.LoadAndDelete(id); ok {
			c.resolve(pc, msg, nil)
			return
		}
	}

	c.metrics.Unmatched.Inc()
	if c.observer == nil {
		c.logger.Debug("unmatched message dropped", zap.String("request_id", msg.ID()))
		return
	}
	obs := c.observer
	c.deliver(func() { obs(msg) })
}

func (c *Client) resolve(pc *pendingCall, msg *protocol.Message, err error) {
	if pc.inline {
		pc.callback(msg, err)
		return
	}
	cb := pc.callback
	c.deliver(func() { cb(msg, err) })
}

type result struct {
	msg *protocol.Message
	err error
}

// Call sends command and blocks for its response.
//
// Postcondition: Returns the response, a *RemoteError when the response
// carries an Error, a *CallTimeoutError when neither ctx nor the configured
// call timeout allow more time, or the transport/close error.
func (c *Client) Call(ctx context.Context, command string, params protocol.Params) (*protocol.Message, error) {
	timeout := c.defaultTimeout()
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return nil, &CallTimeoutError{Command: command, Timeout: timeout}
	}

	ch := make(chan result, 1)
	id, err := c.send(command, params, func(m *protocol.Message, err error) {
		ch <- result{msg: m, err: err}
	}, timeout, true)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return checkRemote(command, r)
	case <-timer.C:
		if _, ok := c.pending.LoadAndDelete(id); ok {
			c.metrics.CallTimeouts.Inc()
			return nil, &CallTimeoutError{RequestID: id, Command: command, Timeout: timeout}
		}
		return checkRemote(command, <-ch)
	case <-ctx.Done():
		if _, ok := c.pending.LoadAndDelete(id); ok {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.metrics.CallTimeouts.Inc()
				return nil, &CallTimeoutError{RequestID: id, Command: command, Timeout: timeout}
			}
			return nil, ctx.Err()
		}
		return checkRemote(command, <-ch)
	}
}

func checkRemote(command string, r result) (*protocol.Message, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.Error != nil {
		return r.msg, &RemoteError{RequestID: r.msg.ID(), Command: command, Message: *r.msg.Error}
	}
	return r.msg, nil
}
