package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnHandler processes one accepted connection until it ends.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn *Conn) error
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn *Conn) error

// HandleConn implements ConnHandler.
func (f ConnHandlerFunc) HandleConn(ctx context.Context, conn *Conn) error { return f(ctx, conn) }

// Acceptor listens for TCP connections and dispatches each one to a ConnHandler
// in its own goroutine.
type Acceptor struct {
	addr    string
	opts    Options
	handler ConnHandler
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
	stopped  bool
}

// NewAcceptor creates an acceptor for addr.
//
// Precondition: addr must be a "host:port" string; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(addr string, opts Options, handler ConnHandler, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		addr:    addr,
		opts:    opts,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// ListenAndServe starts the TCP listener and accepts connections until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.addr, err)
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("rpc acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				a.logger.Error("accepting connection", zap.Error(err))
				if IsClosed(err) {
					return fmt.Errorf("accepting on %s: %w", a.addr, err)
				}
				continue
			}
		}

		a.mu.Lock()
		if a.stopped {
			a.mu.Unlock()
			_ = raw.Close()
			return nil
		}
		a.wg.Add(1)
		a.mu.Unlock()
		go a.handleConn(raw)
	}
}

// handleConn owns one accepted connection.
func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	start := time.Now()
	addr := raw.RemoteAddr().String()

	if err := tune(raw, a.opts); err != nil {
		a.logger.Warn("tuning tcp socket", zap.String("remote_addr", addr), zap.Error(err))
	}

	conn := NewConn(raw, a.opts)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancelling the context unblocks a handler parked in ReadMessage.
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.handler.HandleConn(ctx, conn); err != nil {
		a.logger.Debug("connection ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		a.logger.Debug("connection ended cleanly",
			zap.String("remote_addr", addr),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Stop closes the listener, cancels every handler context and waits for all
// handlers to return.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.running = false
	close(a.quit)
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("rpc acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Dial connects to addr and returns a framed connection with TCP_NODELAY and
// keep-alive applied.
//
// Precondition: addr must be a "host:port" string.
// Postcondition: Returns an open Conn or an *Error.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = 15 * time.Second
	}
	d := net.Dialer{KeepAlive: keepAlive}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: addr, Err: err}
	}
	if err := tune(raw, opts); err != nil {
		_ = raw.Close()
		return nil, &Error{Op: "dial", Addr: addr, Err: err}
	}
	return NewConn(raw, opts), nil
}
