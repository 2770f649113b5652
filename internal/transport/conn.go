// Package transport provides the framed TCP byte stream shared by the lobby
// server and client.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// Options configures a framed connection.
type Options struct {
	// ReadTimeout bounds each ReadMessage call. Zero disables the deadline.
	ReadTimeout time.Duration
	// WriteTimeout bounds each WriteMessage call. Zero disables the deadline.
	WriteTimeout time.Duration
	// MaxFrameSize is the largest accepted inbound payload.
	MaxFrameSize int
	// KeepAlive is the TCP keep-alive period. Zero uses 15s; negative disables it.
	KeepAlive time.Duration
}

func (o Options) maxFrameSize() int {
	if o.MaxFrameSize <= 0 {
		return protocol.DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

// Error is a transport-level failure on one connection.
type Error struct {
	Op   string
	Addr string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// IsClosed reports whether err signals an orderly end of the stream: EOF from
// the peer or use of a connection closed locally.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Conn is a framed duplex stream over a net.Conn.
//
// ReadMessage must be called from a single goroutine. WriteMessage may be
// called concurrently; writers are serialised so frames never interleave.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	opts   Options
	addr   string

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps a raw connection with length-prefixed framing.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, opts Options) *Conn {
	return &Conn{
		raw:    raw,
		reader: bufio.NewReaderSize(raw, 4096),
		opts:   opts,
		addr:   raw.RemoteAddr().String(),
		closed: make(chan struct{}),
	}
}

// ReadMessage returns the next frame payload.
//
// Postcondition: Returns a payload, or an *Error wrapping io.EOF, net.ErrClosed,
// protocol.ErrFrameTooLarge or the underlying network error.
func (c *Conn) ReadMessage() ([]byte, error) {
	if c.opts.ReadTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	payload, err := protocol.ReadFrame(c.reader, c.opts.maxFrameSize())
	if err != nil {
		return nil, &Error{Op: "read", Addr: c.addr, Err: err}
	}
	return payload, nil
}

// WriteMessage writes one frame.
//
// Postcondition: The whole frame is written, or an *Error is returned.
func (c *Conn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := protocol.WriteFrame(c.raw, payload); err != nil {
		return &Error{Op: "write", Addr: c.addr, Err: err}
	}
	return nil
}

// Send encodes and writes a message.
func (c *Conn) Send(m *protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.WriteMessage(b)
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// Done returns a channel closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// RemoteAddr returns the peer's "ip:port".
func (c *Conn) RemoteAddr() string { return c.addr }

// LocalAddr returns the local "ip:port".
func (c *Conn) LocalAddr() string { return c.raw.LocalAddr().String() }

// tune applies socket options to TCP connections; other connection types are left alone.
func tune(raw net.Conn, opts Options) error {
	tcp, ok := raw.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(true); err != nil {
		return err
	}
	if opts.KeepAlive < 0 {
		return tcp.SetKeepAlive(false)
	}
	period := opts.KeepAlive
	if period == 0 {
		period = 15 * time.Second
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return err
	}
	return tcp.SetKeepAlivePeriod(period)
}
