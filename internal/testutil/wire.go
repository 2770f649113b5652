// Package testutil provides helpers for integration tests.
package testutil

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// WireClient is a raw framed client for exercising the server byte-for-byte.
type WireClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewWireClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected WireClient or fails the test.
func NewWireClient(t *testing.T, addr string) *WireClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("wire client connected to %s [%s]", addr, time.Since(start))
	return &WireClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// LocalAddr returns the client's "ip:port", as the server sees it.
func (c *WireClient) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

// SendRaw writes payload as one frame.
func (c *WireClient) SendRaw(payload []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

// SendBytes writes arbitrary bytes with no framing, for segmentation tests.
func (c *WireClient) SendBytes(b []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("writing bytes: %v", err)
	}
}

// Send encodes and writes m.
func (c *WireClient) Send(m *protocol.Message) {
	c.t.Helper()
	b, err := protocol.Encode(m)
	if err != nil {
		c.t.Fatalf("encoding message: %v", err)
	}
	c.SendRaw(b)
}

// Call sends a request and returns the next message received.
func (c *WireClient) Call(id, command string, params protocol.Params) *protocol.Message {
	c.t.Helper()
	c.Send(protocol.NewRequest(id, command, params))
	return c.Receive(5 * time.Second)
}

// Receive reads and decodes the next message or fails the test on timeout.
func (c *WireClient) Receive(timeout time.Duration) *protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	payload, err := protocol.ReadFrame(c.reader, protocol.DefaultMaxFrameSize)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	m, err := protocol.Decode(payload)
	if err != nil {
		c.t.Fatalf("decoding %q: %v", payload, err)
	}
	return m
}

// ExpectClosed waits for the server to close the connection.
//
// Postcondition: Fails the test if a frame arrives or the connection stays open past timeout.
func (c *WireClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	payload, err := protocol.ReadFrame(c.reader, protocol.DefaultMaxFrameSize)
	if err == nil {
		c.t.Fatalf("expected connection close, got frame %q", payload)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatalf("connection still open after %s", timeout)
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		c.t.Logf("connection ended with %v", err)
	}
}

// Close closes the underlying connection.
func (c *WireClient) Close() {
	c.conn.Close()
}
