package rpcclient

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// Session is the outcome of a successful greet.
type Session struct {
	protocol.GreetReply
	Authorized bool
}

// Greet performs the handshake. An empty auth omits the auth parameter, which
// the server treats as authorized.
//
// Postcondition: Returns the session assigned by the server or a non-nil error.
func (c *Client) Greet(ctx context.Context, auth string) (Session, error) {
	var params protocol.Params
	if auth != "" {
		p, err := protocol.NewParams(protocol.GreetParams{Auth: &auth})
		if err != nil {
			return Session{}, err
		}
		params = p
	}

	resp, err := c.Call(ctx, protocol.CommandGreet, params)
	if err != nil {
		return Session{}, err
	}

	var s Session
	if err := resp.Parameters.Decode(&s.GreetReply); err != nil {
		return Session{}, fmt.Errorf("greet reply: %w", err)
	}
	if resp.Result != nil {
		s.Authorized, _ = strconv.ParseBool(*resp.Result)
	}
	return s, nil
}

// Add asks the server for a+b.
//
// Precondition: Greet must have succeeded on this client.
func (c *Client) Add(ctx context.Context, a, b int) (int, error) {
	params, err := protocol.NewParams(protocol.AddParams{A: a, B: b})
	if err != nil {
		return 0, err
	}
	resp, err := c.Call(ctx, protocol.CommandAdd, params)
	if err != nil {
		return 0, err
	}

	var reply protocol.AddReply
	if err := resp.Parameters.Decode(&reply); err == nil {
		return reply.Result, nil
	}
	if resp.Result == nil {
		return 0, fmt.Errorf("add reply carries no result")
	}
	n, err := strconv.Atoi(*resp.Result)
	if err != nil {
		return 0, fmt.Errorf("add reply: %w", err)
	}
	return n, nil
}

// Heartbeat sends a fire-and-forget heartbeat immediately. The server's
// reply is delivered to the observer.
func (c *Client) Heartbeat() error {
	return c.sendHeartbeat()
}
