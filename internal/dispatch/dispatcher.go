package dispatch

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// UnknownCommandError reports a command missing from the table.
type UnknownCommandError struct {
	Name string
}

// Error implements error; the text is sent to the peer verbatim.
func (e *UnknownCommandError) Error() string {
	return "Unknown command: " + e.Name
}

// ProtocolViolationError reports a request the peer was not allowed to send
// in its current state. The peer is disconnected after the error response.
type ProtocolViolationError struct {
	PeerID  int
	Command string
	Err     error
}

// Error implements error.
func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation by peer %d on %q: %v", e.PeerID, e.Command, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProtocolViolationError) Unwrap() error { return e.Err }

// ErrHandshakeRequired is the cause of a violation by a peer that has not greeted.
var ErrHandshakeRequired = errors.New("handshake required")

// Outcome is the result of dispatching one request.
type Outcome struct {
	// Response is the envelope to write back. It is never nil.
	Response *protocol.Message
	// Disconnect asks the caller to tear the peer down after writing Response.
	Disconnect bool
	// Err classifies the failure when the request did not succeed.
	Err error
}

// Dispatcher resolves commands and applies the handshake policy. It performs
// no I/O; the caller writes the response.
type Dispatcher struct {
	commands *Registry
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over the given command table.
//
// Precondition: commands and logger must be non-nil.
func NewDispatcher(commands *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{commands: commands, logger: logger}
}

// Commands returns the command table.
func (d *Dispatcher) Commands() *Registry { return d.commands }

// Handle decodes a frame payload and dispatches it.
//
// Postcondition: A malformed payload yields an "Invalid JSON format" response
// echoing any recoverable RequestId, with the connection kept open.
func (d *Dispatcher) Handle(peer Peer, payload []byte, now time.Time) Outcome {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return InvalidPayload(err)
	}
	return d.Dispatch(peer, msg, now)
}

// InvalidPayload builds the outcome for a payload that failed to decode.
func InvalidPayload(err error) Outcome {
	var de *protocol.DecodeError
	var id *string
	reason := err.Error()
	if errors.As(err, &de) {
		id = de.RequestID
		reason = de.Reason
	}
	return Outcome{
		Response: protocol.NewError(id, "Invalid JSON format: "+reason),
		Err:      err,
	}
}

// Dispatch runs the command named by msg on behalf of peer.
//
// Precondition: peer and msg must be non-nil.
// Postcondition: Response echoes msg.RequestId. Disconnect is set only for a
// peer that has not greeted and sent anything other than greet or heartbeat.
func (d *Dispatcher) Dispatch(peer Peer, msg *protocol.Message, now time.Time) Outcome {
	name := msg.CommandName()
	cmd, ok := d.commands.Resolve(name)
	if !ok {
		unknown := &UnknownCommandError{Name: name}
		out := Outcome{Response: protocol.NewError(msg.RequestId, unknown.Error()), Err: unknown}
		if !peer.Handshaked() {
			out.Disconnect = true
			out.Err = &ProtocolViolationError{PeerID: peer.ID(), Command: name, Err: unknown}
		}
		return out
	}

	if !peer.Handshaked() && !AllowedBeforeHandshake(cmd.Name) {
		violation := &ProtocolViolationError{PeerID: peer.ID(), Command: cmd.Name, Err: ErrHandshakeRequired}
		return Outcome{
			Response:   protocol.NewError(msg.RequestId, fmt.Sprintf("Handshake required before %s", cmd.Name)),
			Disconnect: true,
			Err:        violation,
		}
	}

	reply, err := d.invoke(cmd, Request{Peer: peer, Message: msg, Now: now})
	if err != nil {
		d.logger.Debug("command failed",
			zap.Int("peer_id", peer.ID()),
			zap.String("command", cmd.Name),
			zap.String("request_id", msg.ID()),
			zap.Error(err),
		)
		return Outcome{Response: protocol.NewError(msg.RequestId, err.Error()), Err: err}
	}
	return Outcome{Response: protocol.NewResult(msg.RequestId, reply.Result, reply.Parameters)}
}

// AllowedBeforeHandshake reports whether a peer that has not greeted may run
// the command with the given canonical name.
func AllowedBeforeHandshake(name string) bool {
	return name == protocol.CommandGreet || name == protocol.CommandHeartbeat
}

// invoke runs the handler and converts a panic into an error response.
func (d *Dispatcher) invoke(cmd *Command, req Request) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked",
				zap.String("command", cmd.Name),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("internal error in %s", cmd.Name)
		}
	}()
	return cmd.Handler(req)
}
