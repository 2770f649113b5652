package dispatch

import (
	"fmt"
	"strconv"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// BuiltinCommands returns the commands every lobby server understands.
func BuiltinCommands() []Command {
	return []Command{
		{
			Name:     protocol.CommandGreet,
			Help:     "Complete the handshake. Parameters: {auth}. Replies with ClientId, IpAddress and SessionId.",
			Category: CategorySession,
			Handler:  handleGreet,
		},
		{
			Name:     protocol.CommandHeartbeat,
			Aliases:  []string{"ping"},
			Help:     "Refresh liveness.",
			Category: CategorySession,
			Handler:  handleHeartbeat,
		},
		{
			Name:     protocol.CommandAdd,
			Help:     "Sum two integers. Parameters: {a, b}.",
			Category: CategoryMath,
			Handler:  handleAdd,
		},
	}
}

// handleGreet marks the peer handshaked. Only the JSON string "false" under
// auth yields "false"; anything else, including a missing value, is "true".
func handleGreet(req Request) (Reply, error) {
	authorized := true
	if auth, ok := req.Params().String("auth"); ok && auth == "false" {
		authorized = false
	}
	if !req.Peer.MarkHandshaked(authorized) {
		return Reply{}, fmt.Errorf("peer %d is closing", req.Peer.ID())
	}
	params, err := protocol.NewParams(protocol.GreetReply{
		ClientId:  req.Peer.ID(),
		IpAddress: req.Peer.RemoteAddr(),
		SessionId: req.Peer.SessionID(),
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Result: strconv.FormatBool(authorized), Parameters: params}, nil
}

func handleHeartbeat(req Request) (Reply, error) {
	req.Peer.Touch(req.Now)
	return Reply{Result: "ok"}, nil
}

func handleAdd(req Request) (Reply, error) {
	var p struct {
		A *int `json:"a"`
		B *int `json:"b"`
	}
	if err := req.Params().Decode(&p); err != nil {
		return Reply{}, fmt.Errorf("add: %w", err)
	}
	if p.A == nil || p.B == nil {
		return Reply{}, fmt.Errorf("add: parameters a and b are required")
	}
	sum := *p.A + *p.B
	params, err := protocol.NewParams(protocol.AddReply{Result: sum})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Result: strconv.Itoa(sum), Parameters: params}, nil
}
