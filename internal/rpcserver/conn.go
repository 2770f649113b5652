package rpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/dispatch"
	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/registry"
	"github.com/cory-johannsen/lobby/internal/transport"
)

// HandleConn owns one connection for its whole life: admit, read, decode,
// rate-limit, dispatch, write, teardown.
//
// Postcondition: The peer is removed from the registry and its connection is
// closed. Returns nil on an orderly close and the cause otherwise.
func (s *Server) HandleConn(ctx context.Context, conn *transport.Conn) error {
	peer := s.peers.Admit(conn, s.now())
	s.metrics.ConnectionsAccepted.Inc()

	reason := "peer closed connection"
	defer func() { s.peers.Remove(peer, reason) }()

	log := s.logger.With(
		zap.Int("peer_id", peer.ID()),
		zap.String("session_id", peer.SessionID()),
	)

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				reason = "server stopping"
				return nil
			case !peer.Connected():
				// Torn down elsewhere (heartbeat sweep, Disconnect, failed push).
				return nil
			case transport.IsClosed(err):
				return nil
			case errors.Is(err, protocol.ErrFrameTooLarge):
				s.metrics.ProtocolViolations.Inc()
				reason = "frame too large"
			default:
				reason = "read error"
			}
			log.Warn("reading from peer", zap.Error(err))
			return err
		}

		now := s.now()
		start := time.Now()
		out := s.process(peer, payload, now)
		s.metrics.DispatchDuration.UpdateDuration(start)

		log.Debug("request handled",
			zap.String("request_id", out.Response.ID()),
			zap.Bool("error", out.Response.IsError()),
			zap.Duration("duration", time.Since(start)),
		)

		if err := conn.Send(out.Response); err != nil {
			if !peer.Connected() {
				return nil
			}
			reason = "write error"
			log.Warn("writing to peer", zap.Error(err))
			return err
		}

		if out.Disconnect {
			reason = "protocol violation"
			log.Warn("disconnecting peer", zap.Error(out.Err))
			return out.Err
		}
	}
}

func (s *Server) isHeartbeat(name string) bool {
	cmd, ok := s.commands.Resolve(name)
	return ok && cmd.Name == protocol.CommandHeartbeat
}

// process turns one frame payload into an outcome.
func (s *Server) process(peer *registry.Peer, payload []byte, now time.Time) dispatch.Outcome {
	msg, err := protocol.Decode(payload)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		return dispatch.InvalidPayload(err)
	}

	// Heartbeats are never throttled, whatever name they arrive under.
	if !s.isHeartbeat(msg.CommandName()) && !peer.Allow(now) {
		s.metrics.RateLimited.Inc()
		return dispatch.Outcome{
			Response: protocol.NewError(msg.RequestId, ErrRateLimited.Error()),
			Err:      ErrRateLimited,
		}
	}

	s.metrics.CommandsDispatched.Inc()
	out := s.dispatcher.Dispatch(peer, msg, now)
	if out.Err != nil {
		s.metrics.DispatchErrors.Inc()
		var pv *dispatch.ProtocolViolationError
		if errors.As(out.Err, &pv) {
			s.metrics.ProtocolViolations.Inc()
		}
	}
	return out
}
