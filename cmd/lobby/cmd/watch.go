package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/rpcclient"
)

func newWatchCmd(a *app) *cobra.Command {
	var auth string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print messages pushed by the server",
		Long: `Dial the server, greet, then keep the session alive with heartbeats and
print every message the server pushes, one JSON object per line, until
interrupted or disconnected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(cmd,
				flagBinding{"addr", "client.addr"},
				flagBinding{"heartbeat-interval", "client.heartbeat_interval"},
			); err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			c, err := rpcclient.Dial(ctx, a.cfg.Client, a.logger,
				rpcclient.WithObserver(func(m *protocol.Message) {
					b, err := json.Marshal(m)
					if err != nil {
						a.logger.Warn("encoding pushed message", zap.Error(err))
						return
					}
					fmt.Fprintln(out, string(b))
				}))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			session, err := c.Greet(ctx, auth)
			if err != nil {
				return fmt.Errorf("greet: %w", err)
			}
			a.logger.Info("watching",
				zap.Int("client_id", session.ClientId),
				zap.String("session_id", session.SessionId),
				zap.Bool("authorized", session.Authorized),
			)

			err = c.Run(ctx)
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("addr", "", "server address (host:port)")
	cmd.Flags().Duration("heartbeat-interval", 0, "interval between heartbeats")
	cmd.Flags().StringVar(&auth, "auth", "", "auth value sent with greet")
	return cmd
}
