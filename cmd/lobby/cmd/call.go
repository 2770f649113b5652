package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/rpcclient"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		noGreet bool
		auth    string
	)
	cmd := &cobra.Command{
		Use:   "call <command> [json-params]",
		Short: "Call one command and print the response",
		Long: `Dial the server, greet (unless --no-greet), call <command> once and print
the response envelope as JSON. json-params must be a JSON object.`,
		Example: `  lobby call add '{"a":2,"b":40}'
  lobby call heartbeat --no-greet`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd,
				flagBinding{"addr", "client.addr"},
				flagBinding{"timeout", "client.call_timeout"},
			); err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()

			var params protocol.Params
			if len(args) == 2 {
				params = protocol.Params(args[1])
				if !params.IsObject() || !json.Valid(params) {
					return fmt.Errorf("json-params must be a JSON object")
				}
			}

			ctx := cmd.Context()
			c, err := rpcclient.Dial(ctx, a.cfg.Client, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if !noGreet {
				if _, err := c.Greet(ctx, auth); err != nil {
					return fmt.Errorf("greet: %w", err)
				}
			}
			return call(ctx, c, args[0], params, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("addr", "", "server address (host:port)")
	cmd.Flags().Duration("timeout", 0, "call timeout")
	cmd.Flags().BoolVar(&noGreet, "no-greet", false, "skip the greet handshake")
	cmd.Flags().StringVar(&auth, "auth", "", "auth value sent with greet")
	return cmd
}

// call prints the response envelope, including error responses, and returns
// the call's error.
func call(ctx context.Context, c *rpcclient.Client, command string, params protocol.Params, out io.Writer) error {
	resp, err := c.Call(ctx, command, params)
	var remote *rpcclient.RemoteError
	if err != nil && !errors.As(err, &remote) {
		return err
	}
	b, mErr := json.MarshalIndent(resp, "", "  ")
	if mErr != nil {
		return fmt.Errorf("encoding response: %w", mErr)
	}
	fmt.Fprintln(out, string(b))
	return err
}
