package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/dispatch"
	"github.com/cory-johannsen/lobby/internal/lifecycle"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/rpcserver"
	"github.com/cory-johannsen/lobby/internal/scripting"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lobby server",
		Long: `Run the lobby server until SIGINT or SIGTERM.

Scripted commands are loaded from --scripts when set. With --metrics the
/metrics and /status endpoints are served on the metrics port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(cmd,
				flagBinding{"host", "server.host"},
				flagBinding{"port", "server.port"},
				flagBinding{"heartbeat-timeout", "server.heartbeat_timeout"},
				flagBinding{"scripts", "scripting.dir"},
				flagBinding{"metrics", "metrics.enabled"},
				flagBinding{"metrics-port", "metrics.port"},
			); err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()
			return a.serve(cmd)
		},
	}
	cmd.Flags().String("host", "", "address to listen on")
	cmd.Flags().Int("port", 0, "port to listen on")
	cmd.Flags().Duration("heartbeat-timeout", 0, "evict peers silent for longer than this")
	cmd.Flags().String("scripts", "", "directory of scripted commands (manifest plus *.lua)")
	cmd.Flags().Bool("metrics", false, "serve Prometheus metrics")
	cmd.Flags().Int("metrics-port", 0, "port for the metrics endpoint")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	logger := a.logger
	commands := dispatch.DefaultRegistry()

	if a.cfg.Scripting.Dir != "" {
		mgr, err := scripting.Load(a.cfg.Scripting, commands, logger)
		if err != nil {
			return fmt.Errorf("loading scripted commands: %w", err)
		}
		defer mgr.Close()
	}

	srv := rpcserver.New(a.cfg.Server, logger, rpcserver.WithCommands(commands))

	lc := lifecycle.New(logger)
	lc.Add("rpc", &lifecycle.FuncService{StartFn: srv.ListenAndServe, StopFn: srv.Stop})
	if a.cfg.Metrics.Enabled {
		ms := observability.NewMetricsServer(a.cfg.Metrics.Addr(), logger, srv.Metrics().Set())
		ms.Handle("/status", observability.JSONHandler(func() any { return srv.Status() }))
		lc.Add("metrics", &lifecycle.FuncService{StartFn: ms.ListenAndServe, StopFn: ms.Stop})
	}

	names := make([]string, 0)
	for _, c := range commands.Commands() {
		names = append(names, c.Name)
	}
	logger.Info("starting lobby",
		zap.String("version", Version),
		zap.String("addr", a.cfg.Server.Addr()),
		zap.Strings("commands", names),
		zap.Bool("metrics", a.cfg.Metrics.Enabled),
	)
	return lc.Run(cmd.Context())
}
