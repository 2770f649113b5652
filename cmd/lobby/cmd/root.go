// Package cmd implements the lobby command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/observability"
)

// Version is the lobby release.
const Version = "0.3.0"

// app carries the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	v          *viper.Viper
	cfg        config.Config
	logger     *zap.Logger
}

// flagBinding maps a command-line flag onto a configuration key.
type flagBinding struct {
	flag string
	key  string
}

// NewRootCmd builds the lobby command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "lobby",
		Short: "lobby RPC server and client",
		Long: fmt.Sprintf(`lobby (v%s)

A bidirectional RPC lobby over TCP. Peers greet, heartbeat and call
commands using length-prefixed JSON messages.

Configuration is read from an optional YAML file, then LOBBY_* environment
variables (e.g. LOBBY_SERVER_PORT=5001), then command-line flags. .env and
.env.local in the working directory are loaded first.`, Version),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (json, console)")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newServeCmd(a),
		newCallCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the lobby command line.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// load resolves configuration for cmd and builds the logger.
//
// Postcondition: a.cfg is valid and a.logger is non-nil, or an error is returned.
func (a *app) load(cmd *cobra.Command, bindings ...flagBinding) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v = config.NewViper()
	if a.configPath != "" {
		a.v.SetConfigFile(a.configPath)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	bindings = append(bindings,
		flagBinding{"log-level", "logging.level"},
		flagBinding{"log-format", "logging.format"},
	)
	for _, b := range bindings {
		if err := bindFlag(a.v, cmd.Flags(), b); err != nil {
			return err
		}
	}

	cfg, err := config.LoadFromViper(a.v)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// bindFlag lets an explicitly set flag override the file and environment.
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, b flagBinding) error {
	f := flags.Lookup(b.flag)
	if f == nil {
		return fmt.Errorf("unknown flag %q", b.flag)
	}
	if !f.Changed {
		return nil
	}
	if err := v.BindPFlag(b.key, f); err != nil {
		return fmt.Errorf("binding flag %q: %w", b.flag, err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lobby version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lobby v%s\n", Version)
		},
	}
}
