// File: internal/cli/root.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/momentics/hioload-rpc/control"
)

var log = commonlog.GetLogger("hiorpc.cli")

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Endpoint   string
	Codec      string
	Verbosity  int
	LogFile    string
	DumpState  bool

	// Lookup reads environment overrides; os.LookupEnv by default.
	Lookup func(string) (string, bool)

	// Config is resolved before any subcommand runs.
	Config *control.Config

	// ready observes the bound endpoint once serve is listening.
	ready func(endpoint string)
}

// NewRootCommand creates the hiorpc command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Lookup: os.LookupEnv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hiorpc",
		Short:         "Scriptable RPC and event endpoint over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "config file (.toml, .yaml)")
	flags.StringVar(&opts.Endpoint, "endpoint", "", "ws:// endpoint, overrides config and "+control.EnvEndpoint)
	flags.StringVar(&opts.Codec, "codec", "", "wire codec (json|cbor)")
	flags.CountVarP(&opts.Verbosity, "verbose", "v", "raise log verbosity (repeatable)")
	flags.StringVar(&opts.LogFile, "log-file", "", "write logs to file instead of stderr")
	flags.BoolVar(&opts.DumpState, "dump-state", false, "print debug probes and metrics on exit")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCallCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

// resolve layers defaults, config file, environment and flags, then sets up
// logging.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := control.LoadConfig(o.ConfigPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(o.Lookup)

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = o.Endpoint
	}
	if flags.Changed("codec") {
		cfg.Codec = o.Codec
	}
	if flags.Changed("log-file") {
		cfg.LogFile = o.LogFile
	}
	cfg.Verbosity += o.Verbosity
	if err := cfg.Validate(); err != nil {
		return err
	}

	var path *string
	if cfg.LogFile != "" {
		path = &cfg.LogFile
	}
	commonlog.Configure(cfg.Verbosity, path)
	o.Config = cfg
	return nil
}
