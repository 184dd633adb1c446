// File: internal/cli/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/transport"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [script]",
		Short: "Listen on the endpoint and answer calls with a script",
		Long: `Listen on the endpoint and answer calls with a script.

The script (default from config, ysrc.js) registers procedures through
register(name, fn) or exports.name = fn and declares events with event(name).
A missing default script is skipped. Runs until SIGINT or SIGTERM.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd, args)
		},
	}
}

func runServe(opts *RootOptions, cmd *cobra.Command, args []string) (err error) {
	cfg := opts.Config
	script, explicit := cfg.Script, false
	if len(args) == 1 {
		script, explicit = args[0], true
	}

	s, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.close()) }()

	srv := transport.Listen(s.reactor, cfg.Endpoint, s.transportOptions())
	engine := rpc.New(srv, s.engineOptions("server"))
	b, err := s.bridge(engine, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer b.Close()
	if opts.DumpState {
		defer s.dump(cmd.OutOrStdout())
	}

	if err := loadScript(b, script, explicit); err != nil {
		return err
	}

	var failure error
	if err := engine.Start(rpc.StartNotify{
		OnConnected: func() {
			log.Noticef("serving %s", srv.Endpoint())
			if opts.ready != nil {
				opts.ready(srv.Endpoint())
			}
		},
		OnError: func(err error) {
			failure = err
			s.reactor.Stop()
		},
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.reactor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	engine.Stop()
	return failure
}
