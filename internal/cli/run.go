// File: internal/cli/run.go
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
)

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <script>",
		Short: "Run a script until it has no timers or connections left",
		Long: `Run a script until it has no timers or connections left.

The script may use setTimer/clearTimer and connect to peers with
new rpc(url, onError).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(opts, cmd, args[0])
		},
	}
}

func runScript(opts *RootOptions, cmd *cobra.Command, path string) (err error) {
	s, err := newStack(opts.Config)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.close()) }()

	b, err := s.bridge(nil, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer b.Close()
	if opts.DumpState {
		defer s.dump(cmd.OutOrStdout())
	}

	if err := loadScript(b, path, true); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.reactor.RunUntilIdle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
