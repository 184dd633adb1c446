// File: internal/cli/call.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package cli

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/transport"
)

func newCallCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [json-args]",
		Short: "Call a remote procedure once and print the result",
		Long: `Call a remote procedure once and print the result.

Arguments default to {}. The result is printed as "recv: <json>"; a failed
call or connection exits with status 1.

Example:
  hiorpc call test '{"a":1}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, cmd, args)
		},
	}
}

func parseArgs(args []string) (api.Value, error) {
	if len(args) < 2 {
		return map[string]api.Value{}, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
		return nil, fmt.Errorf("invalid json-args: %w", err)
	}
	return api.Normalize(raw)
}

func runCall(opts *RootOptions, cmd *cobra.Command, args []string) (err error) {
	method := args[0]
	params, err := parseArgs(args)
	if err != nil {
		return err
	}

	s, err := newStack(opts.Config)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.close()) }()
	if opts.DumpState {
		defer s.dump(cmd.OutOrStdout())
	}

	engine := rpc.New(transport.Dial(s.reactor, opts.Config.Endpoint, s.transportOptions()), s.engineOptions("cli"))
	var outcome error
	finish := func(err error) {
		outcome = err
		engine.Stop()
		s.reactor.Stop()
	}

	if err := engine.Start(rpc.StartNotify{
		OnConnected: func() {
			_, err := engine.Call(method, params, rpc.Continuation{
				Resolve: func(v api.Value) {
					data, err := json.Marshal(v)
					if err == nil {
						fmt.Fprintf(cmd.OutOrStdout(), "recv: %s\n", data)
					}
					finish(err)
				},
				Reject: finish,
			})
			if err != nil {
				finish(err)
			}
		},
		OnError: finish,
	}); err != nil {
		return err
	}

	if err := s.reactor.Run(cmd.Context()); err != nil {
		return err
	}
	return outcome
}
