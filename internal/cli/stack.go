// File: internal/cli/stack.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide plumbing shared by the commands: reactor, timers, codec,
// metrics and probes.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"

	"github.com/momentics/hioload-rpc/bridge"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/timer"
	"github.com/momentics/hioload-rpc/transport"
	"github.com/momentics/hioload-rpc/wire"
)

type stack struct {
	cfg     *control.Config
	reactor *reactor.Reactor
	timers  *timer.Table
	codec   wire.Codec
	metrics *control.MetricsRegistry
	probes  *control.DebugProbes
}

func newStack(cfg *control.Config) (*stack, error) {
	codec, err := wire.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	r, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	return &stack{
		cfg:     cfg,
		reactor: r,
		timers:  timer.New(r),
		codec:   codec,
		metrics: control.NewMetricsRegistry(),
		probes:  probes,
	}, nil
}

func (s *stack) transportOptions() transport.Options {
	return transport.Options{Codec: s.codec, MaxPayload: s.cfg.MaxFramePayload}
}

func (s *stack) engineOptions(name string) rpc.Options {
	return rpc.Options{
		Name:               name,
		Scheduler:          s.timers,
		Metrics:            s.metrics,
		Probes:             s.probes,
		ReplyUnknownMethod: s.cfg.ReplyUnknownMethod,
		CallTimeout:        s.cfg.CallTimeout(),
	}
}

func (s *stack) bridge(engine *rpc.Engine, out io.Writer) (*bridge.Bridge, error) {
	return bridge.New(bridge.Options{
		Reactor:     s.reactor,
		Engine:      engine,
		Timers:      s.timers,
		Out:         out,
		Probes:      s.probes,
		Metrics:     s.metrics,
		Codec:       s.codec,
		CallTimeout: s.cfg.CallTimeout(),
	})
}

// dump writes probes and metrics as indented JSON.
func (s *stack) dump(w io.Writer) {
	state := map[string]any{
		"probes":  s.probes.DumpState(),
		"metrics": s.metrics.GetSnapshot(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Errorf("dump state: %v", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func (s *stack) close() error {
	return errors.Join(s.timers.Close(), s.reactor.Close())
}

// loadScript runs path in b. A missing default script is skipped.
func loadScript(b *bridge.Bridge, path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			log.Infof("no script at %s", path)
			return nil
		}
		return err
	}
	if err := b.RunFile(path); err != nil {
		return fmt.Errorf("script %s: %w", path, err)
	}
	return nil
}
