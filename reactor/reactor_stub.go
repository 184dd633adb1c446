//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"context"

	"github.com/momentics/hioload-rpc/api"
)

// Reactor is unavailable on this platform.
type Reactor struct{}

// New returns an error for unsupported platforms.
func New() (*Reactor, error) {
	return nil, api.ErrNotSupported.WithContext("component", "reactor")
}

func (r *Reactor) Register(int, api.EventMask, api.FDCallback) error { return api.ErrNotSupported }
func (r *Reactor) Modify(int, api.EventMask) error                   { return api.ErrNotSupported }
func (r *Reactor) Unregister(int) error                              { return api.ErrNotSupported }
func (r *Reactor) Post(func()) error                                 { return api.ErrNotSupported }
func (r *Reactor) Run(context.Context) error                         { return api.ErrNotSupported }
func (r *Reactor) RunUntilIdle(context.Context) error                { return api.ErrNotSupported }
func (r *Reactor) Stop()                                             {}
func (r *Reactor) Len() int                                          { return 0 }
func (r *Reactor) Close() error                                      { return nil }
