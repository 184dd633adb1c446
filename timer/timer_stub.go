//go:build !linux
// +build !linux

// File: timer/timer_stub.go
// Author: momentics <momentics@gmail.com>

package timer

import (
	"time"

	"github.com/momentics/hioload-rpc/api"
)

// Table is unavailable on this platform.
type Table struct{}

// New returns an empty table whose operations report ErrNotSupported.
func New(api.Reactor) *Table { return &Table{} }

func (t *Table) Set(func() error, time.Duration, time.Duration) (int, error) {
	return -1, api.ErrNotSupported
}
func (t *Table) Clear(int) error                                { return api.ErrNotSupported }
func (t *Table) After(time.Duration, func()) (func(), error)    { return nil, api.ErrNotSupported }
func (t *Table) Len() int                                       { return 0 }
func (t *Table) Close() error                                   { return nil }

// Group is unavailable on this platform.
type Group struct{}

func (t *Table) Group() *Group { return &Group{} }

func (g *Group) Set(func() error, time.Duration, time.Duration) (int, error) {
	return -1, api.ErrNotSupported
}
func (g *Group) Clear(int) error { return api.ErrNotSupported }
func (g *Group) Len() int        { return 0 }
func (g *Group) Close() error    { return nil }
