// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for the single-threaded readiness reactor
// every other component runs on.

package api

import "time"

// EventMask is a set of readiness conditions.
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
)

// FDCallback is invoked on the reactor thread when fd becomes ready.
type FDCallback func(fd int, events EventMask)

// Reactor multiplexes descriptor readiness and dispatches callbacks
// synchronously from inside its wait loop.
type Reactor interface {
	// Register associates fd with cb for the given readiness events.
	Register(fd int, events EventMask, cb FDCallback) error

	// Modify changes the readiness interest of a registered fd.
	Modify(fd int, events EventMask) error

	// Unregister removes fd; pending callbacks for it are skipped.
	Unregister(fd int) error

	// Post schedules fn on the reactor thread. Safe from any goroutine.
	Post(fn func()) error
}

// Scheduler runs fn once on the reactor thread after d.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func(), err error)
}
