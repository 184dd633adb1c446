// File: fake/fakereactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sort"
	"time"

	"github.com/momentics/hioload-rpc/api"
)

// Reactor is a manual api.Reactor and api.Scheduler. Posted tasks run on
// Drain; scheduled functions run when Advance moves the clock past them.
type Reactor struct {
	fds    map[int]api.FDCallback
	tasks  []func()
	timers []*pendingTimer
	now    time.Duration
	seq    int
}

type pendingTimer struct {
	at       time.Duration
	seq      int
	fn       func()
	canceled bool
}

var (
	_ api.Reactor   = (*Reactor)(nil)
	_ api.Scheduler = (*Reactor)(nil)
)

// NewReactor returns an empty manual reactor.
func NewReactor() *Reactor {
	return &Reactor{fds: make(map[int]api.FDCallback)}
}

func (r *Reactor) Register(fd int, _ api.EventMask, cb api.FDCallback) error {
	if _, ok := r.fds[fd]; ok {
		return api.ErrAlreadyExists.WithContext("fd", fd)
	}
	r.fds[fd] = cb
	return nil
}

func (r *Reactor) Modify(fd int, _ api.EventMask) error {
	if _, ok := r.fds[fd]; !ok {
		return api.ErrNotFound.WithContext("fd", fd)
	}
	return nil
}

func (r *Reactor) Unregister(fd int) error {
	if _, ok := r.fds[fd]; !ok {
		return api.ErrNotFound.WithContext("fd", fd)
	}
	delete(r.fds, fd)
	return nil
}

// Fire invokes the callback registered for fd.
func (r *Reactor) Fire(fd int, ev api.EventMask) {
	if cb, ok := r.fds[fd]; ok {
		cb(fd, ev)
	}
}

func (r *Reactor) Post(fn func()) error {
	r.tasks = append(r.tasks, fn)
	return nil
}

// Drain runs posted tasks, including ones posted while draining.
func (r *Reactor) Drain() int {
	n := 0
	for len(r.tasks) > 0 {
		fn := r.tasks[0]
		r.tasks = r.tasks[1:]
		fn()
		n++
	}
	return n
}

func (r *Reactor) After(d time.Duration, fn func()) (func(), error) {
	r.seq++
	t := &pendingTimer{at: r.now + d, seq: r.seq, fn: fn}
	r.timers = append(r.timers, t)
	return func() { t.canceled = true }, nil
}

// Advance moves the clock by d and runs every due function in order.
func (r *Reactor) Advance(d time.Duration) {
	r.now += d
	for {
		sort.Slice(r.timers, func(i, j int) bool {
			if r.timers[i].at != r.timers[j].at {
				return r.timers[i].at < r.timers[j].at
			}
			return r.timers[i].seq < r.timers[j].seq
		})
		if len(r.timers) == 0 || r.timers[0].at > r.now {
			return
		}
		t := r.timers[0]
		r.timers = r.timers[1:]
		if !t.canceled {
			t.fn()
		}
	}
}

// Pending returns the number of live scheduled functions.
func (r *Reactor) Pending() int {
	n := 0
	for _, t := range r.timers {
		if !t.canceled {
			n++
		}
	}
	return n
}
