//go:build linux
// +build linux

// File: timer/timerfd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// timerfd-backed timer table.

package timer

import (
	"errors"
	"fmt"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/api"
)

var log = commonlog.GetLogger("hiorpc.timer")

// Callback runs on every expiry. A returned error is logged, never propagated.
type Callback func() error

type entry struct {
	cb    Callback
	group *Group
}

// Table owns every armed timer descriptor. All methods must be called on the
// reactor thread.
type Table struct {
	reactor api.Reactor
	entries map[int]*entry
}

var _ api.Scheduler = (*Table)(nil)

// New creates an empty timer table bound to r.
func New(r api.Reactor) *Table {
	return &Table{
		reactor: r,
		entries: make(map[int]*entry),
	}
}

func toTimespec(d time.Duration) unix.Timespec {
	if d < 0 {
		d = 0
	}
	return unix.NsecToTimespec(d.Nanoseconds())
}

// Set arms a timer that first fires after delay and then every interval.
// A zero delay fires almost immediately; with a zero interval the timer
// fires exactly once. The returned id is the timer descriptor.
func (t *Table) Set(cb Callback, delay, interval time.Duration) (int, error) {
	if cb == nil {
		return -1, api.ErrInvalidArgument.WithContext("callback", nil)
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("timerfd create: %w", err)
	}
	spec := unix.ItimerSpec{
		Interval: toTimespec(interval),
		Value:    toTimespec(delay),
	}
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		// a zero value would disarm the descriptor
		spec.Value.Nsec = 1
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("timerfd settime: %w", err)
	}
	if err := t.reactor.Register(fd, api.EventRead, t.onReady); err != nil {
		unix.Close(fd)
		return -1, err
	}
	t.entries[fd] = &entry{cb: cb}
	return fd, nil
}

// onReady acknowledges the expiry, runs the callback and disposes the timer
// when its descriptor no longer repeats.
func (t *Table) onReady(fd int, _ api.EventMask) {
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return
		}
		log.Warningf("timer %d read: %v", fd, err)
	}

	e, ok := t.entries[fd]
	if !ok {
		return
	}
	t.invoke(fd, e.cb)

	// the callback may have cleared its own timer
	if _, ok := t.entries[fd]; !ok {
		return
	}
	var cur unix.ItimerSpec
	if err := unix.TimerfdGettime(fd, &cur); err != nil {
		log.Warningf("timer %d gettime: %v", fd, err)
		t.dispose(fd)
		return
	}
	if cur.Interval.Sec == 0 && cur.Interval.Nsec == 0 {
		t.dispose(fd)
	}
}

func (t *Table) invoke(fd int, cb Callback) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("timer %d callback panicked: %v", fd, p)
		}
	}()
	if err := cb(); err != nil {
		log.Errorf("timer %d callback: %v", fd, err)
	}
}

func (t *Table) dispose(fd int) {
	if e, ok := t.entries[fd]; ok && e.group != nil {
		delete(e.group.ids, fd)
	}
	delete(t.entries, fd)
	if err := t.reactor.Unregister(fd); err != nil {
		log.Debugf("timer %d unregister: %v", fd, err)
	}
	unix.Close(fd)
}

// Clear cancels a timer. Unknown ids fail with api.ErrNoSuchTimer.
func (t *Table) Clear(id int) error {
	if _, ok := t.entries[id]; !ok {
		return api.ErrNoSuchTimer.WithContext("id", id)
	}
	t.dispose(id)
	return nil
}

// After implements api.Scheduler with a one-shot timer.
func (t *Table) After(d time.Duration, fn func()) (func(), error) {
	id, err := t.Set(func() error { fn(); return nil }, d, 0)
	if err != nil {
		return nil, err
	}
	return func() {
		if _, ok := t.entries[id]; ok {
			t.dispose(id)
		}
	}, nil
}

// Len returns the number of armed timers.
func (t *Table) Len() int {
	return len(t.entries)
}

// Close disposes every timer.
func (t *Table) Close() error {
	var errs []error
	for fd, e := range t.entries {
		if e.group != nil {
			delete(e.group.ids, fd)
		}
		delete(t.entries, fd)
		if err := t.reactor.Unregister(fd); err != nil {
			errs = append(errs, err)
		}
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Group is the set of timers armed by one owner on a shared Table. Clear
// and Close only reach the group's own timers.
type Group struct {
	t   *Table
	ids map[int]struct{}
}

// Group returns an empty group on t.
func (t *Table) Group() *Group {
	return &Group{t: t, ids: make(map[int]struct{})}
}

// Set arms a timer owned by the group; see Table.Set.
func (g *Group) Set(cb Callback, delay, interval time.Duration) (int, error) {
	id, err := g.t.Set(cb, delay, interval)
	if err != nil {
		return -1, err
	}
	g.t.entries[id].group = g
	g.ids[id] = struct{}{}
	return id, nil
}

// Clear cancels one of the group's timers. Ids armed outside the group
// fail with api.ErrNoSuchTimer.
func (g *Group) Clear(id int) error {
	if _, ok := g.ids[id]; !ok {
		return api.ErrNoSuchTimer.WithContext("id", id)
	}
	g.t.dispose(id)
	return nil
}

// Len returns the number of armed timers in the group.
func (g *Group) Len() int {
	return len(g.ids)
}

// Close disposes the group's timers and leaves the rest of the table alone.
func (g *Group) Close() error {
	for id := range g.ids {
		g.t.dispose(id)
	}
	return nil
}
