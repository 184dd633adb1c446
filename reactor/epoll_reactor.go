//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/api"
)

var log = commonlog.GetLogger("hiorpc.reactor")

// ErrAlreadyRunning is returned when Run is entered twice.
var ErrAlreadyRunning = errors.New("reactor: already running")

const maxEvents = 128

// Reactor implements api.Reactor using Linux epoll in level-triggered mode.
//
// Register, Modify and Unregister must be called from the reactor thread or
// before Run starts. Post and Stop are safe from any goroutine.
type Reactor struct {
	epfd      int
	wakefd    int
	callbacks map[int]api.FDCallback

	mu    sync.Mutex
	tasks []func()

	running atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool
}

var _ api.Reactor = (*Reactor)(nil)

// New creates an epoll instance plus an eventfd used to wake the loop.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return &Reactor{
		epfd:      epfd,
		wakefd:    wakefd,
		callbacks: make(map[int]api.FDCallback),
	}, nil
}

func toEpoll(events api.EventMask) uint32 {
	var out uint32
	if events&api.EventRead != 0 {
		out |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&api.EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(events uint32) api.EventMask {
	var out api.EventMask
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		out |= api.EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		out |= api.EventWrite
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		out |= api.EventError
	}
	return out
}

// Register adds a file descriptor to the epoll watch list.
func (r *Reactor) Register(fd int, events api.EventMask, cb api.FDCallback) error {
	if cb == nil {
		return api.ErrInvalidArgument.WithContext("fd", fd)
	}
	if _, ok := r.callbacks[fd]; ok {
		return api.ErrAlreadyExists.WithContext("fd", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	r.callbacks[fd] = cb
	return nil
}

// Modify changes the readiness interest of fd.
func (r *Reactor) Modify(fd int, events api.EventMask) error {
	if _, ok := r.callbacks[fd]; !ok {
		return api.ErrNotFound.WithContext("fd", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Unregister removes a file descriptor from the epoll watch list.
func (r *Reactor) Unregister(fd int) error {
	if _, ok := r.callbacks[fd]; !ok {
		return api.ErrNotFound.WithContext("fd", fd)
	}
	delete(r.callbacks, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Len returns the number of registered descriptors.
func (r *Reactor) Len() int {
	return len(r.callbacks)
}

// Post queues fn to run on the reactor thread and wakes the loop.
func (r *Reactor) Post(fn func()) error {
	if r.closed.Load() {
		return api.ErrTransportClosed.WithContext("component", "reactor")
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
	return r.wake()
}

func (r *Reactor) wake() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(r.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Stop asks Run to return after the current dispatch. Idempotent; a stopped
// reactor does not run again.
func (r *Reactor) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		_ = r.wake()
	}
}

// Run dispatches readiness callbacks until Stop is called or ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	return r.run(ctx, false)
}

// RunUntilIdle behaves like Run but also returns once no descriptors are
// registered and no posted tasks are pending.
func (r *Reactor) RunUntilIdle(ctx context.Context) error {
	return r.run(ctx, true)
}

func (r *Reactor) run(ctx context.Context, untilIdle bool) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	release := context.AfterFunc(ctx, r.Stop)
	defer release()

	var events [maxEvents]unix.EpollEvent
	for {
		r.runTasks()
		if r.stopped.Load() {
			return ctx.Err()
		}
		if untilIdle && len(r.callbacks) == 0 && !r.hasTasks() {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue // EINTR
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakefd {
				r.drainWake()
				continue
			}
			// A callback earlier in this batch may have unregistered fd.
			cb, ok := r.callbacks[fd]
			if !ok {
				continue
			}
			r.dispatch(cb, fd, fromEpoll(events[i].Events))
		}
	}
}

// dispatch shields the loop from callback panics.
func (r *Reactor) dispatch(cb api.FDCallback, fd int, events api.EventMask) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("callback for fd %d panicked: %v", fd, p)
		}
	}()
	cb(fd, events)
}

func (r *Reactor) hasTasks() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks) > 0
}

func (r *Reactor) runTasks() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, fn := range tasks {
		r.safeExecute(fn)
	}
}

func (r *Reactor) safeExecute(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("posted task panicked: %v", p)
		}
	}()
	fn()
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll and eventfd descriptors. Registered descriptors
// are not closed; their owners remain responsible for them.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.callbacks = make(map[int]api.FDCallback)
	err1 := unix.Close(r.wakefd)
	err2 := unix.Close(r.epfd)
	return errors.Join(err1, err2)
}
