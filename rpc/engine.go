// File: rpc/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine implements the call/response/event protocol state machine on top of
// an api.Transport. Every method must run on the reactor thread.

package rpc

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tliron/commonlog"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
)

var log = commonlog.GetLogger("hiorpc.rpc")

// Metric keys maintained by the engine.
const (
	MetricFramesIn        = "frames.in"
	MetricFramesOut       = "frames.out"
	MetricFramesDropped   = "frames.dropped"
	MetricCallsIssued     = "calls.issued"
	MetricCallsResolved   = "calls.resolved"
	MetricCallsRejected   = "calls.rejected"
	MetricHandlerFaults   = "handler.faults"
	MetricEventsEmitted   = "events.emitted"
	MetricEventsDelivered = "events.delivered"
)

// Options configures an Engine. All fields are optional.
type Options struct {
	// Name prefixes debug probes; "rpc" by default.
	Name string

	// Scheduler arms call timeouts. Required only when timeouts are used.
	Scheduler api.Scheduler

	Metrics *control.MetricsRegistry
	Probes  *control.DebugProbes

	// ReplyUnknownMethod answers requests for unregistered methods with a
	// method-not-found failure instead of dropping them.
	ReplyUnknownMethod bool

	// CallTimeout applies to every Call; zero disables it.
	CallTimeout time.Duration

	// Rand draws candidate correlation ids.
	Rand func() uint32
}

// StartNotify receives the outcome of Start exactly once.
type StartNotify struct {
	OnConnected func()
	OnError     func(err error)
}

// Engine is one protocol endpoint. A process may run several, each bound to
// its own transport.
type Engine struct {
	transport api.Transport
	opts      Options

	state      api.State
	start      StartNotify
	stateHooks []func(api.State)

	conns   []api.Conn
	pending map[uint32]*pending

	handlers    map[string]Handler
	subscribers map[string]*subscription
	events      map[string]struct{}
	listeners   map[string]map[string]api.Conn
}

var _ api.TransportHandler = (*Engine)(nil)

// New creates an idle engine bound to t.
func New(t api.Transport, opts Options) *Engine {
	if opts.Name == "" {
		opts.Name = "rpc"
	}
	if opts.Rand == nil {
		opts.Rand = rand.Uint32
	}
	e := &Engine{
		transport:   t,
		opts:        opts,
		state:       api.StateIdle,
		pending:     make(map[uint32]*pending),
		handlers:    make(map[string]Handler),
		subscribers: make(map[string]*subscription),
		events:      make(map[string]struct{}),
		listeners:   make(map[string]map[string]api.Conn),
	}
	if opts.Probes != nil {
		opts.Probes.RegisterProbe(opts.Name+".state", func() any { return e.state.String() })
		opts.Probes.RegisterProbe(opts.Name+".outstanding", func() any { return len(e.pending) })
	}
	return e
}

// State returns the current protocol state.
func (e *Engine) State() api.State {
	return e.state
}

// OnState registers fn to observe every state transition.
func (e *Engine) OnState(fn func(api.State)) {
	e.stateHooks = append(e.stateHooks, fn)
}

// Outstanding returns the size of the correlation table.
func (e *Engine) Outstanding() int {
	return len(e.pending)
}

// Conns returns the number of open peer connections.
func (e *Engine) Conns() int {
	return len(e.conns)
}

func (e *Engine) setState(s api.State) {
	if e.state == s {
		return
	}
	log.Infof("%s: %s -> %s", e.opts.Name, e.state, s)
	e.state = s
	for _, fn := range e.stateHooks {
		fn(s)
	}
}

// Start begins transport establishment. k is notified once the engine is
// Connected or establishment failed.
func (e *Engine) Start(k StartNotify) error {
	if e.state != api.StateIdle {
		return api.ErrAlreadyStarted.WithContext("state", e.state.String())
	}
	e.start = k
	e.setState(api.StateConnecting)
	if err := e.transport.Start(e); err != nil {
		e.start = StartNotify{}
		e.setState(api.StateErrored)
		return fmt.Errorf("transport start: %w", err)
	}
	return nil
}

// Stop tears down the transport and fails every outstanding call with
// api.ErrStopped. Idempotent.
func (e *Engine) Stop() {
	if e.state.Terminal() {
		return
	}
	wasConnecting := e.state == api.StateConnecting
	if err := e.transport.Close(); err != nil {
		log.Warningf("%s: transport close: %v", e.opts.Name, err)
	}
	e.conns = nil
	e.listeners = make(map[string]map[string]api.Conn)
	e.setState(api.StateClosed)
	e.failAll(api.ErrStopped)
	if wasConnecting {
		e.notifyStart(api.ErrStopped)
	}
}

func (e *Engine) notifyStart(err error) {
	k := e.start
	e.start = StartNotify{}
	if err == nil {
		if k.OnConnected != nil {
			e.guard("start notification", k.OnConnected)
		}
		return
	}
	if k.OnError != nil {
		e.guard("start notification", func() { k.OnError(err) })
	}
}

func (e *Engine) requireConnected(op string) error {
	if e.state != api.StateConnected {
		return api.ErrInvalidState.WithContext(op, e.state.String())
	}
	return nil
}

// peer picks the connection for initiator-side operations: exactly one
// open connection is required.
func (e *Engine) peer(op string) (api.Conn, error) {
	if len(e.conns) != 1 {
		return nil, api.ErrInvalidState.WithContext(op, fmt.Sprintf("%d connections", len(e.conns)))
	}
	return e.conns[0], nil
}

func (e *Engine) send(c api.Conn, f *api.Frame) error {
	if err := c.Send(f); err != nil {
		return err
	}
	e.count(MetricFramesOut, 1)
	return nil
}

func (e *Engine) count(key string, delta int64) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.Add(key, delta)
	}
}

// guard runs fn and logs a panic instead of unwinding into the transport.
func (e *Engine) guard(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.count(MetricHandlerFaults, 1)
			log.Errorf("%s: %s panicked: %v", e.opts.Name, what, p)
		}
	}()
	fn()
}

// OnOpen implements api.TransportHandler.
func (e *Engine) OnOpen() {
	if e.state != api.StateConnecting {
		return
	}
	e.setState(api.StateConnected)
	e.notifyStart(nil)
}

// OnFailure implements api.TransportHandler.
func (e *Engine) OnFailure(err error) {
	switch {
	case e.state == api.StateConnecting:
		if err == nil {
			err = api.ErrTransportClosed
		}
		_ = e.transport.Close()
		e.setState(api.StateErrored)
		e.notifyStart(err)
	case e.state == api.StateConnected:
		_ = e.transport.Close()
		e.conns = nil
		e.listeners = make(map[string]map[string]api.Conn)
		if err == nil {
			e.setState(api.StateClosed)
			e.failAll(api.ErrTransportClosed)
			return
		}
		log.Errorf("%s: transport failure: %v", e.opts.Name, err)
		e.setState(api.StateErrored)
		e.failAll(transportFailure(err))
	}
}

// OnConnOpen implements api.TransportHandler.
func (e *Engine) OnConnOpen(c api.Conn) {
	if e.state.Terminal() {
		_ = c.Close()
		return
	}
	e.conns = append(e.conns, c)
	log.Debugf("%s: connection %s open", e.opts.Name, c.ID())
}

// OnConnClose implements api.TransportHandler.
func (e *Engine) OnConnClose(c api.Conn, err error) {
	for i, x := range e.conns {
		if x.ID() == c.ID() {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			break
		}
	}
	for _, subs := range e.listeners {
		delete(subs, c.ID())
	}
	log.Debugf("%s: connection %s closed: %v", e.opts.Name, c.ID(), err)
	e.failConn(c, api.ErrTransportClosed.WithContext("conn", c.ID()))
}

// OnFrame implements api.TransportHandler.
func (e *Engine) OnFrame(c api.Conn, f *api.Frame) {
	e.count(MetricFramesIn, 1)
	switch f.Kind {
	case api.KindResponse:
		e.handleResponse(c, f)
	case api.KindRequest:
		e.handleRequest(c, f)
	case api.KindEvent:
		e.handleEvent(c, f)
	default:
		e.drop(c, f, "unknown frame kind")
	}
}

func (e *Engine) drop(c api.Conn, f *api.Frame, reason string) {
	e.count(MetricFramesDropped, 1)
	log.Warningf("%s: dropped %s from %s: %s", e.opts.Name, f, c.ID(), reason)
}

func transportFailure(err error) error {
	var ae *api.Error
	if errors.As(err, &ae) && ae.Code == api.ErrCodeTransportFailure {
		return err
	}
	return fmt.Errorf("%w: %w", api.ErrTransportClosed, err)
}
