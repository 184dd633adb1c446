// File: bridge/bridge.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bridge construction, guarded invocation and teardown.

package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/tliron/commonlog"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/timer"
	"github.com/momentics/hioload-rpc/transport"
	"github.com/momentics/hioload-rpc/wire"
)

var log = commonlog.GetLogger("hiorpc.bridge")

// Probe names registered by New.
const (
	ProbeHandlers = "bridge.handlers"
	ProbeTimers   = "bridge.timers"
	ProbeDepth    = "bridge.depth"
)

// Options wires a Bridge to its collaborators. Every field is optional;
// script globals whose collaborator is missing throw "not supported".
type Options struct {
	// Reactor backs transports created by the rpc constructor.
	Reactor api.Reactor

	// Engine is the endpoint behind register/event/emit/call/on/off.
	Engine *rpc.Engine

	// Timers backs setTimer/clearTimer and call timeouts of script clients.
	// Script timers form their own group, so the table may be shared.
	Timers *timer.Table

	// Out receives debug and console output; os.Stdout by default.
	Out io.Writer

	Probes  *control.DebugProbes
	Metrics *control.MetricsRegistry

	// Dial creates the transport for `new rpc(url)`. Defaults to a
	// transport.Dial client on Reactor.
	Dial func(endpoint string) api.Transport

	// Codec is used by the default Dial.
	Codec wire.Codec

	// CallTimeout bounds calls issued by script clients.
	CallTimeout time.Duration
}

// Bridge is one interpreter instance and the registries that reference it.
type Bridge struct {
	vm     *goja.Runtime
	opts   Options
	depth  int
	closed bool

	handlers map[string]goja.Callable
	events   map[string]struct{}
	timers   *timer.Group
	global   *peer
	clients  []*client

	exports  *goja.Object
	deferred goja.Callable
	settle   goja.Callable
}

const deferredSource = `(function () {
	var d = {};
	d.promise = new Promise(function (resolve, reject) {
		d.resolve = resolve;
		d.reject = reject;
	});
	return d;
})`

const settleSource = `(function (p, ok, fail) {
	Promise.resolve(p).then(ok, fail);
})`

// New creates a runtime and installs the script globals.
func New(opts Options) (*Bridge, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Dial == nil && opts.Reactor != nil {
		r, codec := opts.Reactor, opts.Codec
		opts.Dial = func(endpoint string) api.Transport {
			return transport.Dial(r, endpoint, transport.Options{Codec: codec})
		}
	}

	b := &Bridge{
		vm:       goja.New(),
		opts:     opts,
		handlers: make(map[string]goja.Callable),
		events:   make(map[string]struct{}),
	}
	b.global = &peer{b: b, engine: opts.Engine}
	if opts.Timers != nil {
		b.timers = opts.Timers.Group()
	}

	var err error
	if b.deferred, err = b.compile("deferred", deferredSource); err != nil {
		return nil, err
	}
	if b.settle, err = b.compile("settle", settleSource); err != nil {
		return nil, err
	}
	if err := b.installGlobals(); err != nil {
		return nil, fmt.Errorf("install globals: %w", err)
	}

	if opts.Engine != nil {
		opts.Engine.OnState(func(s api.State) {
			if s == api.StateConnected {
				b.install()
			}
		})
	}
	if opts.Probes != nil {
		opts.Probes.RegisterProbe(ProbeHandlers, func() any { return len(b.handlers) })
		opts.Probes.RegisterProbe(ProbeDepth, func() any { return b.depth })
		opts.Probes.RegisterProbe(ProbeTimers, func() any {
			if b.timers == nil {
				return 0
			}
			return b.timers.Len()
		})
	}
	return b, nil
}

func (b *Bridge) compile(name, src string) (goja.Callable, error) {
	v, err := b.vm.RunScript(name, src)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("compile %s: not a function", name)
	}
	return fn, nil
}

// Runtime exposes the underlying interpreter.
func (b *Bridge) Runtime() *goja.Runtime {
	return b.vm
}

// Depth returns the current invocation depth; zero whenever control is back
// in the reactor.
func (b *Bridge) Depth() int {
	return b.depth
}

// RunScript evaluates src under name with the same guarantees as Invoke.
func (b *Bridge) RunScript(name, src string) (err error) {
	if b.closed {
		return api.ErrClosed
	}
	b.depth++
	defer func() {
		b.depth--
		if p := recover(); p != nil {
			err = api.Fault(fmt.Sprint(p))
		}
	}()
	if _, err := b.vm.RunScript(name, src); err != nil {
		return b.fault(err)
	}
	return nil
}

// RunFile evaluates the script at path.
func (b *Bridge) RunFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return b.RunScript(path, string(src))
}

// Invoke calls fn with marshaled args and returns its marshaled result.
// Script exceptions and Go panics come back as HandlerFault errors.
func (b *Bridge) Invoke(fn goja.Value, this goja.Value, args ...api.Value) (api.Value, error) {
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, api.ErrInvalidArgument.WithContext("fn", "not callable")
	}
	in := make([]goja.Value, len(args))
	for i, a := range args {
		in[i] = b.ToJS(a)
	}
	ret, err := b.call(callable, this, in...)
	if err != nil {
		return nil, err
	}
	return b.FromJS(ret)
}

// call is the single entry point into the interpreter. The depth counter
// returns to its previous value on every path.
func (b *Bridge) call(fn goja.Callable, this goja.Value, args ...goja.Value) (ret goja.Value, err error) {
	if b.closed {
		return nil, api.ErrClosed
	}
	if this == nil {
		this = goja.Undefined()
	}
	b.depth++
	defer func() {
		b.depth--
		if p := recover(); p != nil {
			log.Errorf("script callback panicked: %v", p)
			ret, err = nil, api.Fault(fmt.Sprint(p))
		}
	}()
	ret, err = fn(this, args...)
	if err != nil {
		return nil, b.fault(err)
	}
	return ret, nil
}

func (b *Bridge) fault(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return api.ErrClosed.WithContext("interrupt", fmt.Sprint(ie.Value()))
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return api.Fault(reason(ex.Value()))
	}
	return api.Fault(err.Error())
}

// reason extracts a message from a thrown value.
func reason(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			return m.String()
		}
	}
	return v.String()
}

// throw raises err as a script exception from inside a native function.
func (b *Bridge) throw(err error) {
	panic(b.vm.NewGoError(err))
}

// Close releases every script reference and interrupts the runtime. Timers
// are disposed, script-created clients stopped and event subscribers turn
// into no-ops; the Options.Engine is left to its owner. Idempotent.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.timers != nil {
		errs = append(errs, b.timers.Close())
	}
	for _, c := range b.clients {
		c.engine.Stop()
	}
	b.clients = nil
	for name := range b.handlers {
		if b.opts.Engine != nil {
			_ = b.opts.Engine.Unreg(name)
		}
	}
	b.handlers = make(map[string]goja.Callable)

	if b.opts.Probes != nil {
		b.opts.Probes.UnregisterProbe(ProbeHandlers)
		b.opts.Probes.UnregisterProbe(ProbeTimers)
		b.opts.Probes.UnregisterProbe(ProbeDepth)
	}
	b.vm.Interrupt("bridge closed")
	return errors.Join(errs...)
}
