// File: bridge/peer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Script-facing initiator operations shared by the globals and by objects
// created with `new rpc(url, onError)`.

package bridge

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/rpc"
)

// peer binds call/on/off to one engine. Subscriptions live only in the
// engine's subscriber table.
type peer struct {
	b      *Bridge
	engine *rpc.Engine
	this   goja.Value
}

func (p *peer) require() *rpc.Engine {
	if p.engine == nil {
		p.b.throw(api.ErrNotSupported.WithContext("engine", "none"))
	}
	return p.engine
}

// call implements call(name, args[, cb]). Without cb it returns a Promise.
func (p *peer) call(c goja.FunctionCall) goja.Value {
	b := p.b
	e := p.require()
	name := c.Argument(0).String()
	args, err := b.FromJS(c.Argument(1))
	if err != nil {
		b.throw(err)
	}

	if cb, ok := goja.AssertFunction(c.Argument(2)); ok {
		_, err := e.Call(name, args, rpc.Continuation{
			Resolve: func(v api.Value) {
				p.report(name, cb, goja.Undefined(), b.ToJS(v))
			},
			Reject: func(err error) {
				p.report(name, cb, b.vm.NewGoError(err))
			},
		})
		if err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	}

	d, err := b.call(b.deferred, nil)
	if err != nil {
		b.throw(err)
	}
	obj := d.ToObject(b.vm)
	resolve, _ := goja.AssertFunction(obj.Get("resolve"))
	reject, _ := goja.AssertFunction(obj.Get("reject"))
	_, err = e.Call(name, args, rpc.Continuation{
		Resolve: func(v api.Value) {
			p.report(name, resolve, b.ToJS(v))
		},
		Reject: func(err error) {
			p.report(name, reject, b.vm.NewGoError(err))
		},
	})
	if err != nil {
		b.throw(err)
	}
	return obj.Get("promise")
}

func (p *peer) report(name string, fn goja.Callable, args ...goja.Value) {
	if _, err := p.b.call(fn, p.this, args...); err != nil {
		log.Errorf("continuation of %q: %v", name, err)
	}
}

// on implements on(name, cb). cb receives (name, data).
func (p *peer) on(c goja.FunctionCall) goja.Value {
	b := p.b
	e := p.require()
	name := c.Argument(0).String()
	cb, ok := goja.AssertFunction(c.Argument(1))
	if !ok {
		panic(b.vm.NewTypeError("on: callback must be a function"))
	}
	err := e.On(name, func(ev string, data api.Value) {
		if b.closed {
			return
		}
		if _, err := b.call(cb, p.this, b.vm.ToValue(ev), b.ToJS(data)); err != nil {
			log.Errorf("subscriber for %q: %v", ev, err)
		}
	})
	if err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

// off implements off(name).
func (p *peer) off(c goja.FunctionCall) goja.Value {
	b := p.b
	e := p.require()
	if err := e.Off(c.Argument(0).String()); err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

// client is the state behind one `new rpc(url, onError)` object.
type client struct {
	*peer
	started bool
	onError goja.Callable
}

// construct implements the rpc constructor.
func (b *Bridge) construct(c goja.ConstructorCall) *goja.Object {
	if b.opts.Dial == nil {
		b.throw(api.ErrNotSupported.WithContext("rpc", "no reactor"))
	}
	endpoint := c.Argument(0).String()
	onError, _ := goja.AssertFunction(c.Argument(1))

	opts := rpc.Options{
		Name:        fmt.Sprintf("client%d", len(b.clients)+1),
		Metrics:     b.opts.Metrics,
		CallTimeout: b.opts.CallTimeout,
	}
	if b.opts.Timers != nil {
		opts.Scheduler = b.opts.Timers
	}
	cl := &client{
		peer: &peer{
			b:      b,
			engine: rpc.New(b.opts.Dial(endpoint), opts),
			this:   c.This,
		},
		onError: onError,
	}
	b.clients = append(b.clients, cl)

	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = c.This.Set(name, fn)
	}
	set("start", cl.start)
	set("stop", func(goja.FunctionCall) goja.Value {
		cl.engine.Stop()
		return goja.Undefined()
	})
	set("call", cl.call)
	set("on", cl.on)
	set("off", cl.off)
	return c.This
}

// start implements rpc.start(cb): cb runs once connected, onError on
// failure.
func (cl *client) start(c goja.FunctionCall) goja.Value {
	b := cl.b
	cb, ok := goja.AssertFunction(c.Argument(0))
	if !ok {
		panic(b.vm.NewTypeError("start: callback must be a function"))
	}
	if cl.started {
		b.throw(api.ErrAlreadyStarted)
	}
	cl.started = true
	err := cl.engine.Start(rpc.StartNotify{
		OnConnected: func() { cl.report("start", cb) },
		OnError: func(err error) {
			if cl.onError == nil {
				log.Errorf("rpc client: %v", err)
				return
			}
			cl.report("start", cl.onError, b.vm.NewGoError(err))
		},
	})
	if err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}
