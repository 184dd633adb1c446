// File: bridge/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handler registry and declared events. Registrations made before the
// engine is connected are installed when it reaches Connected.

package bridge

import (
	"errors"
	"sort"

	"github.com/dop251/goja"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/rpc"
)

// Register makes fn answer inbound requests for name. The registry only
// grows through this path; a second registration of a name conflicts.
func (b *Bridge) Register(name string, fn goja.Value) error {
	if b.closed {
		return api.ErrClosed
	}
	callable, ok := goja.AssertFunction(fn)
	if name == "" || !ok {
		return api.ErrInvalidArgument.WithContext("name", name)
	}
	if _, exists := b.handlers[name]; exists {
		return api.ErrAlreadyExists.WithContext("name", name)
	}
	b.handlers[name] = callable
	if b.connected() {
		if err := b.opts.Engine.Reg(name, b.handlerFor(name)); err != nil {
			delete(b.handlers, name)
			return err
		}
	}
	log.Debugf("registered %q", name)
	return nil
}

// Unregister removes a handler. This is the only way out of the registry.
func (b *Bridge) Unregister(name string) error {
	if _, ok := b.handlers[name]; !ok {
		return api.ErrNotFound.WithContext("name", name)
	}
	delete(b.handlers, name)
	if b.connected() {
		if err := b.opts.Engine.Unreg(name); err != nil && !errors.Is(err, api.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Handlers returns registered names in sorted order.
func (b *Bridge) Handlers() []string {
	out := make([]string, 0, len(b.handlers))
	for k := range b.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) connected() bool {
	return b.opts.Engine != nil && b.opts.Engine.State() == api.StateConnected
}

// install pushes handlers and events collected before Connected.
func (b *Bridge) install() {
	for _, name := range b.Handlers() {
		if err := b.opts.Engine.Reg(name, b.handlerFor(name)); err != nil && !errors.Is(err, api.ErrAlreadyExists) {
			log.Errorf("install handler %q: %v", name, err)
		}
	}
	for name := range b.events {
		if _, err := b.opts.Engine.Event(name); err != nil {
			log.Errorf("declare event %q: %v", name, err)
		}
	}
}

// handlerFor adapts the script function registered under name. It is looked
// up per request so Unregister takes effect immediately.
func (b *Bridge) handlerFor(name string) rpc.Handler {
	return func(req *rpc.Request) (api.Value, error) {
		fn, ok := b.handlers[name]
		if !ok {
			return nil, api.ErrNotFound.WithContext("name", name)
		}
		ret, err := b.call(fn, b.exports, b.ToJS(req.Params))
		if err != nil {
			return nil, err
		}
		if isPromise(ret) {
			reply := req.Defer()
			if err := b.await(ret, reply.Resolve, reply.Reject); err != nil {
				return nil, err
			}
			return nil, nil
		}
		v, err := b.FromJS(ret)
		if err != nil {
			return nil, api.Fault(err.Error())
		}
		return v, nil
	}
}

func isPromise(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	_, ok = obj.Export().(*goja.Promise)
	return ok
}

// await attaches ok and fail to a thenable. Settled promises report before
// await returns because pending jobs run when the outermost call unwinds.
func (b *Bridge) await(p goja.Value, ok func(api.Value), fail func(error)) error {
	onOK := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		v, err := b.FromJS(call.Argument(0))
		if err != nil {
			fail(api.Fault(err.Error()))
		} else {
			ok(v)
		}
		return goja.Undefined()
	})
	onFail := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		fail(api.Fault(reason(call.Argument(0))))
		return goja.Undefined()
	})
	_, err := b.call(b.settle, nil, p, onOK, onFail)
	return err
}

// declare records an emittable event name.
func (b *Bridge) declare(name string) error {
	if name == "" {
		return api.ErrInvalidArgument.WithContext("event", name)
	}
	b.events[name] = struct{}{}
	if b.connected() {
		_, err := b.opts.Engine.Event(name)
		return err
	}
	return nil
}
