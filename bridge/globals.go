// File: bridge/globals.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bridge

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/momentics/hioload-rpc/api"
)

func (b *Bridge) installGlobals() error {
	vm := b.vm

	target := vm.NewObject()
	b.exports = vm.ToValue(vm.NewProxy(target, &goja.ProxyTrapConfig{
		Set: func(target *goja.Object, property string, value goja.Value, _ goja.Value) bool {
			if err := b.Register(property, value); err != nil {
				log.Warningf("exports.%s: %v", property, err)
				return false
			}
			return target.Set(property, value) == nil
		},
		DeleteProperty: func(*goja.Object, string) bool {
			return false
		},
	})).(*goja.Object)

	debug := vm.ToValue(b.debug).(*goja.Object)
	if err := debug.Set("state", b.debugState); err != nil {
		return err
	}

	console := vm.NewObject()
	if err := console.Set("log", b.consoleLog); err != nil {
		return err
	}
	if err := console.Set("error", b.consoleError); err != nil {
		return err
	}

	globals := map[string]any{
		"exports":    b.exports,
		"register":   b.register,
		"event":      b.event,
		"emit":       b.emit,
		"call":       b.global.call,
		"on":         b.global.on,
		"off":        b.global.off,
		"setTimer":   b.setTimer,
		"timer":      b.setTimer,
		"clearTimer": b.clearTimer,
		"debug":      debug,
		"console":    console,
		"rpc":        b.construct,
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("global %s: %w", name, err)
		}
	}
	return nil
}

// register(name, fn) returns true on success and false on a name conflict.
func (b *Bridge) register(c goja.FunctionCall) goja.Value {
	name := c.Argument(0).String()
	if _, ok := goja.AssertFunction(c.Argument(1)); !ok {
		panic(b.vm.NewTypeError("register: handler must be a function"))
	}
	if err := b.Register(name, c.Argument(1)); err != nil {
		if api.CodeOf(err) == api.ErrCodeRegistrationConflict {
			return b.vm.ToValue(false)
		}
		b.throw(err)
	}
	return b.vm.ToValue(true)
}

// event(name) declares name and returns an emitter bound to it.
func (b *Bridge) event(c goja.FunctionCall) goja.Value {
	if b.opts.Engine == nil {
		b.throw(api.ErrNotSupported.WithContext("engine", "none"))
	}
	name := c.Argument(0).String()
	if err := b.declare(name); err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(func(c goja.FunctionCall) goja.Value {
		b.send(name, c.Argument(0))
		return goja.Undefined()
	})
}

// emit(name, data)
func (b *Bridge) emit(c goja.FunctionCall) goja.Value {
	if b.opts.Engine == nil {
		b.throw(api.ErrNotSupported.WithContext("engine", "none"))
	}
	b.send(c.Argument(0).String(), c.Argument(1))
	return goja.Undefined()
}

func (b *Bridge) send(name string, data goja.Value) {
	v, err := b.FromJS(data)
	if err != nil {
		b.throw(err)
	}
	if err := b.opts.Engine.Emit(name, v); err != nil {
		b.throw(err)
	}
}

// maxTimerMs is the longest delay or interval a time.Duration can hold.
const maxTimerMs = math.MaxInt64 / int64(time.Millisecond)

// setTimer(cb, delayMs, intervalMs) returns the timer id.
func (b *Bridge) setTimer(c goja.FunctionCall) goja.Value {
	if b.timers == nil {
		b.throw(api.ErrNotSupported.WithContext("timers", "none"))
	}
	cb, ok := goja.AssertFunction(c.Argument(0))
	if !ok {
		panic(b.vm.NewTypeError("setTimer: callback must be a function"))
	}
	delay, interval := b.millis(c.Argument(1)), b.millis(c.Argument(2))
	id, err := b.timers.Set(func() error {
		_, err := b.call(cb, nil)
		return err
	}, delay, interval)
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(id)
}

// millis converts a millisecond count; missing or NaN counts are zero.
func (b *Bridge) millis(v goja.Value) time.Duration {
	ms := v.ToFloat()
	switch {
	case math.IsNaN(ms):
		return 0
	case ms < 0:
		panic(b.vm.NewGoError(api.ErrInvalidArgument.WithContext("timer", "negative duration")))
	case ms > float64(maxTimerMs):
		panic(b.vm.NewGoError(api.ErrInvalidArgument.WithContext("timer", "duration out of range")))
	}
	return time.Duration(int64(ms)) * time.Millisecond
}

// clearTimer(id)
func (b *Bridge) clearTimer(c goja.FunctionCall) goja.Value {
	if b.timers == nil {
		b.throw(api.ErrNotSupported.WithContext("timers", "none"))
	}
	if err := b.timers.Clear(int(c.Argument(0).ToInteger())); err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

// debug(...) writes its arguments back to back followed by a newline.
func (b *Bridge) debug(c goja.FunctionCall) goja.Value {
	var sb strings.Builder
	for _, a := range c.Arguments {
		sb.WriteString(a.String())
	}
	sb.WriteByte('\n')
	_, _ = b.opts.Out.Write([]byte(sb.String()))
	return goja.Undefined()
}

// debug.state() snapshots the probe registry.
func (b *Bridge) debugState(goja.FunctionCall) goja.Value {
	if b.opts.Probes == nil {
		return b.vm.NewObject()
	}
	state := make(map[string]api.Value)
	for k, v := range b.opts.Probes.DumpState() {
		n, err := api.Normalize(v)
		if err != nil {
			n = fmt.Sprint(v)
		}
		state[k] = n
	}
	return b.toJS(state)
}

func (b *Bridge) consoleLog(c goja.FunctionCall) goja.Value {
	_, _ = fmt.Fprintln(b.opts.Out, joinArgs(c.Arguments))
	return goja.Undefined()
}

func (b *Bridge) consoleError(c goja.FunctionCall) goja.Value {
	log.Errorf("script: %s", joinArgs(c.Arguments))
	return goja.Undefined()
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
