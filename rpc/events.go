// File: rpc/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Named events: local subscribers on the initiator side, declared channels
// and peer subscriptions on the responder side.

package rpc

import (
	"fmt"
	"sort"

	"github.com/momentics/hioload-rpc/api"
)

// Subscriber receives an inbound event.
type Subscriber func(name string, data api.Value)

// Emitter sends data under a fixed event name.
type Emitter func(data api.Value) error

type subscription struct {
	fn Subscriber
}

// On subscribes fn to name and asks the peer to start sending it.
func (e *Engine) On(name string, fn Subscriber) error {
	if err := e.requireConnected("on"); err != nil {
		return err
	}
	if name == "" || fn == nil {
		return api.ErrInvalidArgument.WithContext("event", name)
	}
	if _, ok := e.subscribers[name]; ok {
		return api.ErrAlreadyExists.WithContext("event", name)
	}
	if _, err := e.peer("on"); err != nil {
		return err
	}
	sub := &subscription{fn: fn}
	e.subscribers[name] = sub
	_, err := e.Call(api.MethodSubscribe, []api.Value{name}, Continuation{
		Resolve: func(api.Value) {},
		Reject: func(err error) {
			log.Warningf("%s: subscribe %q refused: %v", e.opts.Name, name, err)
			if e.subscribers[name] == sub {
				delete(e.subscribers, name)
			}
		},
	})
	if err != nil {
		delete(e.subscribers, name)
		return err
	}
	return nil
}

// Off removes the subscriber for name and tells the peer.
func (e *Engine) Off(name string) error {
	if err := e.requireConnected("off"); err != nil {
		return err
	}
	if _, ok := e.subscribers[name]; !ok {
		return api.ErrNotSubscribed.WithContext("event", name)
	}
	delete(e.subscribers, name)
	_, err := e.Call(api.MethodUnsubscribe, []api.Value{name}, Continuation{
		Reject: func(err error) {
			log.Debugf("%s: unsubscribe %q: %v", e.opts.Name, name, err)
		},
	})
	return err
}

// Subscriptions returns subscribed event names in sorted order.
func (e *Engine) Subscriptions() []string {
	out := make([]string, 0, len(e.subscribers))
	for k := range e.subscribers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Event declares name as emittable and returns a bound emitter.
func (e *Engine) Event(name string) (Emitter, error) {
	if err := e.requireConnected("event"); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, api.ErrInvalidArgument.WithContext("event", name)
	}
	e.events[name] = struct{}{}
	return func(data api.Value) error { return e.Emit(name, data) }, nil
}

// Emit sends an event frame to every connection subscribed to name.
// Undeclared names are declared implicitly.
func (e *Engine) Emit(name string, data api.Value) error {
	if err := e.requireConnected("emit"); err != nil {
		return err
	}
	if name == "" {
		return api.ErrInvalidArgument.WithContext("event", name)
	}
	e.events[name] = struct{}{}
	e.count(MetricEventsEmitted, 1)

	for _, c := range e.listeners[name] {
		if err := e.send(c, api.NewEvent(name, data)); err != nil {
			log.Warningf("%s: event %q to %s: %v", e.opts.Name, name, c.ID(), err)
			continue
		}
		e.count(MetricEventsDelivered, 1)
	}
	return nil
}

// Listeners returns how many connections subscribed to name.
func (e *Engine) Listeners(name string) int {
	return len(e.listeners[name])
}

func (e *Engine) handleEvent(c api.Conn, f *api.Frame) {
	sub, ok := e.subscribers[f.Method]
	if !ok {
		e.drop(c, f, "no subscriber")
		return
	}
	e.guard("subscriber for "+f.Method, func() { sub.fn(f.Method, f.Params) })
}

// handleSubscribe answers rpc.on / rpc.off. Params are a list of event
// names; the result maps each name to "ok".
func (e *Engine) handleSubscribe(c api.Conn, f *api.Frame, on bool) {
	names, ok := eventNames(f.Params)
	if !ok {
		e.sendFailure(c, f.ID, api.FailureInvalidParams, "event names must be a list of strings")
		return
	}
	if on {
		for _, n := range names {
			if _, declared := e.events[n]; !declared {
				e.sendFailure(c, f.ID, api.FailureInvalidParams, fmt.Sprintf("event '%s' not declared", n))
				return
			}
		}
	}
	result := make(map[string]api.Value, len(names))
	for _, n := range names {
		if on {
			if e.listeners[n] == nil {
				e.listeners[n] = make(map[string]api.Conn)
			}
			e.listeners[n][c.ID()] = c
		} else if subs := e.listeners[n]; subs != nil {
			delete(subs, c.ID())
		}
		result[n] = "ok"
	}
	if err := e.send(c, api.NewResult(f.ID, result)); err != nil {
		log.Warningf("%s: subscription reply to %s: %v", e.opts.Name, c.ID(), err)
	}
}

func eventNames(params api.Value) ([]string, bool) {
	switch p := params.(type) {
	case string:
		return []string{p}, p != ""
	case []api.Value:
		out := make([]string, 0, len(p))
		for _, v := range p {
			s, ok := v.(string)
			if !ok || s == "" {
				return nil, false
			}
			out = append(out, s)
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}
