// File: rpc/call.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound calls and the correlation table.

package rpc

import (
	"time"

	"github.com/momentics/hioload-rpc/api"
)

// Continuation receives the outcome of a call. Exactly one of the two
// functions is invoked, exactly once.
type Continuation struct {
	Resolve func(result api.Value)
	Reject  func(err error)
}

type pending struct {
	method string
	conn   api.Conn
	k      Continuation
	cancel func()
}

// Call sends a request for name and stores k until the response arrives.
// Options.CallTimeout, when set, bounds the wait.
func (e *Engine) Call(name string, args api.Value, k Continuation) (uint32, error) {
	return e.CallTimeout(name, args, e.opts.CallTimeout, k)
}

// CallTimeout is Call with an explicit timeout; d <= 0 waits indefinitely.
// On expiry the entry is removed and k is rejected with api.ErrTimeout; a
// response arriving afterwards is dropped as unknown.
func (e *Engine) CallTimeout(name string, args api.Value, d time.Duration, k Continuation) (uint32, error) {
	if err := e.requireConnected("call"); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, api.ErrInvalidArgument.WithContext("method", name)
	}
	if d > 0 && e.opts.Scheduler == nil {
		return 0, api.ErrNotSupported.WithContext("timeout", "no scheduler")
	}
	c, err := e.peer("call")
	if err != nil {
		return 0, err
	}

	id := e.allocID()
	if err := e.send(c, api.NewRequest(id, name, args)); err != nil {
		return 0, err
	}
	p := &pending{method: name, conn: c, k: k}
	e.pending[id] = p
	e.count(MetricCallsIssued, 1)

	if d > 0 {
		cancel, err := e.opts.Scheduler.After(d, func() {
			if e.pending[id] != p {
				return
			}
			delete(e.pending, id)
			log.Warningf("%s: call %d %q timed out after %s", e.opts.Name, id, name, d)
			e.reject(p, api.ErrTimeout.WithContext("method", name))
		})
		if err != nil {
			log.Warningf("%s: call %d timeout not armed: %v", e.opts.Name, id, err)
		} else {
			p.cancel = cancel
		}
	}
	return id, nil
}

// allocID draws ids until one is not outstanding.
func (e *Engine) allocID() uint32 {
	for {
		id := e.opts.Rand()
		if _, taken := e.pending[id]; !taken {
			return id
		}
	}
}

func (e *Engine) handleResponse(c api.Conn, f *api.Frame) {
	p, ok := e.pending[f.ID]
	if !ok || p.conn.ID() != c.ID() {
		e.drop(c, f, api.ErrUnknownCorrelation.Error())
		return
	}
	delete(e.pending, f.ID)
	if p.cancel != nil {
		p.cancel()
	}
	if f.OK() {
		e.resolve(p, f.Result)
		return
	}
	e.reject(p, &api.RemoteError{Code: f.Failure.Code, Message: f.Failure.Message})
}

func (e *Engine) resolve(p *pending, v api.Value) {
	e.count(MetricCallsResolved, 1)
	if p.k.Resolve != nil {
		e.guard("continuation for "+p.method, func() { p.k.Resolve(v) })
	}
}

func (e *Engine) reject(p *pending, err error) {
	e.count(MetricCallsRejected, 1)
	if p.k.Reject != nil {
		e.guard("continuation for "+p.method, func() { p.k.Reject(err) })
	}
}

// failAll empties the correlation table before rejecting, so continuations
// observe an empty table.
func (e *Engine) failAll(err error) {
	table := e.pending
	e.pending = make(map[uint32]*pending)
	for _, p := range table {
		if p.cancel != nil {
			p.cancel()
		}
	}
	for _, p := range table {
		e.reject(p, err)
	}
}

func (e *Engine) failConn(c api.Conn, err error) {
	var lost []*pending
	for id, p := range e.pending {
		if p.conn.ID() == c.ID() {
			delete(e.pending, id)
			if p.cancel != nil {
				p.cancel()
			}
			lost = append(lost, p)
		}
	}
	for _, p := range lost {
		e.reject(p, err)
	}
}
