// File: rpc/handlers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Inbound requests: handler table and response framing.

package rpc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/momentics/hioload-rpc/api"
)

// Handler answers one inbound request. A returned error becomes a failure
// response carrying its message. Handlers that need asynchronous work call
// req.Defer and return; the values they return are then ignored.
type Handler func(req *Request) (api.Value, error)

// Request is an inbound call being answered.
type Request struct {
	ID     uint32
	Method string
	Params api.Value
	Conn   api.Conn

	engine *Engine
	reply  *Reply
}

// Defer detaches the response from the handler's return. The returned Reply
// must be settled exactly once.
func (r *Request) Defer() *Reply {
	if r.reply == nil {
		r.reply = &Reply{req: r}
	}
	return r.reply
}

// Reply completes a deferred request.
type Reply struct {
	req  *Request
	done bool
}

// Resolve sends a success response. Later settlements are ignored.
func (r *Reply) Resolve(v api.Value) {
	if r.done {
		return
	}
	r.done = true
	r.req.engine.respond(r.req, v, nil)
}

// Reject sends a failure response. Later settlements are ignored.
func (r *Reply) Reject(err error) {
	if r.done {
		return
	}
	r.done = true
	if err == nil {
		err = api.Fault("rejected")
	}
	r.req.engine.respond(r.req, nil, err)
}

// Done reports whether the reply was settled.
func (r *Reply) Done() bool {
	return r.done
}

// Reg installs h as the handler for name.
func (e *Engine) Reg(name string, h Handler) error {
	if err := e.requireConnected("reg"); err != nil {
		return err
	}
	if name == "" || h == nil {
		return api.ErrInvalidArgument.WithContext("name", name)
	}
	if name == api.MethodSubscribe || name == api.MethodUnsubscribe {
		return api.ErrAlreadyExists.WithContext("name", name)
	}
	if _, ok := e.handlers[name]; ok {
		return api.ErrAlreadyExists.WithContext("name", name)
	}
	e.handlers[name] = h
	return nil
}

// Unreg removes the handler for name.
func (e *Engine) Unreg(name string) error {
	if _, ok := e.handlers[name]; !ok {
		return api.ErrNotFound.WithContext("name", name)
	}
	delete(e.handlers, name)
	return nil
}

// Handlers returns the registered method names in sorted order.
func (e *Engine) Handlers() []string {
	out := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) handleRequest(c api.Conn, f *api.Frame) {
	switch f.Method {
	case api.MethodSubscribe:
		e.handleSubscribe(c, f, true)
		return
	case api.MethodUnsubscribe:
		e.handleSubscribe(c, f, false)
		return
	}

	h, ok := e.handlers[f.Method]
	if !ok {
		if e.opts.ReplyUnknownMethod {
			e.count(MetricFramesDropped, 1)
			e.sendFailure(c, f.ID, api.FailureMethodNotFound, fmt.Sprintf("method '%s' not found", f.Method))
			return
		}
		e.drop(c, f, "no handler for method")
		return
	}

	req := &Request{ID: f.ID, Method: f.Method, Params: f.Params, Conn: c, engine: e}
	v, err := e.invoke(h, req)
	if req.reply != nil {
		if err != nil && !req.reply.done {
			req.reply.Reject(err)
		}
		return
	}
	e.respond(req, v, err)
}

// invoke runs h and converts a panic into a handler fault.
func (e *Engine) invoke(h Handler, req *Request) (v api.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("%s: handler %q panicked: %v", e.opts.Name, req.Method, p)
			v, err = nil, api.Fault(fmt.Sprint(p))
		}
	}()
	return h(req)
}

func (e *Engine) respond(req *Request, v api.Value, err error) {
	if err != nil {
		e.count(MetricHandlerFaults, 1)
		log.Debugf("%s: handler %q failed: %v", e.opts.Name, req.Method, err)
		e.sendFailure(req.Conn, req.ID, failureCode(err), failureMessage(err))
		return
	}
	err = e.send(req.Conn, api.NewResult(req.ID, v))
	if errors.Is(err, api.ErrUnencodable) {
		e.count(MetricHandlerFaults, 1)
		log.Warningf("%s: result of %q cannot be encoded: %v", e.opts.Name, req.Method, err)
		e.sendFailure(req.Conn, req.ID, api.FailureHandler, "result cannot be encoded")
		return
	}
	if err != nil {
		log.Warningf("%s: response %d for %q not sent: %v", e.opts.Name, req.ID, req.Method, err)
	}
}

func (e *Engine) sendFailure(c api.Conn, id uint32, code int, msg string) {
	if err := e.send(c, api.NewFailure(id, code, msg)); err != nil {
		log.Warningf("%s: failure response %d not sent: %v", e.opts.Name, id, err)
	}
}

func failureCode(err error) int {
	var re *api.RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	if api.CodeOf(err) == api.ErrCodeInvalidArgument {
		return api.FailureInvalidParams
	}
	return api.FailureHandler
}

func failureMessage(err error) string {
	var ae *api.Error
	if errors.As(err, &ae) && ae.Code == api.ErrCodeHandlerFault {
		return ae.Message
	}
	return err.Error()
}
