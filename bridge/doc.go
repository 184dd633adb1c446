// Package bridge
// Author: momentics <momentics@gmail.com>
//
// Interpreter bridge between the RPC engine and an embedded goja runtime.
//
// A Bridge is the explicit context object for one interpreter: it converts
// api.Value trees to and from script values, invokes script callbacks with a
// balanced invocation depth, and owns every script reference the host keeps
// (procedure handlers, event subscribers, timer callbacks). All methods must
// run on the reactor thread.
//
// Scripts see the following globals:
//
//	register(name, fn)          install a procedure handler
//	exports.name = fn           same, through an assignment trap
//	event(name)                 declare an event, returns an emitter
//	emit(name, data)            send an event to subscribed peers
//	call(name, args[, cb])      call the peer, Promise when cb is omitted
//	on(name, cb) / off(name)    subscribe to peer events
//	setTimer(cb, delay, every)  timerfd timer in milliseconds (alias timer)
//	clearTimer(id)
//	debug(...), debug.state()   raw output and probe snapshot
//	console.log / console.error
//	new rpc(url, onError)       initiator with start/stop/call/on/off
package bridge
