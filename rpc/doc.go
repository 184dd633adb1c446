// Package rpc
// Author: momentics <momentics@gmail.com>
//
// Role-symmetric RPC engine. The initiator issues calls and subscribes to
// events; the responder registers handlers and emits events. Both roles may
// live in one Engine. The state machine is
//
//	Idle -> Connecting -> Connected -> Closed | Errored
//
// and every operation except Stop requires Connected. Outbound calls are
// correlated by random 32-bit ids, unique among outstanding calls.
package rpc
