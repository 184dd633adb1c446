// File: api/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Protocol frames: request, response and event.

package api

import "fmt"

// FrameKind classifies a protocol frame.
type FrameKind uint8

const (
	KindRequest FrameKind = iota + 1
	KindResponse
	KindEvent
)

func (k FrameKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Built-in methods used by an Initiator to (un)subscribe from a named event.
const (
	MethodSubscribe   = "rpc.on"
	MethodUnsubscribe = "rpc.off"
)

// Failure codes carried in error responses.
const (
	FailureMethodNotFound = -32601
	FailureInvalidParams  = -32602
	FailureHandler        = -32000
)

// Failure is the error body of a failed response.
type Failure struct {
	Code    int    `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// Frame is one complete protocol message.
//
// Request: ID, Method, Params. Response: ID and either Result or Failure.
// Event: Method (event name), Params (payload).
type Frame struct {
	Kind    FrameKind
	ID      uint32
	Method  string
	Params  Value
	Result  Value
	Failure *Failure
}

// NewRequest builds a request frame.
func NewRequest(id uint32, method string, params Value) *Frame {
	return &Frame{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// NewResult builds a successful response frame.
func NewResult(id uint32, result Value) *Frame {
	return &Frame{Kind: KindResponse, ID: id, Result: result}
}

// NewFailure builds a failed response frame.
func NewFailure(id uint32, code int, message string) *Frame {
	return &Frame{Kind: KindResponse, ID: id, Failure: &Failure{Code: code, Message: message}}
}

// NewEvent builds an event frame.
func NewEvent(name string, data Value) *Frame {
	return &Frame{Kind: KindEvent, Method: name, Params: data}
}

// OK reports whether a response frame carries a success.
func (f *Frame) OK() bool {
	return f.Kind == KindResponse && f.Failure == nil
}

func (f *Frame) String() string {
	switch f.Kind {
	case KindRequest:
		return fmt.Sprintf("request{id:%d method:%q}", f.ID, f.Method)
	case KindResponse:
		if f.Failure != nil {
			return fmt.Sprintf("response{id:%d error:%q}", f.ID, f.Failure.Message)
		}
		return fmt.Sprintf("response{id:%d ok}", f.ID)
	case KindEvent:
		return fmt.Sprintf("event{name:%q}", f.Method)
	default:
		return f.Kind.String()
	}
}
