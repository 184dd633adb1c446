// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-rpc.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeNotSupported
	ErrCodeProtocolState
	ErrCodeCorrelation
	ErrCodeRegistrationConflict
	ErrCodeHandlerFault
	ErrCodeResource
	ErrCodeTransportFailure
	ErrCodeStopped
	ErrCodeTimeout
	ErrCodeRemote
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeNotSupported:
		return "not supported"
	case ErrCodeProtocolState:
		return "protocol state"
	case ErrCodeCorrelation:
		return "correlation"
	case ErrCodeRegistrationConflict:
		return "registration conflict"
	case ErrCodeHandlerFault:
		return "handler fault"
	case ErrCodeResource:
		return "resource"
	case ErrCodeTransportFailure:
		return "transport failure"
	case ErrCodeStopped:
		return "stopped"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeRemote:
		return "remote"
	default:
		return "internal"
	}
}

// Common errors used across the library.
var (
	ErrInvalidArgument    = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrNotSupported       = NewError(ErrCodeNotSupported, "operation not supported")
	ErrAlreadyStarted     = NewError(ErrCodeProtocolState, "already started")
	ErrInvalidState       = NewError(ErrCodeProtocolState, "invalid state")
	ErrUnknownCorrelation = NewError(ErrCodeCorrelation, "unknown correlation id")
	ErrAlreadyExists      = NewError(ErrCodeRegistrationConflict, "name already exists")
	ErrNotSubscribed      = NewError(ErrCodeResource, "not subscribed")
	ErrNoSuchTimer        = NewError(ErrCodeResource, "no such timer")
	ErrNotFound           = NewError(ErrCodeResource, "resource not found")
	ErrTransportClosed    = NewError(ErrCodeTransportFailure, "transport is closed")
	ErrStopped            = NewError(ErrCodeStopped, "stopped")
	ErrTimeout            = NewError(ErrCodeTimeout, "operation timeout")
	ErrClosed             = NewError(ErrCodeProtocolState, "interpreter is closed")
	ErrUnencodable        = NewError(ErrCodeInvalidArgument, "value cannot be encoded")
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Is reports whether target carries the same code and message, so copies made
// by WithContext still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithContext returns a copy of the error with key attached.
func (e *Error) WithContext(key string, value any) *Error {
	cp := &Error{
		Code:    e.Code,
		Message: e.Message,
		Context: make(map[string]any, len(e.Context)+1),
	}
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return cp
}

// Fault builds a HandlerFault carrying the message raised by a handler.
func Fault(message string) *Error {
	return NewError(ErrCodeHandlerFault, message)
}

// RemoteError is a failure response received from the peer.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// CodeOf classifies err into the library taxonomy.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return ErrCodeRemote
	}
	return ErrCodeInternal
}
