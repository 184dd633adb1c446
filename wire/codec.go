// File: wire/codec.go
// Package wire maps protocol frames to and from payload bytes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The envelope is JSON-RPC 2.0 shaped. A request carries id and method, a
// response carries id and either result or error, an event carries method
// and params without id. rpc.on / rpc.off take the event name as sole param.

package wire

import (
	"fmt"
	"math"
	"strings"

	"github.com/momentics/hioload-rpc/api"
)

const version = "2.0"

// Codec serializes frames for one payload format.
type Codec interface {
	// Name is the configuration name of the codec.
	Name() string

	// Binary reports whether payloads travel in binary rather than text frames.
	Binary() bool

	Encode(f *api.Frame) ([]byte, error)
	Decode(b []byte) (*api.Frame, error)
}

// CodecByName resolves "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, api.ErrNotSupported.WithContext("codec", name)
	}
}

// toEnvelope flattens f into the generic envelope map.
func toEnvelope(f *api.Frame) (map[string]any, error) {
	m := map[string]any{"jsonrpc": version}
	switch f.Kind {
	case api.KindRequest:
		if f.Method == "" {
			return nil, api.ErrInvalidArgument.WithContext("field", "method")
		}
		m["id"] = f.ID
		m["method"] = f.Method
		m["params"] = f.Params
	case api.KindResponse:
		m["id"] = f.ID
		if f.Failure != nil {
			m["error"] = map[string]any{"code": f.Failure.Code, "message": f.Failure.Message}
		} else {
			m["result"] = f.Result
		}
	case api.KindEvent:
		if f.Method == "" {
			return nil, api.ErrInvalidArgument.WithContext("field", "method")
		}
		m["method"] = f.Method
		m["params"] = f.Params
	default:
		return nil, api.ErrInvalidArgument.WithContext("kind", f.Kind)
	}
	return m, nil
}

// fromEnvelope classifies a decoded map. Values are normalized so that both
// codecs yield identical trees.
func fromEnvelope(raw map[string]any) (*api.Frame, error) {
	nv, err := api.Normalize(raw)
	if err != nil {
		return nil, err
	}
	m := nv.(map[string]any)

	rawID, hasID := m["id"]
	method, _ := m["method"].(string)
	if _, ok := m["method"]; ok && method == "" {
		return nil, malformed("method must be a non-empty string")
	}

	if !hasID {
		if method == "" {
			return nil, malformed("frame has neither id nor method")
		}
		return api.NewEvent(method, m["params"]), nil
	}

	id, err := toID(rawID)
	if err != nil {
		return nil, err
	}
	if method != "" {
		return api.NewRequest(id, method, m["params"]), nil
	}

	if e, ok := m["error"]; ok && e != nil {
		em, ok := e.(map[string]any)
		if !ok {
			return nil, malformed("error must be an object")
		}
		code, _ := em["code"].(float64)
		msg, _ := em["message"].(string)
		return api.NewFailure(id, int(code), msg), nil
	}
	return api.NewResult(id, m["result"]), nil
}

func toID(v any) (uint32, error) {
	n, ok := v.(float64)
	if !ok || n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, malformed(fmt.Sprintf("invalid id %v", v))
	}
	return uint32(n), nil
}

func malformed(msg string) error {
	return api.NewError(api.ErrCodeInvalidArgument, "malformed frame: "+msg)
}
