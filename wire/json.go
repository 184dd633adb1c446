// File: wire/json.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wire

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/momentics/hioload-rpc/api"
)

// JSON carries frames as UTF-8 text.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(f *api.Frame) ([]byte, error) {
	m, err := toEnvelope(f)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: json encode %s: %w: %w", f, api.ErrUnencodable, err)
	}
	return b, nil
}

func (jsonCodec) Decode(b []byte) (*api.Frame, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("wire: json decode: %w", err)
	}
	if m == nil {
		return nil, malformed("not an object")
	}
	return fromEnvelope(m)
}
