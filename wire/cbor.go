// File: wire/cbor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/momentics/hioload-rpc/api"
)

// CBOR carries frames as canonical CBOR in binary frames.
var CBOR Codec = newCBORCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	return cborCodec{enc: em, dec: dm}
}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(f *api.Frame) ([]byte, error) {
	m, err := toEnvelope(f)
	if err != nil {
		return nil, err
	}
	b, err := c.enc.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: cbor encode %s: %w: %w", f, api.ErrUnencodable, err)
	}
	return b, nil
}

func (c cborCodec) Decode(b []byte) (*api.Frame, error) {
	var m map[string]any
	if err := c.dec.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("wire: cbor decode: %w", err)
	}
	if m == nil {
		return nil, malformed("not a map")
	}
	return fromEnvelope(m)
}
