// File: transport/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"net/url"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/wire"
)

// Options tunes a transport. Zero values select defaults.
type Options struct {
	// Codec maps frames to payloads; wire.JSON by default.
	Codec wire.Codec

	// MaxPayload caps a single frame or reassembled message.
	MaxPayload int64

	// Pool supplies socket read buffers.
	Pool *pool.BytePool
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = wire.JSON
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = protocol.MaxFramePayload
	}
	if o.Pool == nil {
		o.Pool = pool.Default()
	}
	return o
}

// ParseEndpoint validates a ws:// URL and fills in the default port.
func ParseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, api.ErrInvalidArgument.WithContext("endpoint", raw)
	}
	switch u.Scheme {
	case "ws":
	case "wss":
		return nil, api.ErrNotSupported.WithContext("scheme", u.Scheme)
	default:
		return nil, api.ErrInvalidArgument.WithContext("endpoint", raw)
	}
	if u.Hostname() == "" {
		return nil, api.ErrInvalidArgument.WithContext("endpoint", raw)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), "80")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
