//go:build !linux
// +build !linux

// File: transport/transport_stub.go
// Author: momentics <momentics@gmail.com>

package transport

import "github.com/momentics/hioload-rpc/api"

// Client is unavailable on this platform.
type Client struct{}

// Server is unavailable on this platform.
type Server struct{}

func Dial(api.Reactor, string, Options) *Client   { return &Client{} }
func Listen(api.Reactor, string, Options) *Server { return &Server{} }

func (*Client) Start(api.TransportHandler) error { return api.ErrNotSupported }
func (*Client) Close() error                     { return nil }
func (*Client) Conn() api.Conn                   { return nil }

func (*Server) Start(api.TransportHandler) error { return api.ErrNotSupported }
func (*Server) Close() error                     { return nil }
func (*Server) Addr() string                     { return "" }
func (*Server) Endpoint() string                 { return "" }
func (*Server) Conns() int                       { return 0 }
