//go:build linux
// +build linux

// File: transport/client_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Initiating side: one outbound connection per transport.

package transport

import (
	"fmt"
	"net"
	"net/url"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

// Client dials a single WebSocket connection on the reactor.
type Client struct {
	reactor  api.Reactor
	endpoint string
	url      *url.URL
	opts     Options

	handler api.TransportHandler
	conn    *wsConn
	started bool
	closed  bool
}

var _ api.Transport = (*Client)(nil)

// Dial prepares a client for endpoint. No I/O happens until Start.
func Dial(r api.Reactor, endpoint string, opts Options) *Client {
	return &Client{
		reactor:  r,
		endpoint: endpoint,
		opts:     opts.withDefaults(),
	}
}

// Start resolves the endpoint and begins a non-blocking connect. Connect
// and handshake failures are reported through h.OnFailure.
func (c *Client) Start(h api.TransportHandler) error {
	if c.started {
		return api.ErrAlreadyStarted
	}
	if c.closed {
		return api.ErrTransportClosed
	}
	u, err := ParseEndpoint(c.endpoint)
	if err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", u.Host, err)
	}
	key, err := protocol.NewClientKey()
	if err != nil {
		return err
	}

	sa, domain := sockaddr(addr)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("socket create: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	c.url = u
	c.handler = h
	c.started = true

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		cerr := fmt.Errorf("connect %s: %w", addr, err)
		return c.reactor.Post(func() { h.OnFailure(cerr) })
	}

	conn := newConn(c.reactor, fd, addr.String(), true, c.opts, c)
	conn.key = key
	conn.upgrade = protocol.BuildClientHandshake(u, key)
	conn.wantWrite = true
	if err := c.reactor.Register(fd, api.EventWrite, conn.onEvent); err != nil {
		unix.Close(fd)
		return err
	}
	c.conn = conn
	log.Debugf("dialing %s", u)
	return nil
}

// Conn returns the connection once dialed, nil before Start.
func (c *Client) Conn() api.Conn {
	if c.conn == nil {
		return nil
	}
	return c.conn
}

// Close drops the connection without notifying the handler.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.silent = true
		c.conn.Close()
	}
	return nil
}

func (c *Client) connOpened(conn *wsConn) {
	if c.closed {
		return
	}
	c.handler.OnConnOpen(conn)
	c.handler.OnOpen()
}

func (c *Client) connFrame(conn *wsConn, f *api.Frame) {
	if c.closed {
		return
	}
	c.handler.OnFrame(conn, f)
}

func (c *Client) connClosed(conn *wsConn, err error) {
	if c.closed {
		return
	}
	if !conn.opened {
		if err == nil {
			err = api.ErrTransportClosed.WithContext("endpoint", c.endpoint)
		}
		c.handler.OnFailure(err)
		return
	}
	c.handler.OnConnClose(conn, err)
	c.handler.OnFailure(err)
}

func (c *Client) acceptPath(string) bool { return false }
