//go:build linux
// +build linux

// File: transport/server_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Responding side: accepts connections on one endpoint path.

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/api"
)

const listenBacklog = 128

// Server listens for WebSocket upgrades on the reactor.
type Server struct {
	reactor  api.Reactor
	endpoint string
	path     string
	opts     Options

	handler api.TransportHandler
	lfd     int
	addr    string
	conns   map[string]*wsConn
	started bool
	closed  bool
}

var _ api.Transport = (*Server)(nil)

// Listen prepares a server for endpoint. No socket is opened until Start.
func Listen(r api.Reactor, endpoint string, opts Options) *Server {
	return &Server{
		reactor:  r,
		endpoint: endpoint,
		opts:     opts.withDefaults(),
		lfd:      -1,
		conns:    make(map[string]*wsConn),
	}
}

// Start binds and listens. h.OnOpen runs on the reactor once listening.
func (s *Server) Start(h api.TransportHandler) error {
	if s.started {
		return api.ErrAlreadyStarted
	}
	if s.closed {
		return api.ErrTransportClosed
	}
	u, err := ParseEndpoint(s.endpoint)
	if err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", u.Host, err)
	}
	sa, domain := sockaddr(addr)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("socket create: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := s.reactor.Register(fd, api.EventRead, s.onAccept); err != nil {
		unix.Close(fd)
		return err
	}
	s.lfd = fd
	s.path = u.Path
	s.addr = addr.String()
	if local, err := unix.Getsockname(fd); err == nil {
		s.addr = sockaddrString(local)
	}
	s.handler = h
	s.started = true
	log.Infof("listening on %s%s", s.addr, s.path)
	return s.reactor.Post(func() {
		if !s.closed {
			h.OnOpen()
		}
	})
}

// Addr returns the bound host:port, which resolves an ephemeral port.
func (s *Server) Addr() string {
	return s.addr
}

// Endpoint returns the ws:// URL clients should dial.
func (s *Server) Endpoint() string {
	return "ws://" + s.addr + s.path
}

// Conns returns the number of live connections.
func (s *Server) Conns() int {
	return len(s.conns)
}

func (s *Server) onAccept(fd int, _ api.EventMask) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				log.Warningf("accept: %v", err)
			}
			return
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		conn := newConn(s.reactor, nfd, sockaddrString(sa), false, s.opts, s)
		conn.phase = phaseHandshake
		if err := s.reactor.Register(nfd, api.EventRead, conn.onEvent); err != nil {
			log.Errorf("register accepted conn: %v", err)
			unix.Close(nfd)
			continue
		}
		s.conns[conn.id] = conn
		log.Debugf("%s accepted", conn)
	}
}

// Close stops listening and drops every connection without notifying the
// handler.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for id, c := range s.conns {
		c.silent = true
		c.Close()
		if c.phase != phaseClosed {
			c.teardown(nil)
		}
		delete(s.conns, id)
	}
	if s.lfd >= 0 {
		_ = s.reactor.Unregister(s.lfd)
		err := unix.Close(s.lfd)
		s.lfd = -1
		return err
	}
	return nil
}

func (s *Server) connOpened(c *wsConn) {
	s.handler.OnConnOpen(c)
}

func (s *Server) connFrame(c *wsConn, f *api.Frame) {
	s.handler.OnFrame(c, f)
}

func (s *Server) connClosed(c *wsConn, err error) {
	delete(s.conns, c.id)
	if c.opened {
		s.handler.OnConnClose(c, err)
	}
}

func (s *Server) acceptPath(path string) bool {
	return path == s.path
}
