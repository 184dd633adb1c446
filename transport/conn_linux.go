//go:build linux
// +build linux

// File: transport/conn_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-socket WebSocket state machine shared by both transport sides.

package transport

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

var log = commonlog.GetLogger("hiorpc.transport")

type phase int

const (
	phaseConnecting phase = iota
	phaseHandshake
	phaseOpen
	phaseClosing
	phaseClosed
)

// owner receives connection lifecycle notifications from a wsConn.
type owner interface {
	connOpened(c *wsConn)
	connFrame(c *wsConn, f *api.Frame)
	connClosed(c *wsConn, err error)

	// acceptPath reports whether a server connection may upgrade on path.
	acceptPath(path string) bool
}

type wsConn struct {
	id      string
	fd      int
	remote  string
	client  bool
	key     string
	upgrade []byte

	reactor api.Reactor
	opts    Options
	owner   owner

	phase         phase
	opened        bool
	silent        bool
	closeAfterOut bool
	closeErr      error

	in  []byte
	asm *protocol.Assembler

	out       *queue.Queue
	outOff    int
	wantWrite bool
}

var _ api.Conn = (*wsConn)(nil)

func newConn(r api.Reactor, fd int, remote string, client bool, opts Options, o owner) *wsConn {
	return &wsConn{
		id:      uuid.NewString(),
		fd:      fd,
		remote:  remote,
		client:  client,
		reactor: r,
		opts:    opts,
		owner:   o,
		asm:     protocol.NewAssembler(opts.MaxPayload),
		out:     queue.New(),
	}
}

// ID returns the connection's unique id.
func (c *wsConn) ID() string { return c.id }

func (c *wsConn) String() string {
	return fmt.Sprintf("conn %s (%s)", c.id, c.remote)
}

// Send encodes f with the configured codec and queues it.
func (c *wsConn) Send(f *api.Frame) error {
	if c.phase != phaseOpen {
		return api.ErrTransportClosed.WithContext("conn", c.id)
	}
	payload, err := c.opts.Codec.Encode(f)
	if err != nil {
		return err
	}
	opcode := byte(protocol.OpcodeText)
	if c.opts.Codec.Binary() {
		opcode = protocol.OpcodeBinary
	}
	if err := c.writeFrame(opcode, payload); err != nil {
		return err
	}
	log.Debugf("%s sent %s", c, f)
	return c.flush()
}

// Close starts an orderly close. The owner is notified once the close frame
// is flushed.
func (c *wsConn) Close() error {
	switch c.phase {
	case phaseClosed, phaseClosing:
		return nil
	case phaseOpen:
		c.phase = phaseClosing
		c.closeAfterOut = true
		if err := c.writeFrame(protocol.OpcodeClose, protocol.ClosePayload(protocol.CloseNormalClosure, "")); err != nil {
			c.teardown(nil)
			return nil
		}
		if err := c.flush(); err != nil {
			c.teardown(nil)
		}
		return nil
	default:
		c.teardown(api.ErrTransportClosed.WithContext("conn", c.id))
		return nil
	}
}

func (c *wsConn) writeFrame(opcode byte, payload []byte) error {
	raw, err := protocol.EncodeFrameToBuffer(protocol.NewFrame(opcode, payload, c.client), nil)
	if err != nil {
		return err
	}
	c.out.Add(raw)
	return nil
}

func (c *wsConn) enqueue(raw []byte) {
	c.out.Add(raw)
}

// onEvent is the reactor callback for the socket.
func (c *wsConn) onEvent(_ int, ev api.EventMask) {
	if c.phase == phaseConnecting {
		if ev&(api.EventWrite|api.EventError) != 0 {
			c.finishConnect()
		}
		return
	}
	if ev&api.EventWrite != 0 {
		if err := c.flush(); err != nil {
			c.teardown(c.writeFailure(err))
			return
		}
	}
	if c.phase == phaseClosed {
		return
	}
	if ev&(api.EventRead|api.EventError) != 0 {
		c.readAvailable()
	}
}

func (c *wsConn) finishConnect() {
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	if err != nil {
		c.teardown(fmt.Errorf("connect %s: %w", c.remote, err))
		return
	}
	c.phase = phaseHandshake
	log.Debugf("%s connected, sending upgrade", c)
	if err := c.setInterest(api.EventRead); err != nil {
		c.teardown(err)
		return
	}
	c.enqueue(c.upgrade)
	c.upgrade = nil
	if err := c.flush(); err != nil {
		c.teardown(err)
	}
}

func (c *wsConn) readAvailable() {
	bufp := c.opts.Pool.GetBuffer()
	defer c.opts.Pool.PutBuffer(bufp)
	buf := *bufp

	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			c.teardown(fmt.Errorf("read %s: %w", c.remote, err))
			return
		}
		if n == 0 {
			c.process()
			c.onEOF()
			return
		}
		if n < len(buf) {
			break
		}
	}
	c.process()
}

func (c *wsConn) onEOF() {
	if c.phase == phaseClosed {
		return
	}
	if c.phase == phaseClosing {
		c.teardown(nil)
		return
	}
	c.teardown(api.ErrTransportClosed.WithContext("reason", "connection reset by peer"))
}

func (c *wsConn) process() {
	if c.phase == phaseHandshake {
		if !c.processHandshake() {
			return
		}
	}
	for c.phase == phaseOpen && len(c.in) > 0 {
		f, n, err := protocol.DecodeFrameFromBytes(c.in, c.opts.MaxPayload)
		if err != nil {
			log.Warningf("%s: %v", c, err)
			c.failProtocol(err)
			return
		}
		if f == nil {
			break
		}
		c.in = c.in[n:]
		c.handleFrame(f)
	}
	if len(c.in) == 0 {
		c.in = nil
	}
}

// processHandshake consumes the HTTP head once complete. It returns true
// when the connection switched to WebSocket framing.
func (c *wsConn) processHandshake() bool {
	n, err := protocol.HeaderEnd(c.in)
	if err != nil {
		c.teardown(err)
		return false
	}
	if n == 0 {
		return false
	}
	head := c.in[:n]
	c.in = c.in[n:]

	if c.client {
		if err := protocol.VerifyServerHandshake(head, c.key); err != nil {
			c.teardown(err)
			return false
		}
		c.open()
		return true
	}

	req, err := protocol.ParseUpgradeRequest(head)
	if err != nil {
		c.reject(400, err)
		return false
	}
	if !c.owner.acceptPath(req.URL.Path) {
		c.reject(404, api.ErrNotFound.WithContext("path", req.URL.Path))
		return false
	}
	hdr, err := protocol.UpgradeToWebSocket(req)
	if err != nil {
		c.reject(400, err)
		return false
	}
	var resp bytes.Buffer
	if err := protocol.WriteHandshakeResponse(&resp, hdr); err != nil {
		c.teardown(err)
		return false
	}
	c.enqueue(resp.Bytes())
	c.open()
	if c.phase == phaseOpen {
		if err := c.flush(); err != nil {
			c.teardown(c.writeFailure(err))
			return false
		}
	}
	return c.phase == phaseOpen
}

func (c *wsConn) open() {
	c.phase = phaseOpen
	c.opened = true
	log.Infof("%s open", c)
	c.owner.connOpened(c)
}

func (c *wsConn) reject(status int, err error) {
	log.Warningf("%s upgrade rejected with %d: %v", c, status, err)
	var resp bytes.Buffer
	_ = protocol.WriteHandshakeReject(&resp, status)
	c.enqueue(resp.Bytes())
	c.phase = phaseClosing
	c.closeAfterOut = true
	c.closeErr = err
	if err := c.flush(); err != nil {
		c.teardown(err)
	}
}

func (c *wsConn) handleFrame(f *protocol.WSFrame) {
	if !c.client && !f.Masked {
		c.failProtocol(fmt.Errorf("unmasked client frame"))
		return
	}
	opcode, payload, done, err := c.asm.Push(f)
	if err != nil {
		c.failProtocol(err)
		return
	}
	if !done {
		return
	}
	switch opcode {
	case protocol.OpcodePing:
		_ = c.writeFrame(protocol.OpcodePong, payload)
		if err := c.flush(); err != nil {
			c.teardown(c.writeFailure(err))
		}
	case protocol.OpcodePong:
	case protocol.OpcodeClose:
		code, reason, err := protocol.ParseClosePayload(payload)
		if err != nil {
			code = protocol.CloseProtocolError
		}
		log.Debugf("%s close received: %d %s", c, code, reason)
		c.phase = phaseClosing
		c.closeAfterOut = true
		echo := protocol.ClosePayload(code, "")
		if code == protocol.CloseNoStatusRcvd {
			echo = nil
		}
		_ = c.writeFrame(protocol.OpcodeClose, echo)
		if err := c.flush(); err != nil {
			c.teardown(nil)
		}
	case protocol.OpcodeText, protocol.OpcodeBinary:
		frame, err := c.opts.Codec.Decode(payload)
		if err != nil {
			log.Warningf("%s dropped undecodable payload: %v", c, err)
			return
		}
		c.owner.connFrame(c, frame)
	default:
		c.failProtocol(fmt.Errorf("unknown opcode 0x%x", opcode))
	}
}

// failProtocol sends a protocol-error close and tears the connection down.
func (c *wsConn) failProtocol(err error) {
	if c.phase != phaseOpen {
		c.teardown(err)
		return
	}
	code := uint16(protocol.CloseProtocolError)
	if err == protocol.ErrFrameTooLarge {
		code = protocol.CloseMessageTooBig
	}
	_ = c.writeFrame(protocol.OpcodeClose, protocol.ClosePayload(code, ""))
	_ = c.flush()
	c.teardown(fmt.Errorf("protocol error: %w", err))
}

// flush writes queued bytes until the socket would block, then adjusts the
// readiness interest.
func (c *wsConn) flush() error {
	for c.out.Length() > 0 {
		chunk := c.out.Peek().([]byte)[c.outOff:]
		n, err := unix.Write(c.fd, chunk)
		if n > 0 {
			c.outOff += n
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || (err == nil && n < len(chunk)) {
			return c.setInterest(api.EventRead | api.EventWrite)
		}
		if err != nil {
			return err
		}
		c.out.Remove()
		c.outOff = 0
	}
	if c.closeAfterOut {
		c.teardown(c.closeErr)
		return nil
	}
	return c.setInterest(api.EventRead)
}

func (c *wsConn) setInterest(ev api.EventMask) error {
	want := ev&api.EventWrite != 0
	if want == c.wantWrite || c.phase == phaseClosed {
		return nil
	}
	c.wantWrite = want
	return c.reactor.Modify(c.fd, ev)
}

func (c *wsConn) writeFailure(err error) error {
	if c.phase == phaseClosing {
		return c.closeErr
	}
	return fmt.Errorf("write %s: %w", c.remote, err)
}

// teardown releases the socket and notifies the owner once.
func (c *wsConn) teardown(err error) {
	if c.phase == phaseClosed {
		return
	}
	c.phase = phaseClosed
	if uerr := c.reactor.Unregister(c.fd); uerr != nil {
		log.Debugf("%s unregister: %v", c, uerr)
	}
	unix.Close(c.fd)
	for c.out.Length() > 0 {
		c.out.Remove()
	}
	c.in = nil
	c.asm.Reset()
	if err != nil {
		log.Infof("%s closed: %v", c, err)
	} else {
		log.Infof("%s closed", c)
	}
	if !c.silent {
		c.owner.connClosed(c, err)
	}
}

// sockaddr converts a resolved TCP address for raw socket calls.
func sockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "?"
	}
}
