// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the core interfaces.

package fake

import (
	"fmt"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/wire"
)

// Transport is an in-memory api.Transport. Tests drive the handler
// synchronously through Open, Connect, Deliver, Drop and Fail.
type Transport struct {
	handler    api.TransportHandler
	conns      []*Conn
	started    bool
	closed     bool
	startError error
	closeError error
	seq        int
}

var _ api.Transport = (*Transport)(nil)

// NewTransport creates a new fake transport with default settings.
func NewTransport() *Transport {
	return &Transport{}
}

// Start implements api.Transport.Start.
func (t *Transport) Start(h api.TransportHandler) error {
	if t.startError != nil {
		return t.startError
	}
	if t.started {
		return api.ErrAlreadyStarted
	}
	t.started = true
	t.handler = h
	return nil
}

// Close implements api.Transport.Close.
func (t *Transport) Close() error {
	if t.closeError != nil {
		return t.closeError
	}
	t.closed = true
	for _, c := range t.conns {
		c.closed = true
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	return t.closed
}

// SetStartError makes Start fail with err.
func (t *Transport) SetStartError(err error) {
	t.startError = err
}

// SetCloseError configures the transport to return an error on Close.
func (t *Transport) SetCloseError(err error) {
	t.closeError = err
}

// Open reports establishment to the handler.
func (t *Transport) Open() {
	t.handler.OnOpen()
}

// Connect opens a new peer connection.
func (t *Transport) Connect() *Conn {
	t.seq++
	c := &Conn{id: fmt.Sprintf("fake-%d", t.seq), owner: t}
	t.conns = append(t.conns, c)
	t.handler.OnConnOpen(c)
	return c
}

// Dial is Connect followed by Open, the sequence a dialing transport uses.
func (t *Transport) Dial() *Conn {
	c := t.Connect()
	t.Open()
	return c
}

// Deliver hands an inbound frame to the handler.
func (t *Transport) Deliver(c *Conn, f *api.Frame) {
	t.handler.OnFrame(c, f)
}

// Drop closes c from the peer side.
func (t *Transport) Drop(c *Conn, err error) {
	c.closed = true
	t.handler.OnConnClose(c, err)
}

// Fail reports a transport failure.
func (t *Transport) Fail(err error) {
	t.handler.OnFailure(err)
}

// Conn is an in-memory api.Conn recording every sent frame.
type Conn struct {
	id        string
	owner     *Transport
	sent      []*api.Frame
	closed    bool
	sendError error
	codec     wire.Codec
}

var _ api.Conn = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

// Send records f, or its decoded wire form when a codec is set.
func (c *Conn) Send(f *api.Frame) error {
	if c.closed {
		return api.ErrTransportClosed
	}
	if c.sendError != nil {
		return c.sendError
	}
	if c.codec != nil {
		b, err := c.codec.Encode(f)
		if err != nil {
			return err
		}
		if f, err = c.codec.Decode(b); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, f)
	return nil
}

// Close marks the connection closed without notifying the handler.
func (c *Conn) Close() error {
	c.closed = true
	return nil
}

// Closed reports whether the connection is closed.
func (c *Conn) Closed() bool {
	return c.closed
}

// SetSendError configures the connection to return an error on Send.
func (c *Conn) SetSendError(err error) {
	c.sendError = err
}

// SetCodec makes Send round-trip every frame through codec, recording the
// decoded copy.
func (c *Conn) SetCodec(codec wire.Codec) {
	c.codec = codec
}

// Sent returns all frames sent so far.
func (c *Conn) Sent() []*api.Frame {
	out := make([]*api.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// Last returns the most recently sent frame, or nil.
func (c *Conn) Last() *api.Frame {
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// ClearSent clears the sent frame log.
func (c *Conn) ClearSent() {
	c.sent = nil
}
