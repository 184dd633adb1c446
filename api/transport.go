// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Transport contracts between the framed message channel and the RPC engine.
// Frames are passed already decoded; the engine never touches raw bytes.

package api

// Conn is one peer connection of a transport.
type Conn interface {
	// ID returns a unique identifier for logs and subscription bookkeeping.
	ID() string

	// Send frames and queues f. Must be called on the reactor thread.
	Send(f *Frame) error

	// Close tears the connection down.
	Close() error
}

// TransportHandler receives transport notifications on the reactor thread.
type TransportHandler interface {
	// OnOpen fires once the transport is established. A dialing transport
	// reports its connection through OnConnOpen first.
	OnOpen()

	// OnFailure fires when establishment fails or the sole connection of
	// a dialing transport is lost. err is nil when the peer closed that
	// connection in an orderly way.
	OnFailure(err error)

	// OnConnOpen fires for every peer connection that completes its handshake.
	OnConnOpen(c Conn)

	// OnFrame delivers one inbound frame in arrival order.
	OnFrame(c Conn, f *Frame)

	// OnConnClose fires when a peer connection is gone.
	OnConnClose(c Conn, err error)
}

// Transport is a framed, bidirectional, ordered message channel layered over
// the Reactor.
type Transport interface {
	// Start begins asynchronous establishment and returns immediately.
	Start(h TransportHandler) error

	// Close releases every connection and descriptor without further
	// handler notifications. Idempotent.
	Close() error
}
